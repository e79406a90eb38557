package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"quackmail/auth"
	"quackmail/config"
	"quackmail/mail"
	"quackmail/middleware"
	"quackmail/models"
	"quackmail/storage"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "hunter22"
	testIMAPPass = "imap-pw"
)

type fakeTransport struct {
	mu    sync.Mutex
	sent  int
	rcpts []string
	msg   []byte
	err   error
}

func (f *fakeTransport) Send(_ context.Context, _ models.ServerSettings, _ string, rcpts []string, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent++
	f.rcpts = rcpts
	f.msg = msg
	return nil
}

type testEnv struct {
	t         *testing.T
	app       *fiber.App
	transport *fakeTransport
	imap      *imapclient.Client
}

func startIMAP(t *testing.T) (string, int) {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser(testEmail, testIMAPPass)
	require.NoError(t, user.Create("INBOX", nil))
	require.NoError(t, user.Create("Archive", nil))
	mem.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	host, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return host, port
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith lets tune adjust the config before the app is built
func newTestEnvWith(t *testing.T, tune func(*config.Config)) *testEnv {
	t.Helper()

	host, port := startIMAP(t)

	cfg := config.Default()
	cfg.JWT.Secret = "test-secret"
	cfg.Encryption.Key = "0123456789abcdef0123456789abcdef"
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.IMAP = config.MailServerConfig{Server: host, Port: port}
	cfg.SMTP = config.MailServerConfig{Server: host, Port: 1}
	cfg.RateLimit.Requests = 1000
	cfg.RateLimit.AuthRequests = 1000
	if tune != nil {
		tune(cfg)
	}
	require.NoError(t, cfg.Validate())

	db, err := storage.InitDB(cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	creds := storage.NewCredentialStorage(db, []byte(cfg.Encryption.Key))
	svc, err := auth.NewService(
		storage.NewAccountStorage(db), creds, storage.NewSessionStorage(db),
		auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.SessionTTL.Duration),
		mail.IMAPProber{DialTimeout: 5 * time.Second},
		cfg.IMAP, cfg.SMTP,
	)
	require.NoError(t, err)

	tr := &fakeTransport{}
	handles, err := mail.NewHandleCache(creds, mail.Options{
		MaxHandles:   8,
		IdleTimeout:  time.Minute,
		DialTimeout:  5 * time.Second,
		SanitizeHTML: true,
		Transport:    tr,
	})
	require.NoError(t, err)
	t.Cleanup(handles.Close)

	app := NewApp(Deps{
		Config:      cfg,
		Auth:        svc,
		Credentials: creds,
		Handles:     handles,
		Limiter:     middleware.NewRateLimiter(cfg.RateLimit.Requests, time.Minute),
		AuthLimiter: middleware.NewRateLimiter(cfg.RateLimit.AuthRequests, time.Minute),
	})

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	require.NoError(t, err)
	c := imapclient.New(conn, nil)
	require.NoError(t, c.Login(testEmail, testIMAPPass).Wait())
	t.Cleanup(func() { c.Close() })

	return &testEnv{t: t, app: app, transport: tr, imap: c}
}

// request sends a JSON request and decodes the JSON response into out
func (e *testEnv) request(method, path, token string, body any, out any) int {
	e.t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		r = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}

	resp, err := e.app.Test(req, 10_000)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out), "status %d", resp.StatusCode)
	}
	return resp.StatusCode
}

type errorBody struct {
	Error string `json:"error"`
}

// register creates the test account and returns its token. withMail stores
// IMAP credentials accepted by the test server.
func (e *testEnv) register(withMail bool) string {
	e.t.Helper()

	body := RegisterRequest{Email: testEmail, Password: testPassword}
	if withMail {
		body.IMAPPass = testIMAPPass
		body.SMTPPass = "smtp-pw"
		body.FromEmail = testEmail
	}

	var res auth.Result
	status := e.request(http.MethodPost, "/api/auth/register", "", body, &res)
	require.Equal(e.t, http.StatusCreated, status)
	require.NotEmpty(e.t, res.Token)
	return res.Token
}

func (e *testEnv) appendMessage(mailbox, subject string, date time.Time) {
	e.t.Helper()

	raw := "From: Bob <bob@example.com>\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: " + date.Format(time.RFC1123Z) + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"hello " + subject + "\r\n"

	cmd := e.imap.Append(mailbox, int64(len(raw)), nil)
	_, err := cmd.Write([]byte(raw))
	require.NoError(e.t, err)
	require.NoError(e.t, cmd.Close())
	_, err = cmd.Wait()
	require.NoError(e.t, err)
}
