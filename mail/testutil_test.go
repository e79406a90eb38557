package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"

	"quackmail/models"
	"quackmail/storage"
)

const (
	testUser     = "alice@example.com"
	testIMAPPass = "imap-pw"
	testSMTPPass = "smtp-pw"
)

// newIMAPServer starts an in-memory IMAP server with one user owning INBOX
// and Archive. extra capabilities are advertised on top of IMAP4rev1.
func newIMAPServer(t *testing.T, extra ...imap.Cap) (host string, port int) {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testIMAPPass)
	require.NoError(t, user.Create("INBOX", nil))
	require.NoError(t, user.Create("Archive", nil))
	mem.AddUser(user)

	caps := imap.CapSet{imap.CapIMAP4rev1: {}}
	for _, c := range extra {
		caps[c] = struct{}{}
	}

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps:         caps,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return splitAddr(t, ln.Addr().String())
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return host, port
}

// seed is a direct IMAP client used to put the server into a known state
type seed struct {
	t *testing.T
	c *imapclient.Client
}

func newSeed(t *testing.T, host string, port int) *seed {
	t.Helper()

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	require.NoError(t, err)
	c := imapclient.New(conn, nil)
	require.NoError(t, c.Login(testUser, testIMAPPass).Wait())
	t.Cleanup(func() { c.Close() })

	return &seed{t: t, c: c}
}

func (s *seed) append(mailbox, raw string, flags ...imap.Flag) {
	s.t.Helper()

	cmd := s.c.Append(mailbox, int64(len(raw)), &imap.AppendOptions{Flags: flags})
	_, err := cmd.Write([]byte(raw))
	require.NoError(s.t, err)
	require.NoError(s.t, cmd.Close())
	_, err = cmd.Wait()
	require.NoError(s.t, err)
}

// flags returns the flags of every message in mailbox keyed by UID
func (s *seed) flags(mailbox string) map[uint32][]imap.Flag {
	s.t.Helper()

	sel, err := s.c.Select(mailbox, nil).Wait()
	require.NoError(s.t, err)

	out := map[uint32][]imap.Flag{}
	if sel.NumMessages == 0 {
		return out
	}

	var set imap.SeqSet
	set.AddRange(1, sel.NumMessages)
	bufs, err := s.c.Fetch(set, &imap.FetchOptions{UID: true, Flags: true}).Collect()
	require.NoError(s.t, err)
	for _, b := range bufs {
		out[uint32(b.UID)] = b.Flags
	}
	return out
}

func (s *seed) addFlag(mailbox string, uid uint32, flag imap.Flag) {
	s.t.Helper()

	_, err := s.c.Select(mailbox, nil).Wait()
	require.NoError(s.t, err)
	require.NoError(s.t, s.c.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}, nil).Close())
}

var baseDate = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func plainMessage(subject string, date time.Time, body string) string {
	return "From: Bob <bob@example.com>\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: " + date.Format(time.RFC1123Z) + "\r\n" +
		"Message-ID: <" + strconv.FormatInt(date.UnixNano(), 36) + "@example.com>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body + "\r\n"
}

func htmlMessage(subject string, date time.Time, html string) string {
	return "From: bob@example.com\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: " + date.Format(time.RFC1123Z) + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain version\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		html + "\r\n" +
		"--XYZ--\r\n"
}

// staticCreds serves one credential for every account it knows
type staticCreds struct {
	mu    sync.Mutex
	creds map[string]*models.MailCredential
	loads int
}

func (s *staticCreds) Get(_ context.Context, accountID string) (*models.MailCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	c, ok := s.creds[accountID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func credentialFor(accountID, host string, port int) *models.MailCredential {
	return &models.MailCredential{
		AccountID: accountID,
		IMAPHost:  host,
		IMAPPort:  port,
		IMAPUser:  testUser,
		IMAPPass:  testIMAPPass,
		SMTPHost:  host,
		SMTPUser:  testUser,
		SMTPPass:  testSMTPPass,
		FromEmail: testUser,
	}
}

// recordingTransport counts submissions instead of sending them
type recordingTransport struct {
	mu    sync.Mutex
	calls int
	rcpts []string
	msg   []byte
	err   error
}

func (r *recordingTransport) Send(_ context.Context, _ models.ServerSettings, _ string, rcpts []string, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.rcpts = rcpts
	r.msg = msg
	return r.err
}

func (r *recordingTransport) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testOptions(tr Transport) Options {
	return Options{
		MaxHandles:   16,
		IdleTimeout:  time.Minute,
		DialTimeout:  5 * time.Second,
		SanitizeHTML: true,
		Transport:    tr,
	}
}

// newTestHandle returns a handle for an account on an IMAP test server
func newTestHandle(t *testing.T, extra ...imap.Cap) (*Handle, *seed, *recordingTransport) {
	t.Helper()

	host, port := newIMAPServer(t, extra...)
	tr := &recordingTransport{}
	cache, err := NewHandleCache(&staticCreds{creds: map[string]*models.MailCredential{
		"acc-1": credentialFor("acc-1", host, port),
	}}, testOptions(tr))
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	h, err := cache.Get(context.Background(), "acc-1")
	require.NoError(t, err)

	return h, newSeed(t, host, port), tr
}

// SMTP mock server

type smtpMessage struct {
	From string
	To   []string
	Data []byte
}

type smtpBackend struct {
	mu       sync.Mutex
	messages []*smtpMessage
}

func (be *smtpBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &smtpSession{backend: be}, nil
}

func (be *smtpBackend) Messages() []*smtpMessage {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]*smtpMessage(nil), be.messages...)
}

type smtpSession struct {
	backend *smtpBackend
	msg     *smtpMessage
}

func (s *smtpSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *smtpSession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != testUser || password != testSMTPPass {
			return errors.New("invalid credentials")
		}
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.msg = &smtpMessage{From: from}
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if to == "reject@example.com" {
		return &smtp.SMTPError{Code: 550, Message: "no such user"}
	}
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *smtpSession) Reset()        { s.msg = nil }
func (s *smtpSession) Logout() error { return nil }

var _ smtp.AuthSession = (*smtpSession)(nil)

func newSMTPServer(t *testing.T) (*smtpBackend, string, int) {
	t.Helper()

	be := &smtpBackend{}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	host, port := splitAddr(t, ln.Addr().String())
	return be, host, port
}

func subjectN(i int) string {
	return fmt.Sprintf("msg %02d", i)
}
