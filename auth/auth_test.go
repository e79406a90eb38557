package auth

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quackmail/config"
	"quackmail/models"
	"quackmail/storage"
)

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls []models.ServerSettings
}

func (p *fakeProber) Probe(_ context.Context, s models.ServerSettings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, s)
	return p.err
}

type fixture struct {
	svc      *Service
	prober   *fakeProber
	creds    *storage.CredentialStorage
	sessions *storage.SessionStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.InitDB(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	prober := &fakeProber{}
	creds := storage.NewCredentialStorage(db, []byte("0123456789abcdef"))
	sessions := storage.NewSessionStorage(db)

	svc, err := NewService(
		storage.NewAccountStorage(db),
		creds,
		sessions,
		NewTokenManager("test-secret", 7*24*time.Hour),
		prober,
		config.MailServerConfig{Server: "imap.test", Port: 993, Secure: true},
		config.MailServerConfig{Server: "smtp.test", Port: 587},
	)
	require.NoError(t, err)

	return &fixture{svc: svc, prober: prober, creds: creds, sessions: sessions}
}

func TestPasswordHashing(t *testing.T) {
	h1, err := HashPassword("correct horse")
	require.NoError(t, err)
	h2, err := HashPassword("correct horse")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2, "hashes must be salted")
	assert.Contains(t, h1, "$argon2id$v=19$")

	ok, err := CheckPassword(h1, "correct horse")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckPassword(h1, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = CheckPassword("plain-sha256", "x")
	assert.Error(t, err)
}

func TestTokenManager(t *testing.T) {
	m := NewTokenManager("k", time.Hour)

	a, _, err := m.Issue("acc-1")
	require.NoError(t, err)
	b, _, err := m.Issue("acc-1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	sub, err := m.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", sub)

	_, err = NewTokenManager("other", time.Hour).Parse(a)
	assert.Error(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.Parse(a)
	assert.Error(t, err)
}

func TestRegisterThenLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg, err := f.svc.Register(ctx, Registration{Email: "alice@example.com", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", reg.Account.Email)

	login, err := f.svc.Login(ctx, "alice@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, reg.Account.ID, login.Account.ID)
	assert.NotEqual(t, reg.Token, login.Token)

	for _, tok := range []string{reg.Token, login.Token} {
		id, err := f.svc.VerifyToken(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, reg.Account.ID, id)
	}

	assert.Empty(t, f.prober.calls, "no mail credentials, no probe")
}

func TestRegisterDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, Registration{Email: "bob@example.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, Registration{Email: "bob@example.com", Password: "secret2"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegisterWithMailCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, Registration{
		Email:     "carol@example.com",
		Password:  "secret1",
		IMAPPass:  "imap-pw",
		SMTPPass:  "smtp-pw",
		FromEmail: "carol@example.com",
	})
	require.NoError(t, err)

	require.Len(t, f.prober.calls, 1)
	probe := f.prober.calls[0]
	assert.Equal(t, "imap.test", probe.Host)
	assert.Equal(t, "carol@example.com", probe.Username)
	assert.Equal(t, "imap-pw", probe.Password)

	cred, err := f.creds.Get(ctx, res.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, "smtp.test", cred.SMTPHost)
	assert.Equal(t, "smtp-pw", cred.SMTPPass)
}

func TestRegisterProbeFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prober.err = errors.New("NO [AUTHENTICATIONFAILED] bad password")

	_, err := f.svc.Register(ctx, Registration{
		Email:     "dave@example.com",
		Password:  "secret1",
		IMAPPass:  "wrong",
		SMTPPass:  "wrong",
		FromEmail: "dave@example.com",
	})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// the account is gone: login fails as unknown, registering again works
	_, err = f.svc.Login(ctx, "dave@example.com", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	f.prober.err = nil
	_, err = f.svc.Register(ctx, Registration{Email: "dave@example.com", Password: "secret1"})
	assert.NoError(t, err)
}

func TestRegisterPartialMailCredentials(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(context.Background(), Registration{
		Email:    "erin@example.com",
		Password: "secret1",
		IMAPPass: "only-imap",
	})
	assert.ErrorIs(t, err, ErrIncompleteCredentials)
	assert.Empty(t, f.prober.calls)
}

func TestLoginFailuresLookAlike(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, Registration{Email: "frank@example.com", Password: "secret1"})
	require.NoError(t, err)

	_, errWrongPass := f.svc.Login(ctx, "frank@example.com", "nope")
	_, errUnknown := f.svc.Login(ctx, "nobody@example.com", "nope")

	assert.ErrorIs(t, errWrongPass, ErrInvalidCredentials)
	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.Equal(t, errWrongPass.Error(), errUnknown.Error())
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, Registration{Email: "gina@example.com", Password: "secret1"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, res.Token))
	require.NoError(t, f.svc.Logout(ctx, res.Token))

	_, err = f.svc.VerifyToken(ctx, res.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyTokenRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, Registration{Email: "hank@example.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = f.svc.VerifyToken(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.VerifyToken(ctx, "not.a.jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// validly signed but never stored
	orphan, _, err := f.svc.tokens.Issue(res.Account.ID)
	require.NoError(t, err)
	_, err = f.svc.VerifyToken(ctx, orphan)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// session row expired while the JWT is still valid
	f.svc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	_, err = f.svc.VerifyToken(ctx, res.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, Registration{Email: "ivy@example.com", Password: "secret1"})
	require.NoError(t, err)

	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.svc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	n, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.sessions.GetByToken(ctx, res.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunReaperStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.svc.RunReaper(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
