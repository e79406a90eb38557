// Package mail keeps one IMAP session per account and implements folder
// listing, paginated fetch, flag updates and sending on top of it.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"quackmail/metrics"
	"quackmail/models"
	"quackmail/utils"
)

var (
	ErrNoCredentials = errors.New("no mail credentials configured")
	ErrNoRecipients  = errors.New("at least one recipient is required")
	errHandleClosed  = errors.New("mail handle closed")
)

// ConnectionError is returned when the IMAP session cannot be opened
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to mail server: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError is returned when a command on an open session fails
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options tune every handle built by a HandleCache
type Options struct {
	MaxHandles   int
	IdleTimeout  time.Duration
	DialTimeout  time.Duration
	SanitizeHTML bool
	Transport    Transport
}

// Handle bundles one account's IMAP session and outbound transport.
// Commands on a handle are serialized: an IMAP session has a single
// selected mailbox.
type Handle struct {
	accountID string
	imapCfg   models.ServerSettings
	smtpCfg   models.ServerSettings
	from      string
	opts      Options

	mu     sync.Mutex
	client *imapclient.Client
	closed bool

	lastUsed atomic.Int64
}

func newHandle(cred *models.MailCredential, opts Options) *Handle {
	h := &Handle{
		accountID: cred.AccountID,
		imapCfg:   cred.IMAP(),
		smtpCfg:   cred.SMTP(),
		from:      cred.FromEmail,
		opts:      opts,
	}
	h.touch()
	return h
}

func (h *Handle) AccountID() string { return h.accountID }

// Connected reports whether an IMAP session is currently open
func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client != nil
}

func (h *Handle) touch() {
	h.lastUsed.Store(time.Now().UnixNano())
}

func (h *Handle) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.lastUsed.Load()))
}

// EnsureConnected opens the IMAP session if needed
func (h *Handle) EnsureConnected(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ensureConnected(ctx)
}

// ensureConnected must be called with h.mu held. A failed attempt leaves
// the handle disconnected so the next call retries from scratch.
func (h *Handle) ensureConnected(ctx context.Context) (err error) {
	if h.closed {
		return &ConnectionError{Err: errHandleClosed}
	}
	if h.client != nil {
		return nil
	}

	t0 := time.Now()
	defer func() { metrics.ObserveMailOp("connect", t0, err) }()

	c, err := dialIMAP(ctx, h.imapCfg, h.opts.DialTimeout)
	if err != nil {
		utils.Log.WithField("account", h.accountID).Warn("IMAP connect failed: %v", err)
		return &ConnectionError{Err: err}
	}

	h.client = c
	utils.Log.WithField("account", h.accountID).Debug("IMAP session opened to %s", h.imapCfg.Host)
	return nil
}

// do runs fn on the open session. A failure that is not an IMAP NO/BAD
// response drops the session so the next call reconnects.
func (h *Handle) do(ctx context.Context, op string, fn func(c *imapclient.Client) error) (err error) {
	t0 := time.Now()
	defer func() { metrics.ObserveMailOp(op, t0, err) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureConnected(ctx); err != nil {
		return err
	}
	defer h.touch()

	if err := fn(h.client); err != nil {
		var imapErr *imap.Error
		if !errors.As(err, &imapErr) {
			utils.Log.WithField("account", h.accountID).Warn("Dropping IMAP session after %s: %v", op, err)
			h.disconnectLocked()
		}
		return &FetchError{Op: op, Err: err}
	}
	return nil
}

// Disconnect closes the IMAP session but keeps the handle usable; the next
// operation reconnects.
func (h *Handle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnectLocked()
}

// disconnectIfIdle closes the session when unused for longer than d
func (h *Handle) disconnectIfIdle(d time.Duration, now time.Time) bool {
	if !h.mu.TryLock() {
		// busy, so not idle
		return false
	}
	defer h.mu.Unlock()

	if h.client == nil || h.idleFor(now) < d {
		return false
	}
	h.disconnectLocked()
	return true
}

// Close disconnects and marks the handle unusable
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.disconnectLocked()
}

func (h *Handle) disconnectLocked() {
	if h.client == nil {
		return
	}
	c := h.client
	h.client = nil

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Logout().Wait(); err != nil {
			utils.Log.Debug("IMAP logout: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	c.Close()
}

// dialIMAP connects to s and logs in. Secure means implicit TLS; otherwise
// the connection is plain.
func dialIMAP(ctx context.Context, s models.ServerSettings, timeout time.Duration) (*imapclient.Client, error) {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if s.Secure {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: s.Host})
		hctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := tlsConn.HandshakeContext(hctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	c := imapclient.New(conn, &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	})

	if err := c.Login(s.Username, s.Password).Wait(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// IMAPProber validates credentials with a login and logout
type IMAPProber struct {
	DialTimeout time.Duration
}

func (p IMAPProber) Probe(ctx context.Context, s models.ServerSettings) (err error) {
	t0 := time.Now()
	defer func() { metrics.ObserveMailOp("probe", t0, err) }()

	c, err := dialIMAP(ctx, s, p.DialTimeout)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Logout().Wait(); err != nil {
		utils.Log.Debug("IMAP logout after probe: %v", err)
	}
	return nil
}
