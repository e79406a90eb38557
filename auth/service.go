// Package auth is the session gate: it registers accounts, issues bearer
// tokens backed by session rows and verifies them on every request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quackmail/config"
	"quackmail/metrics"
	"quackmail/models"
	"quackmail/storage"
	"quackmail/utils"
)

var (
	ErrConflict              = errors.New("account already exists")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrIncompleteCredentials = errors.New("imapPass, smtpPass and fromEmail must be provided together")
)

// Prober checks that mail server credentials are accepted, typically by a
// login followed by a logout.
type Prober interface {
	Probe(ctx context.Context, settings models.ServerSettings) error
}

// Registration is the input of Register. The mail fields are optional but
// must be all set or all empty.
type Registration struct {
	Email     string
	Password  string
	IMAPPass  string
	SMTPPass  string
	FromEmail string
}

func (r *Registration) hasMailCredentials() (bool, error) {
	set := 0
	for _, v := range []string{r.IMAPPass, r.SMTPPass, r.FromEmail} {
		if v != "" {
			set++
		}
	}
	switch set {
	case 0:
		return false, nil
	case 3:
		return true, nil
	}
	return false, ErrIncompleteCredentials
}

// Result is returned by Register and Login
type Result struct {
	Token   string             `json:"token"`
	Account models.AccountInfo `json:"user"`
}

type Service struct {
	accounts *storage.AccountStorage
	creds    *storage.CredentialStorage
	sessions *storage.SessionStorage
	tokens   *TokenManager
	prober   Prober
	imap     config.MailServerConfig
	smtp     config.MailServerConfig

	// hashed on unknown emails so login timing does not reveal them
	dummyHash string
	now       func() time.Time
}

func NewService(
	accounts *storage.AccountStorage,
	creds *storage.CredentialStorage,
	sessions *storage.SessionStorage,
	tokens *TokenManager,
	prober Prober,
	imap, smtp config.MailServerConfig,
) (*Service, error) {
	dummy, err := HashPassword("not-a-real-password")
	if err != nil {
		return nil, err
	}

	return &Service{
		accounts:  accounts,
		creds:     creds,
		sessions:  sessions,
		tokens:    tokens,
		prober:    prober,
		imap:      imap,
		smtp:      smtp,
		dummyHash: dummy,
		now:       time.Now,
	}, nil
}

// Register creates an account and, when mail credentials are supplied,
// probes the IMAP server with them before storing them. A failed probe or
// save deletes the new account again.
func (s *Service) Register(ctx context.Context, reg Registration) (res *Result, err error) {
	defer func() { metrics.AuthAttempts.WithLabelValues("register", metrics.Result(err)).Inc() }()

	withMail, err := reg.hasMailCredentials()
	if err != nil {
		return nil, err
	}

	hash, err := HashPassword(reg.Password)
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.Create(ctx, reg.Email, hash)
	if errors.Is(err, storage.ErrDuplicate) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}

	log := utils.Log.WithField("account", account.ID)

	if withMail {
		cred := s.credentialFor(account, reg)

		if err := s.prober.Probe(ctx, cred.IMAP()); err != nil {
			log.Warn("Mail credential probe failed: %v", err)
			s.rollback(account.ID)
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}

		if err := s.creds.Create(ctx, cred); err != nil {
			log.Error("Failed to save mail credentials: %v", err)
			s.rollback(account.ID)
			return nil, err
		}
	}

	token, err := s.startSession(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	log.Info("Registered account %s", account.Email)
	return &Result{Token: token, Account: account.Info()}, nil
}

func (s *Service) credentialFor(account *models.Account, reg Registration) *models.MailCredential {
	return &models.MailCredential{
		AccountID:  account.ID,
		IMAPHost:   s.imap.Server,
		IMAPPort:   s.imap.Port,
		IMAPSecure: s.imap.Secure,
		IMAPUser:   account.Email,
		IMAPPass:   reg.IMAPPass,
		SMTPHost:   s.smtp.Server,
		SMTPPort:   s.smtp.Port,
		SMTPSecure: s.smtp.Secure,
		SMTPUser:   account.Email,
		SMTPPass:   reg.SMTPPass,
		FromEmail:  reg.FromEmail,
	}
}

// rollback deletes an account whose registration failed. If the delete
// fails too the orphaned account is only logged.
func (s *Service) rollback(accountID string) {
	// the request context may already be canceled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.accounts.Delete(ctx, accountID); err != nil {
		utils.Log.WithField("account", accountID).Error("Registration rollback failed, account left without credentials: %v", err)
	}
}

// Login verifies email and password and opens a new session. Prior
// sessions stay valid.
func (s *Service) Login(ctx context.Context, email, password string) (res *Result, err error) {
	defer func() { metrics.AuthAttempts.WithLabelValues("login", metrics.Result(err)).Inc() }()

	account, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		CheckPassword(s.dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	ok, err := CheckPassword(account.PasswordHash, password)
	if err != nil {
		utils.Log.WithField("account", account.ID).Error("Stored password hash unreadable: %v", err)
		return nil, ErrInvalidCredentials
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	token, err := s.startSession(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Token: token, Account: account.Info()}, nil
}

func (s *Service) startSession(ctx context.Context, accountID string) (string, error) {
	token, expires, err := s.tokens.Issue(accountID)
	if err != nil {
		return "", err
	}
	if _, err := s.sessions.Create(ctx, accountID, token, expires); err != nil {
		return "", err
	}
	return token, nil
}

// Logout deletes the session for token. It is idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.DeleteByToken(ctx, token)
}

// VerifyToken returns the account ID the token belongs to. Every failure
// cause yields ErrUnauthorized.
func (s *Service) VerifyToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	subject, err := s.tokens.Parse(token)
	if err != nil {
		utils.Log.Debug("Token rejected: %v", err)
		return "", ErrUnauthorized
	}

	session, err := s.sessions.GetByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrUnauthorized
	}
	if err != nil {
		return "", err
	}

	if session.Expired(s.now()) {
		if err := s.sessions.DeleteByToken(ctx, token); err != nil {
			utils.Log.Warn("Failed to drop expired session: %v", err)
		}
		return "", ErrUnauthorized
	}

	if session.AccountID != subject {
		return "", ErrUnauthorized
	}

	return session.AccountID, nil
}

// Account returns the account with id
func (s *Service) Account(ctx context.Context, id string) (*models.Account, error) {
	return s.accounts.GetByID(ctx, id)
}

// Sweep deletes expired sessions once
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	metrics.SessionsReaped.Add(float64(n))
	if n > 0 {
		utils.Log.Info("Reaped %d expired sessions", n)
	}
	return n, nil
}

// RunReaper sweeps expired sessions immediately and then every interval
// until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	if _, err := s.Sweep(ctx); err != nil {
		utils.Log.Error("Session sweep failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				utils.Log.Error("Session sweep failed: %v", err)
			}
		}
	}
}
