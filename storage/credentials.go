package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"quackmail/models"
)

// CredentialStorage persists mail credentials. Passwords are encrypted at
// rest with AES-GCM and only decrypted on read.
type CredentialStorage struct {
	db  *sqlx.DB
	key []byte
}

// NewCredentialStorage creates a credential store sealing passwords with key
func NewCredentialStorage(db *sqlx.DB, key []byte) *CredentialStorage {
	return &CredentialStorage{db: db, key: key}
}

// Create stores cred for its account. It returns ErrDuplicate when the
// account already has credentials.
func (s *CredentialStorage) Create(ctx context.Context, cred *models.MailCredential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	now := time.Now().Unix()
	cred.CreatedAt = now
	cred.UpdatedAt = now

	stored := *cred
	var err error
	if stored.IMAPPass, err = encrypt(cred.IMAPPass, s.key); err != nil {
		return fmt.Errorf("failed to encrypt imap password: %w", err)
	}
	if stored.SMTPPass, err = encrypt(cred.SMTPPass, s.key); err != nil {
		return fmt.Errorf("failed to encrypt smtp password: %w", err)
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO mail_credentials (
			id, account_id,
			imap_host, imap_port, imap_secure, imap_user, imap_pass,
			smtp_host, smtp_port, smtp_secure, smtp_user, smtp_pass,
			from_email, created_at, updated_at
		) VALUES (
			:id, :account_id,
			:imap_host, :imap_port, :imap_secure, :imap_user, :imap_pass,
			:smtp_host, :smtp_port, :smtp_secure, :smtp_user, :smtp_pass,
			:from_email, :created_at, :updated_at
		)`, &stored)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("credentials for %s: %w", cred.AccountID, ErrDuplicate)
		}
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	return nil
}

// Get returns the decrypted credentials of an account
func (s *CredentialStorage) Get(ctx context.Context, accountID string) (*models.MailCredential, error) {
	var cred models.MailCredential
	err := s.db.GetContext(ctx, &cred, "SELECT * FROM mail_credentials WHERE account_id = ?", accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	if cred.IMAPPass, err = decrypt(cred.IMAPPass, s.key); err != nil {
		return nil, fmt.Errorf("failed to decrypt imap password: %w", err)
	}
	if cred.SMTPPass, err = decrypt(cred.SMTPPass, s.key); err != nil {
		return nil, fmt.Errorf("failed to decrypt smtp password: %w", err)
	}

	return &cred, nil
}

// UpdateSecrets changes the mutable credential fields. Host, port and
// secure flags are never touched. Blank fields in upd are skipped.
func (s *CredentialStorage) UpdateSecrets(ctx context.Context, accountID string, upd models.CredentialUpdate) (*models.MailCredential, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM mail_credentials WHERE account_id = ?", accountID); err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	set := func(column, value string) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE mail_credentials SET "+column+" = ?, updated_at = ? WHERE account_id = ?",
			value, time.Now().Unix(), accountID)
		return err
	}

	if upd.IMAPPass != nil && *upd.IMAPPass != "" {
		sealed, err := encrypt(*upd.IMAPPass, s.key)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt imap password: %w", err)
		}
		if err := set("imap_pass", sealed); err != nil {
			return nil, fmt.Errorf("failed to update imap password: %w", err)
		}
	}
	if upd.SMTPPass != nil && *upd.SMTPPass != "" {
		sealed, err := encrypt(*upd.SMTPPass, s.key)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt smtp password: %w", err)
		}
		if err := set("smtp_pass", sealed); err != nil {
			return nil, fmt.Errorf("failed to update smtp password: %w", err)
		}
	}
	if upd.FromEmail != nil && *upd.FromEmail != "" {
		if err := set("from_email", *upd.FromEmail); err != nil {
			return nil, fmt.Errorf("failed to update from address: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing credentials: %w", err)
	}

	return s.Get(ctx, accountID)
}
