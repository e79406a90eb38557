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

// SessionStorage manages bearer token sessions
type SessionStorage struct {
	db *sqlx.DB
}

func NewSessionStorage(db *sqlx.DB) *SessionStorage {
	return &SessionStorage{db: db}
}

// Create records a session for token valid until expiresAt
func (s *SessionStorage) Create(ctx context.Context, accountID, token string, expiresAt time.Time) (*models.Session, error) {
	session := &models.Session{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Token:     token,
		ExpiresAt: expiresAt.Unix(),
		CreatedAt: time.Now().Unix(),
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, account_id, token, expires_at, created_at)
		VALUES (:id, :account_id, :token, :expires_at, :created_at)`, session)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("session token: %w", ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// GetByToken looks up the session holding token, expired or not
func (s *SessionStorage) GetByToken(ctx context.Context, token string) (*models.Session, error) {
	var session models.Session
	err := s.db.GetContext(ctx, &session, "SELECT * FROM sessions WHERE token = ?", token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &session, nil
}

// DeleteByToken removes the session holding token. Deleting an absent
// session is not an error.
func (s *SessionStorage) DeleteByToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes every session with expires_at <= now and returns
// how many were removed.
func (s *SessionStorage) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}
