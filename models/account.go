package models

import "time"

// Account is a registered webmail user
type Account struct {
	ID           string `json:"id" db:"id"`
	Email        string `json:"email" db:"email"`
	PasswordHash string `json:"-" db:"password_hash"` // Never expose in JSON
	CreatedAt    int64  `json:"-" db:"created_at"`
	UpdatedAt    int64  `json:"-" db:"updated_at"`
}

// AccountInfo is the public view of an account returned by auth endpoints
type AccountInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Info returns the public view of the account
func (a *Account) Info() AccountInfo {
	return AccountInfo{ID: a.ID, Email: a.Email}
}

// ServerSettings describes how to reach and log in to one mail server
type ServerSettings struct {
	Host     string
	Port     int
	Secure   bool // implicit TLS when true
	Username string
	Password string
}

// MailCredential holds an account's IMAP/SMTP settings.
// Host, port and secure flags are fixed at creation; only the passwords
// and the from address can change afterwards.
type MailCredential struct {
	ID         string `json:"id" db:"id"`
	AccountID  string `json:"userId" db:"account_id"`
	IMAPHost   string `json:"imapHost" db:"imap_host"`
	IMAPPort   int    `json:"imapPort" db:"imap_port"`
	IMAPSecure bool   `json:"imapSecure" db:"imap_secure"`
	IMAPUser   string `json:"imapUser" db:"imap_user"`
	IMAPPass   string `json:"-" db:"imap_pass"`
	SMTPHost   string `json:"smtpHost" db:"smtp_host"`
	SMTPPort   int    `json:"smtpPort" db:"smtp_port"`
	SMTPSecure bool   `json:"smtpSecure" db:"smtp_secure"`
	SMTPUser   string `json:"smtpUser" db:"smtp_user"`
	SMTPPass   string `json:"-" db:"smtp_pass"`
	FromEmail  string `json:"fromEmail" db:"from_email"`
	CreatedAt  int64  `json:"createdAt" db:"created_at"`
	UpdatedAt  int64  `json:"updatedAt" db:"updated_at"`
}

// IMAP returns the retrieval server settings
func (c *MailCredential) IMAP() ServerSettings {
	return ServerSettings{
		Host:     c.IMAPHost,
		Port:     c.IMAPPort,
		Secure:   c.IMAPSecure,
		Username: c.IMAPUser,
		Password: c.IMAPPass,
	}
}

// SMTP returns the submission server settings
func (c *MailCredential) SMTP() ServerSettings {
	return ServerSettings{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		Secure:   c.SMTPSecure,
		Username: c.SMTPUser,
		Password: c.SMTPPass,
	}
}

// CredentialUpdate is a partial update of the mutable credential fields.
// Nil and empty values are left untouched.
type CredentialUpdate struct {
	IMAPPass  *string `json:"imapPass,omitempty"`
	SMTPPass  *string `json:"smtpPass,omitempty"`
	FromEmail *string `json:"fromEmail,omitempty"`
}

// IsEmpty reports whether the update changes nothing
func (u CredentialUpdate) IsEmpty() bool {
	return isBlank(u.IMAPPass) && isBlank(u.SMTPPass) && isBlank(u.FromEmail)
}

func isBlank(s *string) bool {
	return s == nil || *s == ""
}

// Session is a bearer token issued on login or registration
type Session struct {
	ID        string `db:"id"`
	AccountID string `db:"account_id"`
	Token     string `db:"token"`
	ExpiresAt int64  `db:"expires_at"`
	CreatedAt int64  `db:"created_at"`
}

// Expired reports whether the session is no longer valid at now
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}
