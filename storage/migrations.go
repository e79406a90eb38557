package storage

type migration struct {
	version int
	sql     string
}

// Versions must be sequential starting from 1. Timestamps are unix seconds.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mail_credentials (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL UNIQUE REFERENCES accounts(id) ON DELETE CASCADE,
	imap_host   TEXT NOT NULL,
	imap_port   INTEGER NOT NULL,
	imap_secure INTEGER NOT NULL DEFAULT 1,
	imap_user   TEXT NOT NULL,
	imap_pass   TEXT NOT NULL,
	smtp_host   TEXT NOT NULL,
	smtp_port   INTEGER NOT NULL,
	smtp_secure INTEGER NOT NULL DEFAULT 0,
	smtp_user   TEXT NOT NULL,
	smtp_pass   TEXT NOT NULL,
	from_email  TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	token      TEXT NOT NULL UNIQUE,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_account_id ON sessions(account_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
