package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080

[jwt]
secret = "s3cret"
session_ttl = "24h"

[encryption]
key = "`+testKey+`"

[imap]
server = "imap.example.com"
port = 143
secure = false

[mail]
max_handles = 8
idle_timeout = "90s"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.JWT.SessionTTL.Duration)
	assert.Equal(t, "imap.example.com", cfg.IMAP.Server)
	assert.Equal(t, 143, cfg.IMAP.Port)
	assert.False(t, cfg.IMAP.Secure)
	assert.Equal(t, 8, cfg.Mail.MaxHandles)
	assert.Equal(t, 90*time.Second, cfg.Mail.IdleTimeout.Duration)

	// untouched sections keep their defaults
	assert.Equal(t, "smtp.gmail.com", cfg.SMTP.Server)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, time.Hour, cfg.Sessions.ReapInterval.Duration)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("ENCRYPTION_KEY", testKey)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, 7*24*time.Hour, cfg.JWT.SessionTTL.Duration)
	assert.Equal(t, "env-secret", cfg.JWT.Secret)
	assert.Equal(t, 100, cfg.RateLimit.Requests)
	assert.Equal(t, 10, cfg.RateLimit.AuthRequests)
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"IMAP_HOST":   "mail.internal",
		"IMAP_PORT":   "1143",
		"IMAP_SECURE": "false",
		"SMTP_SECURE": "true",
		"SMTP_PORT":   "465",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, "mail.internal", cfg.IMAP.Server)
	assert.Equal(t, 1143, cfg.IMAP.Port)
	assert.False(t, cfg.IMAP.Secure)
	assert.True(t, cfg.SMTP.Secure)
	assert.Equal(t, 465, cfg.SMTP.Port)
}

func TestApplyEnvRejectsBadPort(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "SMTP_PORT" {
			return "nope", true
		}
		return "", false
	}

	err := Default().applyEnv(lookup)
	assert.ErrorContains(t, err, "SMTP_PORT")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.JWT.Secret = "x"
		c.Encryption.Key = testKey
		return c
	}

	require.NoError(t, valid().Validate())

	c := valid()
	c.JWT.Secret = ""
	assert.Error(t, c.Validate())

	c = valid()
	c.Encryption.Key = "short"
	assert.ErrorContains(t, c.Validate(), "encryption key")

	c = valid()
	c.Mail.MaxHandles = 0
	assert.Error(t, c.Validate())
}
