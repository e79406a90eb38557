package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type ServerConfig struct {
	Port           int      `toml:"port"`
	BodyLimitMB    int      `toml:"body_limit_mb"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type JWTConfig struct {
	Secret     string   `toml:"secret"` // For JWT signing
	SessionTTL Duration `toml:"session_ttl"`
}

type EncryptionConfig struct {
	Key string `toml:"key"` // 16, 24 or 32 bytes for AES encryption
}

// MailServerConfig is the host used for every account's IMAP or SMTP side.
// Secure means implicit TLS.
type MailServerConfig struct {
	Server string `toml:"server"`
	Port   int    `toml:"port"`
	Secure bool   `toml:"secure"`
}

type MailConfig struct {
	MaxHandles   int      `toml:"max_handles"`
	IdleTimeout  Duration `toml:"idle_timeout"`
	DialTimeout  Duration `toml:"dial_timeout"`
	SanitizeHTML bool     `toml:"sanitize_html"`
}

type SessionsConfig struct {
	ReapInterval Duration `toml:"reap_interval"`
}

// RateLimitConfig is per client IP. AuthRequests applies to the
// register and login routes on top of Requests.
type RateLimitConfig struct {
	Requests     int      `toml:"requests"`
	AuthRequests int      `toml:"auth_requests"`
	Window       Duration `toml:"window"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	JWT        JWTConfig        `toml:"jwt"`
	Encryption EncryptionConfig `toml:"encryption"`
	IMAP       MailServerConfig `toml:"imap"`
	SMTP       MailServerConfig `toml:"smtp"`
	Mail       MailConfig       `toml:"mail"`
	Sessions   SessionsConfig   `toml:"sessions"`
	RateLimit  RateLimitConfig  `toml:"ratelimit"`
	Log        LogConfig        `toml:"log"`
}

// Duration decodes TOML strings such as "10m" or "168h"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is present
func Default() *Config {
	var config Config

	config.Server.Port = 3001
	config.Server.BodyLimitMB = 25
	config.Database.Path = "quackmail.db"
	config.JWT.SessionTTL = Duration{7 * 24 * time.Hour}

	config.IMAP = MailServerConfig{Server: "imap.gmail.com", Port: 993, Secure: true}
	// Port 587 without implicit TLS, upgraded with STARTTLS
	config.SMTP = MailServerConfig{Server: "smtp.gmail.com", Port: 587, Secure: false}

	config.Mail.MaxHandles = 1024
	config.Mail.IdleTimeout = Duration{10 * time.Minute}
	config.Mail.DialTimeout = Duration{30 * time.Second}
	config.Mail.SanitizeHTML = true

	config.Sessions.ReapInterval = Duration{time.Hour}

	config.RateLimit.Requests = 100
	config.RateLimit.AuthRequests = 10
	config.RateLimit.Window = Duration{time.Minute}

	config.Log.Level = "info"
	config.Log.Format = "text"

	return &config
}

// LoadConfig reads the TOML file at path on top of the defaults, then
// applies environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, config); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	str("JWT_SECRET", &c.JWT.Secret)
	str("ENCRYPTION_KEY", &c.Encryption.Key)
	str("DATABASE_PATH", &c.Database.Path)

	str("IMAP_HOST", &c.IMAP.Server)
	if err := num("IMAP_PORT", &c.IMAP.Port); err != nil {
		return err
	}
	flag("IMAP_SECURE", &c.IMAP.Secure)

	str("SMTP_HOST", &c.SMTP.Server)
	if err := num("SMTP_PORT", &c.SMTP.Port); err != nil {
		return err
	}
	flag("SMTP_SECURE", &c.SMTP.Secure)

	return nil
}

// Validate checks the settings the server cannot start without
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required")
	}

	switch len(c.Encryption.Key) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("encryption key must be 16, 24 or 32 bytes, got %d", len(c.Encryption.Key))
	}

	if c.Mail.MaxHandles <= 0 {
		return fmt.Errorf("mail.max_handles must be positive")
	}

	if c.JWT.SessionTTL.Duration <= 0 {
		return fmt.Errorf("jwt.session_ttl must be positive")
	}

	if c.Sessions.ReapInterval.Duration <= 0 {
		return fmt.Errorf("sessions.reap_interval must be positive")
	}

	if c.IMAP.Server == "" || c.SMTP.Server == "" {
		return fmt.Errorf("imap and smtp servers are required")
	}

	return nil
}

// Addr returns the HTTP listen address
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
