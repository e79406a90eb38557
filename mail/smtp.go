package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"quackmail/models"
)

// Transport submits a rendered message
type Transport interface {
	Send(ctx context.Context, server models.ServerSettings, from string, rcpts []string, msg []byte) error
}

// SMTPTransport opens one SMTP connection per message. Secure servers get
// implicit TLS; others are upgraded with STARTTLS when they offer it.
type SMTPTransport struct {
	Timeout time.Duration
}

func (t *SMTPTransport) Send(ctx context.Context, s models.ServerSettings, from string, rcpts []string, msg []byte) error {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	tlsCfg := &tls.Config{ServerName: s.Host}

	var (
		c   *smtp.Client
		err error
	)
	if s.Secure {
		c, err = smtp.DialTLS(addr, tlsCfg)
	} else {
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server %s: %w", addr, err)
	}
	defer c.Close()

	if t.Timeout > 0 {
		c.CommandTimeout = t.Timeout
		c.SubmissionTimeout = t.Timeout
	}

	// abort the session when the request goes away
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if !s.Secure {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}

	if s.Password != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(sasl.NewPlainClient("", s.Username, s.Password)); err != nil {
				return fmt.Errorf("SMTP authentication failed: %w", err)
			}
		}
	}

	if err := c.SendMail(from, rcpts, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return c.Quit()
}
