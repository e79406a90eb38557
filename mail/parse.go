package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"

	"quackmail/models"
	"quackmail/utils"
)

const (
	noSubject = "(No Subject)"
	noSender  = "Unknown"
	noContent = "(No content)"
)

var errNoBody = errors.New("message body not returned by server")

// normalize turns a fetched message into a models.Message
func normalize(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection, folder string, sanitize bool) (*models.Message, error) {
	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, errNoBody
	}

	parsed, err := parseBody(raw)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:     strconv.FormatUint(uint64(buf.UID), 10),
		UID:    uint32(buf.UID),
		Folder: folder,
		Unread: !slices.Contains(buf.Flags, imap.FlagSeen),
		To:     []string{},
	}

	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.Date = env.Date
		if len(env.From) > 0 {
			msg.From = formatAddress(env.From[0].Name, env.From[0].Addr())
		}
		for _, a := range env.To {
			if addr := a.Addr(); addr != "" {
				msg.To = append(msg.To, addr)
			}
		}
	}

	// fall back to the parsed header when the envelope is incomplete
	if msg.Subject == "" {
		msg.Subject = parsed.subject
	}
	if msg.From == "" {
		msg.From = parsed.from
	}
	if len(msg.To) == 0 && len(parsed.to) > 0 {
		msg.To = parsed.to
	}
	if msg.Date.IsZero() {
		msg.Date = parsed.date
	}

	if msg.Subject == "" {
		msg.Subject = noSubject
	}
	if msg.From == "" {
		msg.From = noSender
	}
	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}

	msg.BodyText = parsed.text
	switch {
	case parsed.html != "":
		msg.BodyHTML = parsed.html
		if sanitize {
			msg.BodyHTML = utils.SanitizeHTML(parsed.html)
		}
	case parsed.text != "":
		msg.BodyHTML = utils.TextToHTML(parsed.text)
	default:
		msg.BodyHTML = noContent
	}

	return msg, nil
}

type parsedBody struct {
	subject string
	from    string
	to      []string
	date    time.Time
	html    string
	text    string
}

// parseBody reads the RFC 5322 message in raw. The first text/html and
// text/plain inline parts win; attachments are ignored.
func parseBody(raw []byte) (*parsedBody, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	p := &parsedBody{}
	p.subject, _ = mr.Header.Subject()
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		p.from = formatAddress(from[0].Name, from[0].Address)
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, a := range to {
			p.to = append(p.to, a.Address)
		}
	}
	if d, err := mr.Header.Date(); err == nil {
		p.date = d
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && (part == nil || !message.IsUnknownCharset(err)) {
			return nil, fmt.Errorf("reading part: %w", err)
		}

		h, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}

		ct, _, _ := h.ContentType()
		switch {
		case ct == "text/html" && p.html == "":
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("reading html part: %w", err)
			}
			p.html = string(b)
		case ct == "text/plain" && p.text == "":
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("reading text part: %w", err)
			}
			p.text = string(b)
		}
	}

	return p, nil
}

func formatAddress(name, addr string) string {
	if addr == "" {
		return name
	}
	if name == "" {
		return addr
	}
	return name + " <" + addr + ">"
}
