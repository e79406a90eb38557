package mail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"quackmail/metrics"
	"quackmail/models"
	"quackmail/utils"
)

// BuildMessage renders req as an RFC 5322 message from the given address
// and returns it with its Message-ID. Bcc recipients are left out of the
// header. A missing text body is derived from the HTML body.
func BuildMessage(from string, req *models.SendRequest, now time.Time) ([]byte, string, error) {
	var h gomail.Header
	h.SetDate(now)
	h.SetSubject(req.Subject)
	h.SetAddressList("From", []*gomail.Address{{Address: from}})
	h.SetAddressList("To", addressList(req.To))
	if len(req.Cc) > 0 {
		h.SetAddressList("Cc", addressList(req.Cc))
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generating message id: %w", err)
	}
	id, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("reading message id: %w", err)
	}

	text := req.BodyText
	if text == "" && req.BodyHTML != "" {
		text = utils.HTMLToText(req.BodyHTML)
	}

	var buf bytes.Buffer
	if len(req.Attachments) == 0 {
		iw, err := gomail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, "", err
		}
		if err := writeBodies(iw, text, req.BodyHTML); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "<" + id + ">", nil
	}

	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, "", err
	}
	if err := writeBodies(iw, text, req.BodyHTML); err != nil {
		return nil, "", err
	}

	for _, att := range req.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, "", fmt.Errorf("attachment %s: %w", att.Filename, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), "<" + id + ">", nil
}

func addressList(addrs []string) []*gomail.Address {
	list := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, &gomail.Address{Address: a})
	}
	return list
}

// writeBodies writes the text part followed by the html part, so readers
// prefer the html alternative. The writer is closed.
func writeBodies(iw *gomail.InlineWriter, text, html string) error {
	parts := []struct{ ct, body string }{
		{"text/plain", text},
		{"text/html", html},
	}

	for _, p := range parts {
		if p.body == "" {
			continue
		}
		var h gomail.InlineHeader
		h.SetContentType(p.ct, map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, p.body); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}

	return iw.Close()
}

func writeAttachment(mw *gomail.Writer, att models.Attachment) error {
	ct := att.ContentType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(att.Filename))
	}
	var params map[string]string
	if ct != "" {
		if t, p, err := mime.ParseMediaType(ct); err == nil {
			ct, params = t, p
		} else {
			ct = ""
		}
	}
	if ct == "" {
		ct = "application/octet-stream"
	}

	var h gomail.AttachmentHeader
	h.SetFilename(att.Filename)
	h.SetContentType(ct, params)

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return err
	}
	if _, err := w.Write(att.Content); err != nil {
		return err
	}
	return w.Close()
}

// Send submits req through the account's SMTP server. An empty To list is
// rejected before the transport is touched. Transport failures are reported
// in the result, not as an error.
func (h *Handle) Send(ctx context.Context, req *models.SendRequest) (*models.SendResult, error) {
	if len(req.To) == 0 {
		return nil, ErrNoRecipients
	}

	raw, id, err := BuildMessage(h.from, req, time.Now())
	if err != nil {
		return nil, err
	}

	t0 := time.Now()
	sendErr := h.opts.Transport.Send(ctx, h.smtpCfg, h.from, req.Recipients(), raw)
	metrics.ObserveMailOp("send", t0, sendErr)
	h.touch()

	if sendErr != nil {
		utils.Log.WithField("account", h.accountID).Warn("SMTP submission failed: %v", sendErr)
		return &models.SendResult{Success: false, Error: sendErr.Error()}, nil
	}

	return &models.SendResult{Success: true, MessageID: id}, nil
}
