package api

import (
	"context"
	"encoding/base64"
	"strings"

	"quackmail/mail"
	"quackmail/middleware"
	"quackmail/models"
	"quackmail/utils"

	"github.com/gofiber/fiber/v2"
)

// AttachmentRequest is an attachment with base64 content
type AttachmentRequest struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
}

// ComposeRequest is an outgoing email. The HTML body is read from "body"
// on the REST surface and from "bodyHtml" on the RPC surface.
type ComposeRequest struct {
	To          []string            `json:"to"`
	Cc          []string            `json:"cc"`
	Bcc         []string            `json:"bcc"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	BodyHTML    string              `json:"bodyHtml"`
	BodyText    string              `json:"bodyText"`
	Attachments []AttachmentRequest `json:"attachments"`
}

// toSendRequest validates the request and decodes its attachments
func (r *ComposeRequest) toSendRequest() (*models.SendRequest, error) {
	for _, list := range [][]string{r.To, r.Cc, r.Bcc} {
		if err := validateAddresses(list); err != nil {
			return nil, err
		}
	}

	html := r.BodyHTML
	if html == "" {
		html = r.Body
	}

	req := &models.SendRequest{
		To:       r.To,
		Cc:       r.Cc,
		Bcc:      r.Bcc,
		Subject:  r.Subject,
		BodyHTML: html,
		BodyText: r.BodyText,
	}

	for _, a := range r.Attachments {
		content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(a.Content))
		if err != nil || a.Filename == "" {
			return nil, utils.BadRequestError("error_invalid_attachment", err).WithContext("filename", a.Filename)
		}
		req.Attachments = append(req.Attachments, models.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     content,
		})
	}

	return req, nil
}

// SendHandler handles email sending
type SendHandler struct {
	cache *mail.HandleCache
}

// NewSendHandler creates a new send handler
func NewSendHandler(cache *mail.HandleCache) *SendHandler {
	return &SendHandler{cache: cache}
}

func (h *SendHandler) send(ctx context.Context, accountID string, r ComposeRequest, requireSubject bool) (*models.SendResult, error) {
	if len(r.To) == 0 {
		return nil, utils.BadRequestError("error_no_recipients", nil)
	}
	if requireSubject && r.Subject == "" {
		return nil, utils.BadRequestError("error_subject_required", nil)
	}
	req, err := r.toSendRequest()
	if err != nil {
		return nil, err
	}

	hd, err := h.cache.Get(ctx, accountID)
	if err != nil {
		return nil, mailError(err)
	}

	res, err := hd.Send(ctx, req)
	if err != nil {
		return nil, mailError(err)
	}

	if res.Success {
		utils.Log.WithField("account", accountID).Info("Email sent: recipients=%d attachments=%d", len(req.Recipients()), len(req.Attachments))
	}
	return res, nil
}

// HandleSend handles POST /compose
func (h *SendHandler) HandleSend(c *fiber.Ctx) error {
	var req ComposeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("error_invalid_request", err)
	}

	res, err := h.send(c.UserContext(), middleware.AccountID(c), req, false)
	if err != nil {
		return err
	}

	if !res.Success {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   res.Error,
		})
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"message":   utils.T(middleware.Localizer(c), "message_sent_success"),
		"messageId": res.MessageID,
	})
}
