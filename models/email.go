package models

import (
	"time"
)

// Message is a normalized email built fresh from each fetch
type Message struct {
	ID       string    `json:"id"`
	Subject  string    `json:"subject"`
	From     string    `json:"from"`
	To       []string  `json:"to"`
	Date     time.Time `json:"date"`
	BodyHTML string    `json:"bodyHtml"`
	BodyText string    `json:"bodyText,omitempty"`
	Folder   string    `json:"folder"`
	Unread   bool      `json:"unread"`
	UID      uint32    `json:"uid"`
}

// Folder is a mailbox with its unseen message count
type Folder struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Attachment is a file attached to an outgoing email
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Content     []byte `json:"-"`
}

// SendRequest is a normalized outgoing email
type SendRequest struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	BodyHTML    string
	BodyText    string
	Attachments []Attachment
}

// Recipients returns every envelope recipient, Bcc included
func (r *SendRequest) Recipients() []string {
	rcpts := make([]string, 0, len(r.To)+len(r.Cc)+len(r.Bcc))
	rcpts = append(rcpts, r.To...)
	rcpts = append(rcpts, r.Cc...)
	rcpts = append(rcpts, r.Bcc...)
	return rcpts
}

// SendResult reports the outcome of a submission. Transport failures are
// reported here rather than returned as errors.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}
