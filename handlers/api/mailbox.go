package api

import (
	"context"

	"quackmail/mail"
	"quackmail/middleware"
	"quackmail/models"
	"quackmail/utils"

	"github.com/gofiber/fiber/v2"
)

// ListRequest selects one page of a folder
type ListRequest struct {
	Folder string `json:"folder"`
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
}

func (r *ListRequest) normalize() {
	r.Folder = folderOrDefault(r.Folder)
	if r.Page < 1 {
		r.Page = models.DefaultPage
	}
	if r.Limit == 0 {
		r.Limit = models.DefaultPageSize
	}
	r.Limit = models.ClampPageSize(r.Limit)
}

// MessageRequest addresses one message by UID string
type MessageRequest struct {
	ID     string `json:"id"`
	Folder string `json:"folder"`
}

// MailboxHandler serves folder listings and message operations
type MailboxHandler struct {
	cache *mail.HandleCache
}

func NewMailboxHandler(cache *mail.HandleCache) *MailboxHandler {
	return &MailboxHandler{cache: cache}
}

func (h *MailboxHandler) handle(ctx context.Context, accountID string) (*mail.Handle, error) {
	hd, err := h.cache.Get(ctx, accountID)
	if err != nil {
		return nil, mailError(err)
	}
	return hd, nil
}

func (h *MailboxHandler) folders(ctx context.Context, accountID string) ([]models.Folder, error) {
	hd, err := h.handle(ctx, accountID)
	if err != nil {
		return nil, err
	}
	folders, err := hd.Folders(ctx)
	if err != nil {
		return nil, mailError(err)
	}
	return folders, nil
}

func (h *MailboxHandler) list(ctx context.Context, accountID string, req ListRequest) ([]models.Message, error) {
	req.normalize()

	hd, err := h.handle(ctx, accountID)
	if err != nil {
		return nil, err
	}
	msgs, err := hd.ListMessages(ctx, req.Folder, req.Page, req.Limit)
	if err != nil {
		return nil, mailError(err)
	}
	return msgs, nil
}

func (h *MailboxHandler) message(ctx context.Context, accountID string, req MessageRequest) (*models.Message, error) {
	uid, err := parseMessageID(req.ID)
	if err != nil {
		return nil, err
	}
	hd, err := h.handle(ctx, accountID)
	if err != nil {
		return nil, err
	}

	msg, err := hd.GetMessage(ctx, folderOrDefault(req.Folder), uid)
	if err != nil {
		return nil, mailError(err)
	}
	if msg == nil {
		return nil, utils.NotFoundError("error_email_not_found", nil)
	}
	return msg, nil
}

func (h *MailboxHandler) markRead(ctx context.Context, accountID string, req MessageRequest) (fiber.Map, error) {
	uid, err := parseMessageID(req.ID)
	if err != nil {
		return nil, err
	}
	hd, err := h.handle(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := hd.MarkRead(ctx, folderOrDefault(req.Folder), uid); err != nil {
		return nil, mailError(err)
	}
	return fiber.Map{"success": true}, nil
}

func (h *MailboxHandler) delete(ctx context.Context, accountID string, req MessageRequest) (fiber.Map, error) {
	uid, err := parseMessageID(req.ID)
	if err != nil {
		return nil, err
	}
	hd, err := h.handle(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := hd.Delete(ctx, folderOrDefault(req.Folder), uid); err != nil {
		return nil, mailError(err)
	}
	return fiber.Map{"success": true}, nil
}

// Folders handles GET /folders
func (h *MailboxHandler) Folders(c *fiber.Ctx) error {
	folders, err := h.folders(c.UserContext(), middleware.AccountID(c))
	if err != nil {
		return err
	}
	return c.JSON(folders)
}

// List handles GET /messages?folder=&page=&limit=
func (h *MailboxHandler) List(c *fiber.Ctx) error {
	msgs, err := h.list(c.UserContext(), middleware.AccountID(c), ListRequest{
		Folder: c.Query("folder"),
		Page:   c.QueryInt("page", models.DefaultPage),
		Limit:  c.QueryInt("limit", models.DefaultPageSize),
	})
	if err != nil {
		return err
	}
	return c.JSON(msgs)
}

func messageRequest(c *fiber.Ctx) MessageRequest {
	return MessageRequest{ID: c.Params("id"), Folder: c.Query("folder")}
}

// Get handles GET /messages/:id?folder=
func (h *MailboxHandler) Get(c *fiber.Ctx) error {
	msg, err := h.message(c.UserContext(), middleware.AccountID(c), messageRequest(c))
	if err != nil {
		return err
	}
	return c.JSON(msg)
}

// MarkRead handles PUT /messages/:id/read?folder=
func (h *MailboxHandler) MarkRead(c *fiber.Ctx) error {
	res, err := h.markRead(c.UserContext(), middleware.AccountID(c), messageRequest(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// Delete handles DELETE /messages/:id?folder=
func (h *MailboxHandler) Delete(c *fiber.Ctx) error {
	res, err := h.delete(c.UserContext(), middleware.AccountID(c), messageRequest(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}
