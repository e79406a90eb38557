package api

import (
	"context"
	"errors"

	"quackmail/mail"
	"quackmail/middleware"
	"quackmail/models"
	"quackmail/storage"
	"quackmail/utils"

	"github.com/gofiber/fiber/v2"
)

// CredentialHandler reads and updates an account's mail settings. Both
// passwords are left out of every response.
type CredentialHandler struct {
	creds *storage.CredentialStorage
	cache *mail.HandleCache
}

func NewCredentialHandler(creds *storage.CredentialStorage, cache *mail.HandleCache) *CredentialHandler {
	return &CredentialHandler{creds: creds, cache: cache}
}

func (h *CredentialHandler) get(ctx context.Context, accountID string) (*models.MailCredential, error) {
	cred, err := h.creds.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, utils.NotFoundError("error_no_credentials", err)
		}
		return nil, utils.InternalServerError("error_internal", err)
	}
	return cred, nil
}

func (h *CredentialHandler) update(ctx context.Context, accountID string, upd models.CredentialUpdate) (*models.MailCredential, error) {
	if upd.IsEmpty() {
		return nil, utils.BadRequestError("error_no_updates", nil)
	}
	if upd.FromEmail != nil && *upd.FromEmail != "" && !validEmail(*upd.FromEmail) {
		return nil, utils.BadRequestError("error_invalid_email", nil)
	}

	cred, err := h.creds.UpdateSecrets(ctx, accountID, upd)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, utils.NotFoundError("error_no_credentials", err)
		}
		return nil, utils.InternalServerError("error_internal", err)
	}

	// the cached session still uses the old secrets
	h.cache.Evict(accountID)
	utils.Log.WithField("account", accountID).Info("Mail credentials updated")

	return cred, nil
}

// Get handles GET /user/credentials
func (h *CredentialHandler) Get(c *fiber.Ctx) error {
	cred, err := h.get(c.UserContext(), middleware.AccountID(c))
	if err != nil {
		return err
	}
	return c.JSON(cred)
}

// Update handles PUT /user/credentials
func (h *CredentialHandler) Update(c *fiber.Ctx) error {
	var upd models.CredentialUpdate
	if err := c.BodyParser(&upd); err != nil {
		return utils.BadRequestError("error_invalid_request", err)
	}

	cred, err := h.update(c.UserContext(), middleware.AccountID(c), upd)
	if err != nil {
		return err
	}
	return c.JSON(cred)
}
