package api

import (
	"context"
	"errors"

	"quackmail/auth"
	"quackmail/middleware"
	"quackmail/utils"

	"github.com/gofiber/fiber/v2"
)

const minPasswordLength = 6

// RegisterRequest is the body of POST /auth/register
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	IMAPPass  string `json:"imapPass"`
	SMTPPass  string `json:"smtpPass"`
	FromEmail string `json:"fromEmail"`
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthHandler serves registration, login and logout
type AuthHandler struct {
	auth *auth.Service
}

func NewAuthHandler(svc *auth.Service) *AuthHandler {
	return &AuthHandler{auth: svc}
}

func (h *AuthHandler) register(ctx context.Context, req RegisterRequest) (*auth.Result, error) {
	if !validEmail(req.Email) {
		return nil, utils.BadRequestError("error_invalid_email", nil)
	}
	if len(req.Password) < minPasswordLength {
		return nil, utils.BadRequestError("error_password_too_short", nil)
	}
	if req.FromEmail != "" && !validEmail(req.FromEmail) {
		return nil, utils.BadRequestError("error_invalid_email", nil)
	}

	res, err := h.auth.Register(ctx, auth.Registration{
		Email:     req.Email,
		Password:  req.Password,
		IMAPPass:  req.IMAPPass,
		SMTPPass:  req.SMTPPass,
		FromEmail: req.FromEmail,
	})
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, auth.ErrConflict):
		return nil, utils.ConflictError("error_account_exists", err)
	case errors.Is(err, auth.ErrIncompleteCredentials):
		return nil, utils.BadRequestError("error_incomplete_mail_credentials", err)
	case errors.Is(err, auth.ErrInvalidCredentials):
		return nil, utils.BadRequestError("error_invalid_mail_credentials", err)
	}
	return nil, utils.InternalServerError("error_internal", err)
}

func (h *AuthHandler) login(ctx context.Context, req LoginRequest) (*auth.Result, error) {
	if req.Email == "" || req.Password == "" {
		return nil, utils.BadRequestError("error_password_required", nil)
	}

	res, err := h.auth.Login(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, utils.UnauthorizedError("error_invalid_credentials", err)
		}
		return nil, utils.InternalServerError("error_internal", err)
	}
	return res, nil
}

func (h *AuthHandler) logout(ctx context.Context, token string) (fiber.Map, error) {
	if err := h.auth.Logout(ctx, token); err != nil {
		return nil, utils.InternalServerError("error_internal", err)
	}
	return fiber.Map{"success": true}, nil
}

// Register handles POST /auth/register. Client errors, duplicates included,
// are reported as 400.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("error_invalid_request", err)
	}

	res, err := h.register(c.UserContext(), req)
	if err != nil {
		var appErr *utils.AppError
		if errors.As(err, &appErr) && appErr.Code < fiber.StatusInternalServerError {
			appErr.Code = fiber.StatusBadRequest
		}
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("error_invalid_request", err)
	}

	res, err := h.login(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	res, err := h.logout(c.UserContext(), middleware.Token(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// Profile handles GET /user/profile
func (h *AuthHandler) Profile(c *fiber.Ctx) error {
	return c.JSON(profile(middleware.AccountID(c)))
}

func profile(accountID string) fiber.Map {
	return fiber.Map{"userId": accountID}
}
