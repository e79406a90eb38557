package middleware

import (
	"context"
	"strings"

	"quackmail/utils"

	"github.com/gofiber/fiber/v2"
)

const (
	accountIDKey = "accountId"
	tokenKey     = "token"
)

// TokenVerifier resolves a bearer token to an account id
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// BearerToken extracts the token from an "Authorization: Bearer" header
func BearerToken(c *fiber.Ctx) (string, bool) {
	h := c.Get(fiber.HeaderAuthorization)
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireAuth rejects requests without a valid session token. Every
// failure yields the same response.
func RequireAuth(v TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := BearerToken(c)
		if !ok {
			return utils.UnauthorizedError("error_unauthorized", nil)
		}

		accountID, err := v.VerifyToken(c.UserContext(), token)
		if err != nil {
			return utils.UnauthorizedError("error_unauthorized", err)
		}

		c.Locals(accountIDKey, accountID)
		c.Locals(tokenKey, token)
		return c.Next()
	}
}

// AccountID returns the account authenticated by RequireAuth
func AccountID(c *fiber.Ctx) string {
	id, _ := c.Locals(accountIDKey).(string)
	return id
}

// Token returns the bearer token accepted by RequireAuth
func Token(c *fiber.Ctx) string {
	t, _ := c.Locals(tokenKey).(string)
	return t
}
