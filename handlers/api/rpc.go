package api

import (
	"context"
	"encoding/json"
	"errors"

	"quackmail/middleware"
	"quackmail/models"
	"quackmail/utils"

	"github.com/gofiber/fiber/v2"
)

// rpcCall carries one procedure invocation
type rpcCall struct {
	ctx       context.Context
	accountID string
	token     string
	input     []byte
}

// decode unmarshals the call input into v. A missing input leaves v as is.
func (r *rpcCall) decode(v any) error {
	if len(r.input) == 0 || string(r.input) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.input, v); err != nil {
		return utils.BadRequestError("error_invalid_request", err)
	}
	return nil
}

type procedure struct {
	mutation  bool
	protected bool
	// limited procedures share the stricter auth rate limit
	limited   bool
	call      func(r *rpcCall) (any, error)
}

var rpcCodes = map[int]string{
	fiber.StatusBadRequest:          "BAD_REQUEST",
	fiber.StatusUnauthorized:        "UNAUTHORIZED",
	fiber.StatusForbidden:           "FORBIDDEN",
	fiber.StatusNotFound:            "NOT_FOUND",
	fiber.StatusMethodNotAllowed:    "METHOD_NOT_SUPPORTED",
	fiber.StatusConflict:            "CONFLICT",
	fiber.StatusTooManyRequests:     "TOO_MANY_REQUESTS",
	fiber.StatusInternalServerError: "INTERNAL_SERVER_ERROR",
}

// RPCHandler exposes the same operations as the REST routes as named
// procedures under /trpc/:procedure. Queries are GET requests with the
// input JSON in ?input=, mutations are POST requests with a JSON body.
type RPCHandler struct {
	verifier    middleware.TokenVerifier
	authLimiter *middleware.RateLimiter
	procedures  map[string]procedure
}

func NewRPCHandler(
	verifier middleware.TokenVerifier,
	authLimiter *middleware.RateLimiter,
	authH *AuthHandler,
	credH *CredentialHandler,
	mailboxH *MailboxHandler,
	sendH *SendHandler,
) *RPCHandler {
	h := &RPCHandler{verifier: verifier, authLimiter: authLimiter}

	h.procedures = map[string]procedure{
		"auth.register": {mutation: true, limited: true, call: func(r *rpcCall) (any, error) {
			var in RegisterRequest
			if err := r.decode(&in); err != nil {
				return nil, err
			}
			return authH.register(r.ctx, in)
		}},
		"auth.login": {mutation: true, limited: true, call: func(r *rpcCall) (any, error) {
			var in LoginRequest
			if err := r.decode(&in); err != nil {
				return nil, err
			}
			return authH.login(r.ctx, in)
		}},
		"auth.logout": {mutation: true, protected: true, call: func(r *rpcCall) (any, error) {
			return authH.logout(r.ctx, r.token)
		}},

		"email.getProfile": {protected: true, call: func(r *rpcCall) (any, error) {
			return profile(r.accountID), nil
		}},
		"email.getCredentials": {protected: true, call: func(r *rpcCall) (any, error) {
			return credH.get(r.ctx, r.accountID)
		}},
		"email.updateCredentials": {mutation: true, protected: true, call: func(r *rpcCall) (any, error) {
			var in models.CredentialUpdate
			if err := r.decode(&in); err != nil {
				return nil, err
			}
			return credH.update(r.ctx, r.accountID, in)
		}},
		"email.getFolders": {protected: true, call: func(r *rpcCall) (any, error) {
			return mailboxH.folders(r.ctx, r.accountID)
		}},
		"email.getMessages": {protected: true, call: func(r *rpcCall) (any, error) {
			var in ListRequest
			if err := r.decode(&in); err != nil {
				return nil, err
			}
			return mailboxH.list(r.ctx, r.accountID, in)
		}},
		"email.getMessage": {protected: true, call: func(r *rpcCall) (any, error) {
			var in MessageRequest
			if err := r.decode(&in); err != nil {
				return nil, err
			}
			return mailboxH.message(r.ctx, r.accountID, in)
		}},
		"email.sendEmail": {mutation: true, protected: true, call: func(r *rpcCall) (any, error) {
			var in ComposeRequest
			if err := r.decode(&in); err != nil {
				return nil, err
			}
			return sendH.send(r.ctx, r.accountID, in, true)
		}},
		"email.markAsRead": {mutation: true, protected: true, call: func(r *rpcCall) (any, error) {
			var in MessageRequest
			if err := r.decode(&in); err != nil {
				return nil, err
			}
			return mailboxH.markRead(r.ctx, r.accountID, in)
		}},
		"email.deleteEmail": {mutation: true, protected: true, call: func(r *rpcCall) (any, error) {
			var in MessageRequest
			if err := r.decode(&in); err != nil {
				return nil, err
			}
			return mailboxH.delete(r.ctx, r.accountID, in)
		}},
	}

	return h
}

// Serve handles GET and POST /trpc/:procedure
func (h *RPCHandler) Serve(c *fiber.Ctx) error {
	proc, ok := h.procedures[c.Params("procedure")]
	if !ok {
		return h.fail(c, utils.NotFoundError("error_unknown_procedure", nil))
	}

	call := &rpcCall{ctx: c.UserContext()}
	switch {
	case proc.mutation && c.Method() == fiber.MethodPost:
		call.input = c.Body()
	case !proc.mutation && c.Method() == fiber.MethodGet:
		call.input = []byte(c.Query("input"))
	default:
		return h.fail(c, utils.NewAppError(fiber.StatusMethodNotAllowed, "error_method_not_allowed", nil))
	}

	if proc.limited && h.authLimiter != nil && !h.authLimiter.Allow(c.IP()) {
		return h.fail(c, utils.NewAppError(fiber.StatusTooManyRequests, "error_rate_limited", nil))
	}

	if proc.protected {
		token, ok := middleware.BearerToken(c)
		if !ok {
			return h.fail(c, utils.UnauthorizedError("error_unauthorized", nil))
		}
		accountID, err := h.verifier.VerifyToken(call.ctx, token)
		if err != nil {
			return h.fail(c, utils.UnauthorizedError("error_unauthorized", err))
		}
		call.accountID, call.token = accountID, token
	}

	data, err := proc.call(call)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{"result": fiber.Map{"data": data}})
}

func (h *RPCHandler) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "error_internal"

	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		status, message = appErr.Code, appErr.Message
	}

	code, ok := rpcCodes[status]
	if !ok {
		code = rpcCodes[fiber.StatusInternalServerError]
	}

	if status >= fiber.StatusInternalServerError {
		utils.Log.WithField("procedure", c.Params("procedure")).Error("Procedure failed: %v", err)
	}

	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{
			"message":    utils.T(middleware.Localizer(c), message),
			"code":       code,
			"httpStatus": status,
		},
	})
}
