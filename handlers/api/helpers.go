package api

import (
	"errors"
	"strconv"
	"strings"

	"quackmail/mail"
	"quackmail/middleware"
	"quackmail/models"
	"quackmail/utils"

	gomail "github.com/emersion/go-message/mail"
	"github.com/gofiber/fiber/v2"
)

// ErrorHandler renders every error as {"error": message}. AppError
// messages that name a translation are localized.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "error_internal"

	var appErr *utils.AppError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &appErr):
		code, message = appErr.Code, appErr.Message
	case errors.As(err, &fiberErr):
		code, message = fiberErr.Code, fiberErr.Message
		if code == fiber.StatusNotFound {
			message = "error_404"
		}
	}

	fields := map[string]interface{}{
		"path":   c.Path(),
		"method": c.Method(),
	}
	if appErr != nil {
		for k, v := range appErr.Context {
			fields[k] = v
		}
	}
	if code >= fiber.StatusInternalServerError {
		utils.Log.WithFields(fields).Error("Request failed: %v", err)
	} else {
		utils.Log.WithFields(fields).Debug("Request rejected: %v", err)
	}

	return c.Status(code).JSON(fiber.Map{
		"error": utils.T(middleware.Localizer(c), message),
	})
}

// mailError maps mail package failures to API errors. Transport failures
// carry their cause to the client.
func mailError(err error) error {
	var connErr *mail.ConnectionError
	var fetchErr *mail.FetchError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mail.ErrNoCredentials):
		return utils.NotFoundError("error_no_credentials", err)
	case errors.Is(err, mail.ErrNoRecipients):
		return utils.BadRequestError("error_no_recipients", err)
	case errors.As(err, &connErr), errors.As(err, &fetchErr):
		return utils.InternalServerError(err.Error(), err)
	}
	return utils.InternalServerError("error_internal", err)
}

// parseMessageID accepts positive decimal UIDs only
func parseMessageID(id string) (uint32, error) {
	uid, err := strconv.ParseUint(strings.TrimSpace(id), 10, 32)
	if err != nil || uid == 0 {
		return 0, utils.BadRequestError("error_invalid_email_id", err)
	}
	return uint32(uid), nil
}

// folderOrDefault returns INBOX for an empty folder name
func folderOrDefault(folder string) string {
	if folder == "" {
		return models.DefaultFolder
	}
	return folder
}

// validEmail reports whether s is a single bare address such as
// "bob@example.com"
func validEmail(s string) bool {
	addr, err := gomail.ParseAddress(s)
	return err == nil && addr.Address == s && addr.Name == ""
}

func validateAddresses(addrs []string) error {
	for _, a := range addrs {
		if !validEmail(a) {
			return utils.BadRequestError("error_invalid_email", nil).WithContext("address", a)
		}
	}
	return nil
}
