package api

import (
	"quackmail/utils"

	"github.com/gofiber/fiber/v2"
)

// clientMessages are the IDs the frontend renders itself
var clientMessages = []string{
	"message_sent_success",
	"message_send_failed",
	"message_deleted",
	"message_marked_read",
	"message_logged_out",
	"message_credentials_updated",
	"message_connection_error",
	"confirm_delete_email",
	"confirm_yes",
	"confirm_no",
	"email_loading",
	"email_no_messages",
	"error_network",
	"error_404",
	"error_500",
}

// I18nHandler handles i18n-related requests
type I18nHandler struct{}

// GetTranslations returns translations for the client-side JavaScript
func (h *I18nHandler) GetTranslations(c *fiber.Ctx) error {
	lang := utils.MatchLanguage(c.Params("lang"))
	localizer := utils.GetLocalizer(lang)

	translations := make(map[string]string, len(clientMessages))
	for _, id := range clientMessages {
		translations[id] = utils.T(localizer, id)
	}

	return c.JSON(fiber.Map{
		"lang":         lang,
		"translations": translations,
	})
}
