package api

import (
	"git.solsynth.dev/hypernet/courier/pkg/internal/http/exts"
	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"github.com/gofiber/fiber/v2"
)

// quickReply answers a message without a session, the reply token
// proves who is replying. Used by notification actions.
func (v *Server) quickReply(c *fiber.Ctx) error {
	replyTk := c.Query("replyToken")
	if len(replyTk) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "reply token is required")
	}
	messageId, _ := c.ParamsInt("messageId", 0)

	var data struct {
		Body        string              `json:"body"`
		Attachments []models.Attachment `json:"attachments"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	message, err := v.delivery.QuickReply(c.UserContext(), replyTk, uint(messageId), data.Body, data.Attachments)
	if err != nil {
		return exts.Translate(err)
	}
	return c.JSON(message)
}
