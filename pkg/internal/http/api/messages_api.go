package api

import (
	"git.solsynth.dev/hypernet/courier/pkg/internal/http/exts"
	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"git.solsynth.dev/hypernet/courier/pkg/internal/services"
	"github.com/gofiber/fiber/v2"
)

func (v *Server) listMessages(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	scope, err := exts.ScopeParam(c)
	if err != nil {
		return err
	}
	page := c.QueryInt("page", 0)
	take := c.QueryInt("take", 20)

	messages, err := v.delivery.ListMessages(c.UserContext(), exts.GetUserID(c), scope, page, take)
	if err != nil {
		return exts.Translate(err)
	}
	return c.JSON(fiber.Map{
		"page": page,
		"data": messages,
	})
}

func (v *Server) sendMessage(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	scope, err := exts.ScopeParam(c)
	if err != nil {
		return err
	}

	var data struct {
		Uuid        string              `json:"uuid" validate:"omitempty,max=64"`
		Body        string              `json:"body"`
		ReplyID     *uint               `json:"reply_id"`
		Attachments []models.Attachment `json:"attachments"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	message, err := v.delivery.SendMessage(c.UserContext(), exts.GetUserID(c), services.SendInput{
		Scope:       scope,
		Uuid:        data.Uuid,
		Body:        data.Body,
		ReplyID:     data.ReplyID,
		Attachments: data.Attachments,
	})
	if err != nil {
		return exts.Translate(err)
	}
	return c.JSON(message)
}

func (v *Server) editMessage(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	messageId, _ := c.ParamsInt("messageId", 0)

	var data struct {
		Body        *string              `json:"body"`
		Attachments *[]models.Attachment `json:"attachments"`
		ScopeKind   *string              `json:"scope_kind"`
		ScopeID     *uint                `json:"scope_id"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	input := services.EditInput{Body: data.Body, Attachments: data.Attachments}
	if data.ScopeKind != nil || data.ScopeID != nil {
		// Any scope in the request is passed down, moving it is refused there.
		var scope models.Scope
		if data.ScopeKind != nil {
			scope.Kind = models.ScopeKind(*data.ScopeKind)
		}
		if data.ScopeID != nil {
			scope.ID = *data.ScopeID
		}
		input.Scope = &scope
	}

	message, err := v.delivery.EditMessage(c.UserContext(), exts.GetUserID(c), uint(messageId), input)
	if err != nil {
		return exts.Translate(err)
	}
	return c.JSON(message)
}

func (v *Server) deleteMessage(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	messageId, _ := c.ParamsInt("messageId", 0)

	if err := v.delivery.DeleteMessage(c.UserContext(), exts.GetUserID(c), uint(messageId)); err != nil {
		return exts.Translate(err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (v *Server) reactMessage(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	messageId, _ := c.ParamsInt("messageId", 0)

	var data struct {
		Emoji string `json:"emoji" validate:"required"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	result, err := v.delivery.ReactMessage(c.UserContext(), exts.GetUserID(c), uint(messageId), data.Emoji)
	if err != nil {
		return exts.Translate(err)
	}
	return c.JSON(result)
}
