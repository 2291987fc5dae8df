package api

import (
	"git.solsynth.dev/hypernet/courier/pkg/internal/http/exts"
	"github.com/gofiber/fiber/v2"
)

func (v *Server) markRead(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	scope, err := exts.ScopeParam(c)
	if err != nil {
		return err
	}

	delta, err := v.delivery.MarkRead(c.UserContext(), exts.GetUserID(c), scope)
	if err != nil {
		return exts.Translate(err)
	}
	return c.JSON(delta.Payload())
}

func (v *Server) getUnreadCount(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	scope, err := exts.ScopeParam(c)
	if err != nil {
		return err
	}

	count, err := v.delivery.UnreadCount(c.UserContext(), exts.GetUserID(c), scope)
	if err != nil {
		return exts.Translate(err)
	}
	return c.JSON(fiber.Map{
		"scope_kind": scope.Kind,
		"scope_id":   scope.ID,
		"count":      count,
	})
}

func (v *Server) getUnread(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}

	summary, total, err := v.delivery.UnreadSummary(c.UserContext(), exts.GetUserID(c))
	if err != nil {
		return exts.Translate(err)
	}
	return c.JSON(fiber.Map{
		"total": total,
		"data":  summary,
	})
}
