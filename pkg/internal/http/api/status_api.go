package api

import (
	"git.solsynth.dev/hypernet/courier/pkg/internal/http/exts"
	"github.com/gofiber/fiber/v2"
)

func (v *Server) setTyping(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	scope, err := exts.ScopeParam(c)
	if err != nil {
		return err
	}

	if err := v.delivery.SetTyping(c.UserContext(), exts.GetUserID(c), scope); err != nil {
		return exts.Translate(err)
	}
	return c.SendStatus(fiber.StatusOK)
}
