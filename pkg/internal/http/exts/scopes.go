package exts

import (
	"fmt"

	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"github.com/gofiber/fiber/v2"
)

// ScopeParam reads the :kind and :scopeId route params.
func ScopeParam(c *fiber.Ctx) (models.Scope, error) {
	kind, err := models.ParseScopeKind(c.Params("kind"))
	if err != nil {
		return models.Scope{}, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	id, err := c.ParamsInt("scopeId", 0)
	if err != nil || id <= 0 {
		return models.Scope{}, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid scope id %q", c.Params("scopeId")))
	}
	return models.Scope{Kind: kind, ID: uint(id)}, nil
}
