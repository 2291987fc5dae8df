package exts

import (
	"errors"

	"git.solsynth.dev/hypernet/courier/pkg/internal/services"
	"git.solsynth.dev/hypernet/courier/pkg/internal/store"
	"git.solsynth.dev/hypernet/courier/pkg/internal/transport"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Translate turns a domain error into a fiber error with a fitting status.
func Translate(err error) error {
	if err == nil {
		return nil
	}

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe
	case errors.Is(err, store.ErrNotFound), errors.Is(err, transport.ErrSessionNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrForbidden):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrInvalidMessage),
		errors.Is(err, store.ErrScopeImmutable),
		errors.Is(err, transport.ErrWrongMode):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, transport.ErrNotSubscribed):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Unexpected error occurred when handling request...")
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
