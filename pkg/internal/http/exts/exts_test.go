package exts

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/services"
	"git.solsynth.dev/hypernet/courier/pkg/internal/store"
	"git.solsynth.dev/hypernet/courier/pkg/internal/transport"
	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{store.ErrNotFound, fiber.StatusNotFound},
		{transport.ErrSessionNotFound, fiber.StatusNotFound},
		{fmt.Errorf("wrapped: %w", services.ErrForbidden), fiber.StatusForbidden},
		{fmt.Errorf("%w: empty", services.ErrInvalidMessage), fiber.StatusBadRequest},
		{store.ErrScopeImmutable, fiber.StatusBadRequest},
		{transport.ErrWrongMode, fiber.StatusBadRequest},
		{transport.ErrNotSubscribed, fiber.StatusConflict},
		{fiber.NewError(fiber.StatusTeapot, "tea"), fiber.StatusTeapot},
		{errors.New("disk on fire"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			var fe *fiber.Error
			require.ErrorAs(t, Translate(tt.err), &fe)
			assert.Equal(t, tt.status, fe.Code)
		})
	}
	assert.NoError(t, Translate(nil))
}

func TestAccessToken(t *testing.T) {
	viper.Set("security.access_token_secret", "exts-test-secret")

	tk, err := CreateAccessToken(42, time.Minute)
	require.NoError(t, err)
	claims, err := ParseAccessToken(tk)
	require.NoError(t, err)
	id, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)

	expired, err := CreateAccessToken(42, -time.Minute)
	require.NoError(t, err)
	_, err = ParseAccessToken(expired)
	assert.Error(t, err)

	viper.Set("security.access_token_secret", "rotated")
	_, err = ParseAccessToken(tk)
	assert.Error(t, err)
}
