package store

import (
	"context"
	"errors"

	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
)

var (
	ErrNotFound       = errors.New("message not found")
	ErrScopeImmutable = errors.New("message scope cannot be changed")
)

const MaxPageSize = 100

// Store is the message persistence gateway. Implementations only persist,
// notifications are the caller's business.
type Store interface {
	Create(ctx context.Context, message models.Message) (models.Message, error)
	FindByID(ctx context.Context, id uint) (models.Message, error)
	FindByUuid(ctx context.Context, uuid string) (models.Message, error)
	// FindByScope lists un-deleted messages newest first, page is zero based.
	FindByScope(ctx context.Context, scope models.Scope, page, pageSize int) ([]models.Message, error)
	Update(ctx context.Context, id uint, patch models.MessagePatch) (models.Message, error)
	// Delete soft deletes the message and returns it as it was.
	Delete(ctx context.Context, id uint) (models.Message, error)
}

func clampPage(page, pageSize int) (int, int) {
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

func checkScope(message models.Message, patch models.MessagePatch) error {
	if patch.Scope != nil && *patch.Scope != message.Scope() {
		return ErrScopeImmutable
	}
	return nil
}
