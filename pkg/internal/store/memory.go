package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"gorm.io/gorm"
)

// MemoryStore keeps messages in process, used in development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	nextID   uint
	messages map[uint]*models.Message
	uuids    map[string]uint
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		messages: make(map[uint]*models.Message),
		uuids:    make(map[string]uint),
	}
}

func (v *MemoryStore) Create(_ context.Context, message models.Message) (models.Message, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextID++
	now := v.now()
	message.ID = v.nextID
	message.CreatedAt = now
	message.UpdatedAt = now
	message.DeletedAt = gorm.DeletedAt{}
	message.Reactions = message.Reactions.Clone()

	stored := cloneMessage(message)
	v.messages[message.ID] = &stored
	if len(message.Uuid) > 0 {
		v.uuids[message.Uuid] = message.ID
	}
	return message, nil
}

func (v *MemoryStore) FindByID(_ context.Context, id uint) (models.Message, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	message, ok := v.messages[id]
	if !ok || message.DeletedAt.Valid {
		return models.Message{}, ErrNotFound
	}
	return cloneMessage(*message), nil
}

func (v *MemoryStore) FindByUuid(ctx context.Context, uuid string) (models.Message, error) {
	v.mu.RLock()
	id, ok := v.uuids[uuid]
	v.mu.RUnlock()
	if !ok {
		return models.Message{}, ErrNotFound
	}
	return v.FindByID(ctx, id)
}

func (v *MemoryStore) FindByScope(_ context.Context, scope models.Scope, page, pageSize int) ([]models.Message, error) {
	page, pageSize = clampPage(page, pageSize)

	v.mu.RLock()
	defer v.mu.RUnlock()

	var matched []models.Message
	for _, message := range v.messages {
		if message.DeletedAt.Valid || message.Scope() != scope {
			continue
		}
		matched = append(matched, *message)
	}
	slices.SortFunc(matched, func(a, b models.Message) int {
		return cmp.Compare(b.ID, a.ID)
	})

	start := page * pageSize
	if start >= len(matched) {
		return nil, nil
	}
	end := min(start+pageSize, len(matched))

	out := make([]models.Message, 0, end-start)
	for _, message := range matched[start:end] {
		out = append(out, cloneMessage(message))
	}
	return out, nil
}

func (v *MemoryStore) Update(_ context.Context, id uint, patch models.MessagePatch) (models.Message, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	message, ok := v.messages[id]
	if !ok || message.DeletedAt.Valid {
		return models.Message{}, ErrNotFound
	}
	if err := checkScope(*message, patch); err != nil {
		return models.Message{}, err
	}
	patch.Apply(message, v.now())
	return cloneMessage(*message), nil
}

func (v *MemoryStore) Delete(_ context.Context, id uint) (models.Message, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	message, ok := v.messages[id]
	if !ok || message.DeletedAt.Valid {
		return models.Message{}, ErrNotFound
	}
	out := cloneMessage(*message)
	message.DeletedAt = gorm.DeletedAt{Time: v.now(), Valid: true}
	return out, nil
}

func cloneMessage(message models.Message) models.Message {
	message.Reactions = message.Reactions.Clone()
	message.Attachments = slices.Clone(message.Attachments)
	if message.EditedAt != nil {
		editedAt := *message.EditedAt
		message.EditedAt = &editedAt
	}
	if message.ReplyID != nil {
		replyID := *message.ReplyID
		message.ReplyID = &replyID
	}
	return message
}
