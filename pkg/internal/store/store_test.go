package store

import (
	"context"
	"testing"
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"git.solsynth.dev/hypernet/courier/pkg/internal/reactions"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func newMessage(scope models.Scope, sender uint, body string) models.Message {
	return models.Message{
		Body:      body,
		SenderID:  sender,
		ScopeKind: scope.Kind,
		ScopeID:   scope.ID,
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := NewMemoryStore(func() time.Time { return clock })
	channel := models.ChannelScope(1)

	t.Run("create assigns increasing ids", func(t *testing.T) {
		first, err := st.Create(ctx, newMessage(channel, 1, "hello"))
		require.NoError(t, err)
		second, err := st.Create(ctx, newMessage(channel, 2, "world"))
		require.NoError(t, err)
		assert.Greater(t, second.ID, first.ID)
		assert.Equal(t, clock, first.CreatedAt)
		assert.NotNil(t, first.Reactions)
	})

	t.Run("find by scope is newest first", func(t *testing.T) {
		_, err := st.Create(ctx, newMessage(models.ConversationScope(1), 1, "elsewhere"))
		require.NoError(t, err)

		messages, err := st.FindByScope(ctx, channel, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"world", "hello"}, lo.Map(messages, func(item models.Message, _ int) string {
			return item.Body
		}))

		page, err := st.FindByScope(ctx, channel, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "hello", page[0].Body)

		empty, err := st.FindByScope(ctx, channel, 5, 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("update applies patch", func(t *testing.T) {
		created, _ := st.Create(ctx, newMessage(channel, 1, "draft"))
		updated, err := st.Update(ctx, created.ID, models.MessagePatch{Body: lo.ToPtr("final")})
		require.NoError(t, err)
		assert.Equal(t, "final", updated.Body)
		assert.True(t, updated.IsEdited)
		assert.NotNil(t, updated.EditedAt)

		found, err := st.FindByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "final", found.Body)
	})

	t.Run("reaction patch is not an edit", func(t *testing.T) {
		created, _ := st.Create(ctx, newMessage(channel, 1, "react to me"))
		updated, err := st.Update(ctx, created.ID, models.MessagePatch{Reactions: reactions.Set{"👍": {2}}})
		require.NoError(t, err)
		assert.False(t, updated.IsEdited)
		assert.Equal(t, reactions.Set{"👍": {2}}, updated.Reactions)
	})

	t.Run("scope is immutable", func(t *testing.T) {
		created, _ := st.Create(ctx, newMessage(channel, 1, "stay"))
		_, err := st.Update(ctx, created.ID, models.MessagePatch{Scope: lo.ToPtr(models.ConversationScope(9))})
		assert.ErrorIs(t, err, ErrScopeImmutable)

		_, err = st.Update(ctx, created.ID, models.MessagePatch{Scope: lo.ToPtr(channel), Body: lo.ToPtr("same scope")})
		assert.NoError(t, err)

		found, _ := st.FindByID(ctx, created.ID)
		assert.Equal(t, channel, found.Scope())
	})

	t.Run("delete hides the message", func(t *testing.T) {
		created, _ := st.Create(ctx, newMessage(channel, 1, "bye"))
		deleted, err := st.Delete(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "bye", deleted.Body)

		_, err = st.FindByID(ctx, created.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.Delete(ctx, created.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.Update(ctx, created.ID, models.MessagePatch{Body: lo.ToPtr("ghost")})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("find by uuid", func(t *testing.T) {
		message := newMessage(channel, 1, "keyed")
		message.Uuid = "client-key"
		created, _ := st.Create(ctx, message)

		found, err := st.FindByUuid(ctx, "client-key")
		require.NoError(t, err)
		assert.Equal(t, created.ID, found.ID)

		_, err = st.FindByUuid(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("returned messages are copies", func(t *testing.T) {
		created, _ := st.Create(ctx, newMessage(channel, 1, "copy"))
		created.Reactions["🎉"] = []uint{1}

		found, _ := st.FindByID(ctx, created.ID)
		assert.Empty(t, found.Reactions)
	})
}

func TestClampPage(t *testing.T) {
	page, size := clampPage(-1, 1000)
	assert.Equal(t, 0, page)
	assert.Equal(t, MaxPageSize, size)

	_, size = clampPage(0, 0)
	assert.Equal(t, 20, size)
}

func TestMongoDocumentReactions(t *testing.T) {
	legacy := messageDocument{
		ID:        4,
		ScopeKind: "channel",
		ScopeID:   1,
		Reactions: bson.A{
			bson.D{{Key: "emoji", Value: "👍"}, {Key: "users", Value: bson.A{int64(3), int32(1)}}},
		},
	}
	assert.Equal(t, reactions.Set{"👍": {1, 3}}, legacy.toMessage().Reactions)

	mapped := messageDocument{ID: 5, Reactions: bson.D{{Key: "🎉", Value: bson.A{int64(2)}}}}
	assert.Equal(t, reactions.Set{"🎉": {2}}, mapped.toMessage().Reactions)

	message := models.Message{ScopeKind: models.ScopeChannel, ScopeID: 1, Reactions: reactions.Set{"👍": {1}}}
	message.ID = 6
	document := toDocument(message)
	assert.Equal(t, int64(6), document.ID)
	assert.Equal(t, reactions.Set{"👍": {1}}, document.toMessage().Reactions)
}
