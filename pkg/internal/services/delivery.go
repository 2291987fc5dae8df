package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"git.solsynth.dev/hypernet/courier/pkg/internal/ledger"
	"git.solsynth.dev/hypernet/courier/pkg/internal/metrics"
	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"git.solsynth.dev/hypernet/courier/pkg/internal/reactions"
	"git.solsynth.dev/hypernet/courier/pkg/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Publisher fans events out to rooms.
type Publisher interface {
	Publish(room, event string, payload any) int
	PublishToUser(userID uint, event string, payload any) int
}

type Config struct {
	MaxBodyLength  int
	MaxEmojiLength int
	// Attach reply tokens to the notification deltas of new messages.
	IssueReplyTokens bool
}

type SendInput struct {
	Scope       models.Scope
	Uuid        string
	Body        string
	ReplyID     *uint
	Attachments []models.Attachment
}

type EditInput struct {
	Body        *string
	Attachments *[]models.Attachment
	Scope       *models.Scope
}

type ReactionResult struct {
	models.MessageReactionPayload
	Reactions reactions.Set `json:"reactions"`
}

// Delivery is the single entry point of message lifecycle operations.
// It persists first, then updates counters and publishes. Within a scope
// operations are serialized, so events leave in commit order.
type Delivery struct {
	cfg       Config
	messages  store.Store
	ledger    *ledger.Ledger
	publisher Publisher
	members   Membership
	validate  *validator.Validate
}

func NewDelivery(messages store.Store, counters *ledger.Ledger, publisher Publisher, members Membership, cfg Config) *Delivery {
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = 4096
	}
	if cfg.MaxEmojiLength <= 0 {
		cfg.MaxEmojiLength = 32
	}
	return &Delivery{
		cfg:       cfg,
		messages:  messages,
		ledger:    counters,
		publisher: publisher,
		members:   members,
		validate:  validator.New(),
	}
}

func (v *Delivery) SendMessage(ctx context.Context, userID uint, input SendInput) (models.Message, error) {
	input.Body = strings.TrimSpace(input.Body)
	if err := v.checkContent(input.Scope, input.Body, input.Attachments); err != nil {
		return models.Message{}, err
	}

	recipients, err := v.ensureMember(ctx, userID, input.Scope)
	if err != nil {
		return models.Message{}, err
	}

	unlock := v.lock(input.Scope)
	defer unlock()

	if len(input.Uuid) > 0 {
		existing, err := v.messages.FindByUuid(ctx, input.Uuid)
		if err == nil {
			if existing.SenderID != userID || existing.Scope() != input.Scope {
				return models.Message{}, fmt.Errorf("%w: uuid already used", ErrInvalidMessage)
			}
			// Retried send, it was already delivered once.
			return existing, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return models.Message{}, err
		}
	} else {
		input.Uuid = uuid.NewString()
	}

	if input.ReplyID != nil {
		replied, err := v.messages.FindByID(ctx, *input.ReplyID)
		if err != nil {
			return models.Message{}, fmt.Errorf("replied message: %w", err)
		} else if replied.Scope() != input.Scope {
			return models.Message{}, fmt.Errorf("%w: replied message is in another scope", ErrInvalidMessage)
		}
	}

	message, err := v.messages.Create(ctx, models.Message{
		Uuid:        input.Uuid,
		Body:        input.Body,
		SenderID:    userID,
		ScopeKind:   input.Scope.Kind,
		ScopeID:     input.Scope.ID,
		ReplyID:     input.ReplyID,
		Attachments: input.Attachments,
		Reactions:   reactions.Set{},
	})
	if err != nil {
		log.Error().Err(err).Str("scope", input.Scope.String()).Uint("sender", userID).Msg("Unable to persist message")
		return message, err
	}
	metrics.MessagesCommitted.WithLabelValues("send").Inc()

	deltas, err := v.ledger.OnMessageCreated(ctx, message, recipients)
	if err != nil {
		log.Error().Err(err).Uint("message", message.ID).Msg("Unable to count message as unread, counters will be rebuilt on next touch")
	}

	v.publisher.Publish(input.Scope.Room(), models.EventMessageNew, message)
	for _, delta := range deltas {
		payload := delta.Payload()
		payload.MessageID = message.ID
		if v.cfg.IssueReplyTokens {
			if tk, err := CreateReplyToken(message.ID, delta.Recipient); err == nil {
				payload.ReplyToken = tk
			} else {
				log.Warn().Err(err).Msg("Unable to issue reply token...")
			}
		}
		v.publisher.PublishToUser(delta.Recipient, models.EventNotificationDelta, payload)
	}

	log.Debug().Uint("message", message.ID).Str("scope", input.Scope.String()).
		Int("recipients", len(deltas)).Msg("Message delivered")
	return message, nil
}

func (v *Delivery) EditMessage(ctx context.Context, userID uint, messageID uint, input EditInput) (models.Message, error) {
	message, err := v.authoredMessage(ctx, userID, messageID)
	if err != nil {
		return message, err
	}

	patch := models.MessagePatch{Scope: input.Scope, Attachments: input.Attachments}
	if input.Body != nil {
		patch.Body = lo.ToPtr(strings.TrimSpace(*input.Body))
	}
	body := lo.FromPtrOr(patch.Body, message.Body)
	attachments := []models.Attachment(message.Attachments)
	if input.Attachments != nil {
		attachments = *input.Attachments
	}
	if err := v.checkContent(message.Scope(), body, attachments); err != nil {
		return message, err
	}

	unlock := v.lock(message.Scope())
	defer unlock()

	updated, err := v.messages.Update(ctx, messageID, patch)
	if err != nil {
		return message, err
	}
	metrics.MessagesCommitted.WithLabelValues("edit").Inc()

	v.publisher.Publish(updated.Scope().Room(), models.EventMessageEdited, updated)
	return updated, nil
}

func (v *Delivery) DeleteMessage(ctx context.Context, userID uint, messageID uint) error {
	message, err := v.authoredMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	scope := message.Scope()

	recipients, err := v.members.ListRecipients(ctx, scope)
	if err != nil {
		return err
	}

	unlock := v.lock(scope)
	defer unlock()

	unread, err := v.ledger.WasUnread(ctx, message, recipients)
	if err != nil {
		log.Warn().Err(err).Uint("message", messageID).Msg("Unable to tell who has not read the message yet")
		unread = nil
	}

	if _, err := v.messages.Delete(ctx, messageID); err != nil {
		return err
	}
	metrics.MessagesCommitted.WithLabelValues("delete").Inc()

	deltas, err := v.ledger.OnMessageDeleted(ctx, scope, unread)
	if err != nil {
		log.Error().Err(err).Uint("message", messageID).Msg("Unable to uncount deleted message, counters will be rebuilt on next touch")
	}

	v.publisher.Publish(scope.Room(), models.EventMessageDeleted, models.MessageDeletedPayload{
		MessageID: messageID,
		Scope:     scope,
	})
	for _, delta := range deltas {
		v.publisher.PublishToUser(delta.Recipient, models.EventNotificationDelta, delta.Payload())
	}
	return nil
}

func (v *Delivery) ReactMessage(ctx context.Context, userID uint, messageID uint, emoji string) (ReactionResult, error) {
	emoji = strings.TrimSpace(emoji)
	if len(emoji) == 0 || utf8.RuneCountInString(emoji) > v.cfg.MaxEmojiLength {
		return ReactionResult{}, fmt.Errorf("%w: bad emoji", ErrInvalidMessage)
	}

	message, err := v.messages.FindByID(ctx, messageID)
	if err != nil {
		return ReactionResult{}, err
	}
	if _, err := v.ensureMember(ctx, userID, message.Scope()); err != nil {
		return ReactionResult{}, err
	}

	unlock := v.lock(message.Scope())
	defer unlock()

	// Reload under the scope lock so concurrent toggles see each other.
	message, err = v.messages.FindByID(ctx, messageID)
	if err != nil {
		return ReactionResult{}, err
	}

	set, applied := reactions.Toggle(message.Reactions, emoji, userID)
	updated, err := v.messages.Update(ctx, messageID, models.MessagePatch{Reactions: set})
	if err != nil {
		return ReactionResult{}, err
	}
	metrics.MessagesCommitted.WithLabelValues("react").Inc()

	result := ReactionResult{
		MessageReactionPayload: models.MessageReactionPayload{
			MessageID: messageID,
			Emoji:     emoji,
			UserID:    userID,
			Applied:   applied,
			Scope:     updated.Scope(),
		},
		Reactions: updated.Reactions,
	}
	v.publisher.Publish(updated.Scope().Room(), models.EventMessageReaction, result.MessageReactionPayload)
	return result, nil
}

// MarkRead clears the unread counter and tells only the reader's sessions.
func (v *Delivery) MarkRead(ctx context.Context, userID uint, scope models.Scope) (ledger.Delta, error) {
	if _, err := v.ensureMember(ctx, userID, scope); err != nil {
		return ledger.Delta{}, err
	}

	unlock := v.lock(scope)
	delta := v.ledger.MarkRead(ctx, userID, scope)
	unlock()

	v.publisher.PublishToUser(userID, models.EventNotificationRead, models.NotificationReadPayload{Scope: scope})
	return delta, nil
}

func (v *Delivery) UnreadCount(ctx context.Context, userID uint, scope models.Scope) (int64, error) {
	if _, err := v.ensureMember(ctx, userID, scope); err != nil {
		return 0, err
	}
	return v.ledger.CountFor(ctx, userID, scope)
}

func (v *Delivery) TotalUnread(ctx context.Context, userID uint) (int64, error) {
	if err := v.warm(ctx, userID); err != nil {
		return 0, err
	}
	return v.ledger.TotalFor(ctx, userID), nil
}

// UnreadSummary lists the scopes with unread messages and their total.
func (v *Delivery) UnreadSummary(ctx context.Context, userID uint) ([]ledger.Unread, int64, error) {
	if err := v.warm(ctx, userID); err != nil {
		return nil, 0, err
	}
	summary := v.ledger.Summary(ctx, userID)
	total := lo.SumBy(summary, func(item ledger.Unread) int64 { return item.Count })
	return summary, total, nil
}

func (v *Delivery) ListMessages(ctx context.Context, userID uint, scope models.Scope, page, take int) ([]models.Message, error) {
	if _, err := v.ensureMember(ctx, userID, scope); err != nil {
		return nil, err
	}
	return v.messages.FindByScope(ctx, scope, page, take)
}

// SetTyping broadcasts a typing indicator, it never touches counters.
func (v *Delivery) SetTyping(ctx context.Context, userID uint, scope models.Scope) error {
	if _, err := v.ensureMember(ctx, userID, scope); err != nil {
		return err
	}
	v.publisher.Publish(scope.Room(), models.EventStatusTyping, models.TypingPayload{Scope: scope, UserID: userID})
	return nil
}

// QuickReply answers a message with a reply token instead of a session,
// as used by notification actions.
func (v *Delivery) QuickReply(ctx context.Context, token string, messageID uint, body string, attachments []models.Attachment) (models.Message, error) {
	claims, err := ParseReplyToken(token)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: reply token is invalid: %v", ErrInvalidMessage, err)
	}
	if claims.MessageID != messageID {
		return models.Message{}, fmt.Errorf("%w: reply token is invalid, message id mismatch", ErrInvalidMessage)
	}

	replied, err := v.messages.FindByID(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	return v.SendMessage(ctx, claims.UserID, SendInput{
		Scope:       replied.Scope(),
		Body:        body,
		ReplyID:     &replied.ID,
		Attachments: attachments,
	})
}

func (v *Delivery) checkContent(scope models.Scope, body string, attachments []models.Attachment) error {
	if !scope.IsMessageScope() {
		return fmt.Errorf("%w: unknown scope %s", ErrInvalidMessage, scope)
	}
	if len(body) == 0 && len(attachments) == 0 {
		return fmt.Errorf("%w: empty message was not allowed", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(body) > v.cfg.MaxBodyLength {
		return fmt.Errorf("%w: body is longer than %d characters", ErrInvalidMessage, v.cfg.MaxBodyLength)
	}
	for _, attachment := range attachments {
		if err := v.validate.Struct(attachment); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	return nil
}

// CanAccess reports whether the user may subscribe to the scope.
func (v *Delivery) CanAccess(ctx context.Context, userID uint, scope models.Scope) error {
	_, err := v.ensureMember(ctx, userID, scope)
	return err
}

func (v *Delivery) ensureMember(ctx context.Context, userID uint, scope models.Scope) ([]uint, error) {
	if !scope.IsMessageScope() {
		return nil, fmt.Errorf("%w: unknown scope %s", ErrInvalidMessage, scope)
	}
	recipients, err := v.members.ListRecipients(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("unable to list scope members: %w", err)
	}
	if !lo.Contains(recipients, userID) {
		return nil, ErrForbidden
	}
	return recipients, nil
}

func (v *Delivery) authoredMessage(ctx context.Context, userID uint, messageID uint) (models.Message, error) {
	message, err := v.messages.FindByID(ctx, messageID)
	if err != nil {
		return message, err
	}
	if _, err := v.ensureMember(ctx, userID, message.Scope()); err != nil {
		return message, err
	}
	if message.SenderID != userID {
		return message, ErrForbidden
	}
	return message, nil
}

func (v *Delivery) warm(ctx context.Context, userID uint) error {
	scopes, err := v.members.ScopesOf(ctx, userID)
	if err != nil {
		return fmt.Errorf("unable to list scopes: %w", err)
	}
	return v.ledger.Warm(ctx, userID, scopes)
}

// lock holds the scope lock of the ledger, so counter rebuilds never see a
// commit that is not counted yet.
func (v *Delivery) lock(scope models.Scope) func() {
	return v.ledger.LockScope(scope)
}
