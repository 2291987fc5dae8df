package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"git.solsynth.dev/hypernet/courier/pkg/internal/reactions"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"gorm.io/gorm"
)

const (
	messagesCollection = "messages"
	countersCollection = "counters"
)

// messageDocument is the stored shape. Historical documents hold reactions
// in either the list or the map encoding, so they are decoded loosely.
type messageDocument struct {
	ID          int64               `bson:"_id"`
	Uuid        string              `bson:"uuid,omitempty"`
	Body        string              `bson:"body"`
	SenderID    int64               `bson:"sender_id"`
	ScopeKind   string              `bson:"scope_kind"`
	ScopeID     int64               `bson:"scope_id"`
	ReplyID     *int64              `bson:"reply_id,omitempty"`
	Attachments []models.Attachment `bson:"attachments"`
	Reactions   any                 `bson:"reactions"`
	IsEdited    bool                `bson:"is_edited"`
	CreatedAt   time.Time           `bson:"created_at"`
	UpdatedAt   time.Time           `bson:"updated_at"`
	EditedAt    *time.Time          `bson:"edited_at,omitempty"`
	DeletedAt   *time.Time          `bson:"deleted_at"`
}

// MongoStore persists messages in MongoDB. Ids come from a counters
// collection so they follow commit order like the SQL engine.
type MongoStore struct {
	messages *mongo.Collection
	counters *mongo.Collection
	now      func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		messages: db.Collection(messagesCollection),
		counters: db.Collection(countersCollection),
		now:      time.Now,
	}
}

// EnsureIndexes creates the indexes the queries rely on.
func (v *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := v.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "scope_kind", Value: 1}, {Key: "scope_id", Value: 1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "uuid", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
	})
	return err
}

func (v *MongoStore) Create(ctx context.Context, message models.Message) (models.Message, error) {
	id, err := v.nextID(ctx)
	if err != nil {
		return message, fmt.Errorf("unable to allocate message id: %w", err)
	}

	now := v.now().UTC().Truncate(time.Millisecond)
	message.ID = uint(id)
	message.CreatedAt = now
	message.UpdatedAt = now
	message.DeletedAt = gorm.DeletedAt{}
	message.Reactions = message.Reactions.Clone()

	if _, err := v.messages.InsertOne(ctx, toDocument(message)); err != nil {
		return message, fmt.Errorf("unable to create message: %w", err)
	}
	return message, nil
}

func (v *MongoStore) FindByID(ctx context.Context, id uint) (models.Message, error) {
	return v.findOne(ctx, bson.M{"_id": int64(id), "deleted_at": nil})
}

func (v *MongoStore) FindByUuid(ctx context.Context, uuid string) (models.Message, error) {
	return v.findOne(ctx, bson.M{"uuid": uuid, "deleted_at": nil})
}

func (v *MongoStore) FindByScope(ctx context.Context, scope models.Scope, page, pageSize int) ([]models.Message, error) {
	page, pageSize = clampPage(page, pageSize)

	cursor, err := v.messages.Find(ctx, bson.M{
		"scope_kind": string(scope.Kind),
		"scope_id":   int64(scope.ID),
		"deleted_at": nil,
	}, options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetSkip(int64(page*pageSize)).
		SetLimit(int64(pageSize)))
	if err != nil {
		return nil, err
	}

	var documents []messageDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, err
	}

	out := make([]models.Message, 0, len(documents))
	for _, document := range documents {
		out = append(out, document.toMessage())
	}
	return out, nil
}

func (v *MongoStore) Update(ctx context.Context, id uint, patch models.MessagePatch) (models.Message, error) {
	message, err := v.FindByID(ctx, id)
	if err != nil {
		return message, err
	}
	if err := checkScope(message, patch); err != nil {
		return message, err
	}

	patch.Apply(&message, v.now().UTC().Truncate(time.Millisecond))
	result, err := v.messages.ReplaceOne(ctx, bson.M{"_id": int64(id), "deleted_at": nil}, toDocument(message))
	if err != nil {
		return message, err
	} else if result.MatchedCount == 0 {
		return message, ErrNotFound
	}
	return message, nil
}

func (v *MongoStore) Delete(ctx context.Context, id uint) (models.Message, error) {
	var document messageDocument
	err := v.messages.FindOneAndUpdate(ctx,
		bson.M{"_id": int64(id), "deleted_at": nil},
		bson.M{"$set": bson.M{"deleted_at": v.now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&document)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, ErrNotFound
	} else if err != nil {
		return models.Message{}, err
	}
	return document.toMessage(), nil
}

func (v *MongoStore) findOne(ctx context.Context, filter bson.M) (models.Message, error) {
	var document messageDocument
	err := v.messages.FindOne(ctx, filter).Decode(&document)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, ErrNotFound
	} else if err != nil {
		return models.Message{}, err
	}
	return document.toMessage(), nil
}

func (v *MongoStore) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := v.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": messagesCollection},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Seq, err
}

func toDocument(message models.Message) messageDocument {
	document := messageDocument{
		ID:          int64(message.ID),
		Uuid:        message.Uuid,
		Body:        message.Body,
		SenderID:    int64(message.SenderID),
		ScopeKind:   string(message.ScopeKind),
		ScopeID:     int64(message.ScopeID),
		Attachments: message.Attachments,
		Reactions:   map[string][]uint(message.Reactions.Clone()),
		IsEdited:    message.IsEdited,
		CreatedAt:   message.CreatedAt,
		UpdatedAt:   message.UpdatedAt,
		EditedAt:    message.EditedAt,
	}
	if message.ReplyID != nil {
		replyID := int64(*message.ReplyID)
		document.ReplyID = &replyID
	}
	if message.DeletedAt.Valid {
		document.DeletedAt = &message.DeletedAt.Time
	}
	return document
}

func (v messageDocument) toMessage() models.Message {
	message := models.Message{
		Uuid:        v.Uuid,
		Body:        v.Body,
		SenderID:    uint(v.SenderID),
		ScopeKind:   models.ScopeKind(v.ScopeKind),
		ScopeID:     uint(v.ScopeID),
		Attachments: v.Attachments,
		IsEdited:    v.IsEdited,
		EditedAt:    v.EditedAt,
	}
	message.ID = uint(v.ID)
	message.CreatedAt = v.CreatedAt
	message.UpdatedAt = v.UpdatedAt
	if v.ReplyID != nil {
		replyID := uint(*v.ReplyID)
		message.ReplyID = &replyID
	}
	if v.DeletedAt != nil {
		message.DeletedAt = gorm.DeletedAt{Time: *v.DeletedAt, Valid: true}
	}

	set, err := reactions.NormalizeValue(plainValue(v.Reactions))
	if err != nil {
		log.Warn().Err(err).Uint("message", message.ID).Msg("Unable to normalize stored reactions, ignoring them...")
		set = reactions.Set{}
	}
	message.Reactions = set
	return message
}

// plainValue unwraps the driver's document types into maps and slices.
func plainValue(in any) any {
	switch v := in.(type) {
	case bson.D:
		out := make(map[string]any, len(v))
		for _, elem := range v {
			out[elem.Key] = plainValue(elem.Value)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(v))
		for key, value := range v {
			out[key] = plainValue(value)
		}
		return out
	case bson.A:
		out := make([]any, 0, len(v))
		for _, value := range v {
			out = append(out, plainValue(value))
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, value := range v {
			out = append(out, plainValue(value))
		}
		return out
	default:
		return v
	}
}
