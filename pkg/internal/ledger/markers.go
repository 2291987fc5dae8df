package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MarkerStore persists read markers. Saving never moves a marker backwards.
type MarkerStore interface {
	LoadMarker(ctx context.Context, recipient uint, scope models.Scope) (time.Time, bool, error)
	SaveMarkers(ctx context.Context, markers []models.ReadMarker) error
}

type GormMarkerStore struct {
	db *gorm.DB
}

func NewGormMarkerStore(db *gorm.DB) *GormMarkerStore {
	return &GormMarkerStore{db: db}
}

func (v *GormMarkerStore) LoadMarker(ctx context.Context, recipient uint, scope models.Scope) (time.Time, bool, error) {
	var marker models.ReadMarker
	err := v.db.WithContext(ctx).Where(models.ReadMarker{
		AccountID: recipient,
		ScopeKind: scope.Kind,
		ScopeID:   scope.ID,
	}).First(&marker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, err
	}
	return marker.LastReadAt, true, nil
}

func (v *GormMarkerStore) SaveMarkers(ctx context.Context, markers []models.ReadMarker) error {
	if len(markers) == 0 {
		return nil
	}
	return v.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "scope_kind"}, {Name: "scope_id"}},
		DoUpdates: clause.Set{{
			Column: clause.Column{Name: "last_read_at"},
			Value: gorm.Expr(
				"GREATEST(?, excluded.last_read_at)",
				clause.Column{Table: clause.CurrentTable, Name: "last_read_at"},
			),
		}},
	}).Create(&markers).Error
}

const markersCollection = "read_markers"

type MongoMarkerStore struct {
	markers *mongo.Collection
}

func NewMongoMarkerStore(db *mongo.Database) *MongoMarkerStore {
	return &MongoMarkerStore{markers: db.Collection(markersCollection)}
}

func markerID(recipient uint, scope models.Scope) bson.D {
	return bson.D{
		{Key: "account_id", Value: int64(recipient)},
		{Key: "scope_kind", Value: string(scope.Kind)},
		{Key: "scope_id", Value: int64(scope.ID)},
	}
}

func (v *MongoMarkerStore) LoadMarker(ctx context.Context, recipient uint, scope models.Scope) (time.Time, bool, error) {
	var marker struct {
		LastReadAt time.Time `bson:"last_read_at"`
	}
	err := v.markers.FindOne(ctx, bson.M{"_id": markerID(recipient, scope)}).Decode(&marker)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, err
	}
	return marker.LastReadAt, true, nil
}

func (v *MongoMarkerStore) SaveMarkers(ctx context.Context, markers []models.ReadMarker) error {
	if len(markers) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(markers))
	for _, marker := range markers {
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": markerID(marker.AccountID, marker.Scope())}).
			SetUpdate(bson.M{"$max": bson.M{"last_read_at": marker.LastReadAt.UTC()}}).
			SetUpsert(true))
	}
	_, err := v.markers.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	return err
}

// MemoryMarkerStore keeps markers in process.
type MemoryMarkerStore struct {
	mu      sync.RWMutex
	markers map[key]time.Time
}

func NewMemoryMarkerStore() *MemoryMarkerStore {
	return &MemoryMarkerStore{markers: make(map[key]time.Time)}
}

func (v *MemoryMarkerStore) LoadMarker(_ context.Context, recipient uint, scope models.Scope) (time.Time, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	at, ok := v.markers[key{recipient: recipient, scope: scope}]
	return at, ok, nil
}

func (v *MemoryMarkerStore) SaveMarkers(_ context.Context, markers []models.ReadMarker) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, marker := range markers {
		k := key{recipient: marker.AccountID, scope: marker.Scope()}
		if marker.LastReadAt.After(v.markers[k]) {
			v.markers[k] = marker.LastReadAt
		}
	}
	return nil
}
