package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// Membership answers who may see and be notified about a scope.
type Membership interface {
	ListRecipients(ctx context.Context, scope models.Scope) ([]uint, error)
	ScopesOf(ctx context.Context, userID uint) ([]models.Scope, error)
}

// GormMembership reads scope members from the database and caches the
// recipient lists, changes through it invalidate the affected entries.
type GormMembership struct {
	db    *gorm.DB
	cache *cache.Cache[[]uint]
	ttl   time.Duration
}

func NewGormMembership(db *gorm.DB, cacheStore store.StoreInterface, ttl time.Duration) *GormMembership {
	return &GormMembership{
		db:    db,
		cache: cache.New[[]uint](cacheStore),
		ttl:   ttl,
	}
}

func scopeRecipientsCacheKey(scope models.Scope) string {
	return fmt.Sprintf("scope-recipients#%s", scope.Room())
}

func scopeCacheTag(scope models.Scope) string {
	return fmt.Sprintf("scope#%s", scope.Room())
}

func (v *GormMembership) ListRecipients(ctx context.Context, scope models.Scope) ([]uint, error) {
	key := scopeRecipientsCacheKey(scope)
	if val, err := v.cache.Get(ctx, key); err == nil {
		return slices.Clone(val), nil
	}

	var recipients []uint
	if err := v.db.WithContext(ctx).Model(&models.ScopeMember{}).
		Where("scope_kind = ? AND scope_id = ?", scope.Kind, scope.ID).
		Order("account_id").
		Pluck("account_id", &recipients).Error; err != nil {
		return nil, err
	}

	if err := v.cache.Set(
		ctx,
		key,
		recipients,
		store.WithExpiration(v.ttl),
		store.WithTags([]string{"scope-recipients", scopeCacheTag(scope)}),
	); err != nil {
		log.Warn().Err(err).Str("scope", scope.String()).Msg("Unable to cache scope recipients...")
	}
	return slices.Clone(recipients), nil
}

func (v *GormMembership) ScopesOf(ctx context.Context, userID uint) ([]models.Scope, error) {
	var members []models.ScopeMember
	if err := v.db.WithContext(ctx).
		Where("account_id = ?", userID).
		Select("scope_kind", "scope_id").
		Find(&members).Error; err != nil {
		return nil, err
	}
	return lo.Map(members, func(item models.ScopeMember, _ int) models.Scope {
		return models.Scope{Kind: item.ScopeKind, ID: item.ScopeID}
	}), nil
}

func (v *GormMembership) AddMember(ctx context.Context, scope models.Scope, accountID uint) error {
	member := models.ScopeMember{ScopeKind: scope.Kind, ScopeID: scope.ID, AccountID: accountID}
	if err := v.db.WithContext(ctx).
		Where(models.ScopeMember{ScopeKind: scope.Kind, ScopeID: scope.ID, AccountID: accountID}).
		FirstOrCreate(&member).Error; err != nil {
		return err
	}
	v.invalidate(ctx, scope)
	return nil
}

func (v *GormMembership) RemoveMember(ctx context.Context, scope models.Scope, accountID uint) error {
	if err := v.db.WithContext(ctx).
		Where("scope_kind = ? AND scope_id = ? AND account_id = ?", scope.Kind, scope.ID, accountID).
		Delete(&models.ScopeMember{}).Error; err != nil {
		return err
	}
	v.invalidate(ctx, scope)
	return nil
}

func (v *GormMembership) invalidate(ctx context.Context, scope models.Scope) {
	if err := v.cache.Invalidate(ctx, store.WithInvalidateTags([]string{scopeCacheTag(scope)})); err != nil {
		log.Warn().Err(err).Str("scope", scope.String()).Msg("Unable to invalidate scope recipients cache...")
	}
}

// MemoryMembership keeps scope members in process.
type MemoryMembership struct {
	mu      sync.RWMutex
	members map[models.Scope][]uint
}

func NewMemoryMembership() *MemoryMembership {
	return &MemoryMembership{members: make(map[models.Scope][]uint)}
}

func (v *MemoryMembership) AddMember(_ context.Context, scope models.Scope, accountID uint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !lo.Contains(v.members[scope], accountID) {
		v.members[scope] = append(v.members[scope], accountID)
		slices.Sort(v.members[scope])
	}
	return nil
}

func (v *MemoryMembership) RemoveMember(_ context.Context, scope models.Scope, accountID uint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.members[scope] = lo.Without(v.members[scope], accountID)
	return nil
}

func (v *MemoryMembership) ListRecipients(_ context.Context, scope models.Scope) ([]uint, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.members[scope]), nil
}

func (v *MemoryMembership) ScopesOf(_ context.Context, userID uint) ([]models.Scope, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []models.Scope
	for scope, members := range v.members {
		if lo.Contains(members, userID) {
			out = append(out, scope)
		}
	}
	return out, nil
}
