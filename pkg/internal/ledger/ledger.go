package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/metrics"
	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"git.solsynth.dev/hypernet/courier/pkg/internal/store"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
)

var ErrCounterDrift = errors.New("unread counter drifted from message store")

// Publisher pushes events to the private room of a user.
type Publisher interface {
	PublishToUser(userID uint, event string, payload any) int
}

type Config struct {
	// Page size used when counting unread messages from the store.
	ScanPageSize int
	// Parallel workers of ReconcileAll.
	ReconcileWorkers int
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Delta is the new unread state of one recipient after an event.
type Delta struct {
	Recipient uint
	Scope     models.Scope
	Count     int64
	Total     int64
}

func (v Delta) Payload() models.NotificationDeltaPayload {
	return models.NotificationDeltaPayload{Scope: v.Scope, Count: v.Count, Total: v.Total}
}

type Unread struct {
	models.Scope
	Count int64 `json:"count"`
}

type key struct {
	recipient uint
	scope     models.Scope
}

type entry struct {
	sync.Mutex
	hydrated bool
	count    int64
	lastRead time.Time
}

// Ledger keeps unread counters per recipient and scope. Counters are a cache
// over the message store: a pair is rebuilt from the store and the read
// marker the first time it is touched, and can be verified against it.
//
// Rebuilding a pair reads the store, so it must not interleave with a commit
// to the same scope that is not counted yet. Writers hold LockScope from the
// store commit until the matching On* call returns, rebuilds take it too.
type Ledger struct {
	cfg       Config
	messages  store.Store
	markers   MarkerStore
	publisher Publisher
	now       func() time.Time

	locks   *xsync.MapOf[models.Scope, *sync.Mutex]
	entries *xsync.MapOf[key, *entry]
	scopes  *xsync.MapOf[uint, *xsync.MapOf[models.Scope, struct{}]]
	dirty   *xsync.MapOf[key, time.Time]
}

func NewLedger(messages store.Store, markers MarkerStore, publisher Publisher, cfg Config, opts ...Option) *Ledger {
	if cfg.ScanPageSize <= 0 || cfg.ScanPageSize > store.MaxPageSize {
		cfg.ScanPageSize = store.MaxPageSize
	}
	if cfg.ReconcileWorkers <= 0 {
		cfg.ReconcileWorkers = 4
	}
	l := &Ledger{
		cfg:       cfg,
		messages:  messages,
		markers:   markers,
		publisher: publisher,
		now:       time.Now,
		locks:     xsync.NewMapOf[models.Scope, *sync.Mutex](),
		entries:   xsync.NewMapOf[key, *entry](),
		scopes:    xsync.NewMapOf[uint, *xsync.MapOf[models.Scope, struct{}]](),
		dirty:     xsync.NewMapOf[key, time.Time](),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LockScope serializes commits to the scope with rebuilds of its counters.
// Hold it around the store write and the OnMessageCreated, OnMessageDeleted,
// WasUnread or MarkRead call that goes with it.
func (l *Ledger) LockScope(scope models.Scope) func() {
	mu, _ := l.locks.LoadOrCompute(scope, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// OnMessageCreated counts a freshly persisted message for every recipient
// except its author. A pair hydrated by this call already counts the message.
// A recipient whose pair cannot be hydrated is skipped and stays unhydrated,
// the others are still counted.
func (l *Ledger) OnMessageCreated(ctx context.Context, message models.Message, recipients []uint) ([]Delta, error) {
	scope := message.Scope()
	var changed []uint
	var errs []error
	for _, recipient := range lo.Uniq(recipients) {
		if recipient == message.SenderID {
			continue
		}
		err := l.withEntry(ctx, recipient, scope, func(e *entry, fresh bool) error {
			if !fresh && isUnread(message, e.lastRead) {
				e.count++
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("recipient %d: %w", recipient, err))
			continue
		}
		changed = append(changed, recipient)
	}
	return l.deltas(scope, changed), errors.Join(errs...)
}

// OnMessageDeleted uncounts a deleted message for the recipients that had
// not read it yet. Counters never go below zero.
func (l *Ledger) OnMessageDeleted(ctx context.Context, scope models.Scope, wasUnreadFor []uint) ([]Delta, error) {
	var changed []uint
	var errs []error
	for _, recipient := range lo.Uniq(wasUnreadFor) {
		err := l.withEntry(ctx, recipient, scope, func(e *entry, fresh bool) error {
			if !fresh {
				e.count = max(e.count-1, 0)
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("recipient %d: %w", recipient, err))
			continue
		}
		changed = append(changed, recipient)
	}
	return l.deltas(scope, changed), errors.Join(errs...)
}

// MarkRead clears the counter and moves the read marker to now, rounded up
// to the millisecond so the marker survives every store's time precision.
// Calling it again leaves the counter at zero.
func (l *Ledger) MarkRead(_ context.Context, recipient uint, scope models.Scope) Delta {
	k := key{recipient: recipient, scope: scope}
	e := l.entry(k)

	e.Lock()
	now := ceilMillisecond(l.now())
	if now.After(e.lastRead) {
		e.lastRead = now
	}
	e.count = 0
	e.hydrated = true
	lastRead := e.lastRead
	e.Unlock()

	l.dirty.Compute(k, func(old time.Time, loaded bool) (time.Time, bool) {
		if loaded && old.After(lastRead) {
			return old, false
		}
		return lastRead, false
	})

	return Delta{Recipient: recipient, Scope: scope, Count: 0, Total: l.totalOf(recipient)}
}

// WasUnread returns the recipients for whom the message still counts as unread.
func (l *Ledger) WasUnread(ctx context.Context, message models.Message, recipients []uint) ([]uint, error) {
	var out []uint
	for _, recipient := range lo.Uniq(recipients) {
		if recipient == message.SenderID {
			continue
		}
		err := l.withEntry(ctx, recipient, message.Scope(), func(e *entry, _ bool) error {
			if isUnread(message, e.lastRead) {
				out = append(out, recipient)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *Ledger) CountFor(ctx context.Context, recipient uint, scope models.Scope) (int64, error) {
	if err := l.ensureHydrated(ctx, recipient, scope); err != nil {
		return 0, err
	}
	return l.countOf(key{recipient: recipient, scope: scope}), nil
}

// Warm hydrates the pairs of a recipient so TotalFor and Summary see them.
func (l *Ledger) Warm(ctx context.Context, recipient uint, scopes []models.Scope) error {
	for _, scope := range scopes {
		if err := l.ensureHydrated(ctx, recipient, scope); err != nil {
			return err
		}
	}
	return nil
}

// TotalFor sums the counters of every scope known for the recipient.
func (l *Ledger) TotalFor(_ context.Context, recipient uint) int64 {
	return l.totalOf(recipient)
}

// Summary lists the non-zero counters of the recipient.
func (l *Ledger) Summary(_ context.Context, recipient uint) []Unread {
	var out []Unread
	l.scopesOf(recipient).Range(func(scope models.Scope, _ struct{}) bool {
		if e, ok := l.entries.Load(key{recipient: recipient, scope: scope}); ok {
			e.Lock()
			if e.hydrated && e.count > 0 {
				out = append(out, Unread{Scope: scope, Count: e.count})
			}
			e.Unlock()
		}
		return true
	})
	slices.SortFunc(out, func(a, b Unread) int {
		if a.Kind != b.Kind {
			return cmp.Compare(a.Kind, b.Kind)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Verify recomputes the pair from the store. On mismatch the counter is
// repaired and the recipient is told the corrected value.
func (l *Ledger) Verify(ctx context.Context, recipient uint, scope models.Scope) (bool, error) {
	unlock := l.LockScope(scope)
	defer unlock()

	var drifted bool
	var expected int64
	err := l.withEntry(ctx, recipient, scope, func(e *entry, fresh bool) error {
		if fresh {
			return nil
		}
		count, err := l.countUnread(ctx, recipient, scope, e.lastRead)
		if err != nil {
			return err
		}
		if count != e.count {
			log.Error().Err(ErrCounterDrift).
				Uint("recipient", recipient).Str("scope", scope.String()).
				Int64("cached", e.count).Int64("expected", count).
				Msg("Unread counter drifted, repairing...")
			e.count = count
			drifted = true
			expected = count
		}
		return nil
	})
	if err != nil || !drifted {
		return false, err
	}

	metrics.CounterRepairs.Inc()
	if l.publisher != nil {
		delta := Delta{Recipient: recipient, Scope: scope, Count: expected, Total: l.totalOf(recipient)}
		l.publisher.PublishToUser(recipient, models.EventNotificationDelta, delta.Payload())
	}
	return true, nil
}

// ReconcileAll verifies every hydrated pair and returns how many were repaired.
func (l *Ledger) ReconcileAll(ctx context.Context) (int, error) {
	var keys []key
	l.entries.Range(func(k key, _ *entry) bool {
		keys = append(keys, k)
		return true
	})

	var mu sync.Mutex
	var repaired int
	p := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(l.cfg.ReconcileWorkers)
	for _, k := range keys {
		k := k
		p.Go(func(ctx context.Context) error {
			drifted, err := l.Verify(ctx, k.recipient, k.scope)
			if err != nil {
				return fmt.Errorf("verify %d in %s: %w", k.recipient, k.scope, err)
			}
			if drifted {
				mu.Lock()
				repaired++
				mu.Unlock()
			}
			return nil
		})
	}
	err := p.Wait()
	return repaired, err
}

// Flush persists the read markers changed since the last flush.
func (l *Ledger) Flush(ctx context.Context) (int, error) {
	if l.markers == nil {
		return 0, nil
	}

	var markers []models.ReadMarker
	l.dirty.Range(func(k key, lastRead time.Time) bool {
		markers = append(markers, models.ReadMarker{
			AccountID:  k.recipient,
			ScopeKind:  k.scope.Kind,
			ScopeID:    k.scope.ID,
			LastReadAt: lastRead,
		})
		return true
	})
	if len(markers) == 0 {
		return 0, nil
	}

	if err := l.markers.SaveMarkers(ctx, markers); err != nil {
		return 0, fmt.Errorf("unable to flush read markers: %w", err)
	}
	for _, marker := range markers {
		flushed := marker.LastReadAt
		l.dirty.Compute(key{recipient: marker.AccountID, scope: marker.Scope()}, func(old time.Time, loaded bool) (time.Time, bool) {
			// Keep markers that moved again while flushing.
			return old, !loaded || !old.After(flushed)
		})
	}
	metrics.MarkersFlushed.Add(float64(len(markers)))
	return len(markers), nil
}

func (l *Ledger) entry(k key) *entry {
	e, _ := l.entries.LoadOrCompute(k, func() *entry { return &entry{} })
	l.scopesOf(k.recipient).Store(k.scope, struct{}{})
	return e
}

// ensureHydrated rebuilds the pair under the scope lock unless it is
// already hydrated. Callers must not hold the scope lock.
func (l *Ledger) ensureHydrated(ctx context.Context, recipient uint, scope models.Scope) error {
	e := l.entry(key{recipient: recipient, scope: scope})
	e.Lock()
	hydrated := e.hydrated
	e.Unlock()
	if hydrated {
		return nil
	}

	unlock := l.LockScope(scope)
	defer unlock()
	return l.withEntry(ctx, recipient, scope, func(*entry, bool) error { return nil })
}

// withEntry runs fn with the pair locked, hydrating it first when needed.
// fresh tells fn the pair was just rebuilt from the store. Hydrating reads
// the store, so the caller holds the scope lock.
func (l *Ledger) withEntry(ctx context.Context, recipient uint, scope models.Scope, fn func(e *entry, fresh bool) error) error {
	e := l.entry(key{recipient: recipient, scope: scope})
	e.Lock()
	defer e.Unlock()

	fresh := false
	if !e.hydrated {
		if err := l.hydrate(ctx, recipient, scope, e); err != nil {
			return err
		}
		fresh = true
	}
	return fn(e, fresh)
}

func (l *Ledger) hydrate(ctx context.Context, recipient uint, scope models.Scope, e *entry) error {
	var lastRead time.Time
	if l.markers != nil {
		marker, ok, err := l.markers.LoadMarker(ctx, recipient, scope)
		if err != nil {
			return fmt.Errorf("unable to load read marker: %w", err)
		} else if ok {
			lastRead = marker
		}
	}
	count, err := l.countUnread(ctx, recipient, scope, lastRead)
	if err != nil {
		return err
	}
	e.lastRead = lastRead
	e.count = count
	e.hydrated = true
	return nil
}

func (l *Ledger) countUnread(ctx context.Context, recipient uint, scope models.Scope, lastRead time.Time) (int64, error) {
	var count int64
	for page := 0; ; page++ {
		messages, err := l.messages.FindByScope(ctx, scope, page, l.cfg.ScanPageSize)
		if err != nil {
			return 0, fmt.Errorf("unable to count unread messages: %w", err)
		}
		reachedRead := false
		for _, message := range messages {
			if !isUnread(message, lastRead) {
				reachedRead = true
				continue
			}
			if message.SenderID != recipient {
				count++
			}
		}
		if reachedRead || len(messages) < l.cfg.ScanPageSize {
			return count, nil
		}
	}
}

func (l *Ledger) scopesOf(recipient uint) *xsync.MapOf[models.Scope, struct{}] {
	scopes, _ := l.scopes.LoadOrCompute(recipient, func() *xsync.MapOf[models.Scope, struct{}] {
		return xsync.NewMapOf[models.Scope, struct{}]()
	})
	return scopes
}

func (l *Ledger) totalOf(recipient uint) int64 {
	var total int64
	l.scopesOf(recipient).Range(func(scope models.Scope, _ struct{}) bool {
		if e, ok := l.entries.Load(key{recipient: recipient, scope: scope}); ok {
			e.Lock()
			total += e.count
			e.Unlock()
		}
		return true
	})
	return total
}

func (l *Ledger) countOf(k key) int64 {
	e, ok := l.entries.Load(k)
	if !ok {
		return 0
	}
	e.Lock()
	defer e.Unlock()
	return e.count
}

func (l *Ledger) deltas(scope models.Scope, recipients []uint) []Delta {
	out := make([]Delta, 0, len(recipients))
	for _, recipient := range recipients {
		count := l.countOf(key{recipient: recipient, scope: scope})
		out = append(out, Delta{Recipient: recipient, Scope: scope, Count: count, Total: l.totalOf(recipient)})
	}
	return out
}

// isUnread is the single unread rule, shared by live counting and rebuilds.
func isUnread(message models.Message, lastRead time.Time) bool {
	return message.CreatedAt.After(lastRead)
}

func ceilMillisecond(t time.Time) time.Time {
	out := t.Truncate(time.Millisecond)
	if out.Before(t) {
		out = out.Add(time.Millisecond)
	}
	return out
}
