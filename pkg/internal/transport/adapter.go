package transport

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/metrics"
	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"git.solsynth.dev/hypernet/courier/pkg/internal/rooms"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type Config struct {
	QueueSize       int
	ReplayCapacity  int
	ReplayTTL       time.Duration
	PollIdleTimeout time.Duration
}

type Option func(*Adapter)

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter delivers room events to push sessions and keeps replay buffers
// for poll sessions. Subscriptions live in the room registry.
type Adapter struct {
	cfg      Config
	registry *rooms.Registry
	now      func() time.Time

	sessions *xsync.MapOf[string, Session]
	buffers  *xsync.MapOf[string, *ReplayBuffer]
	// Publishing is serialized per room (striped) so every session sees one order.
	locks [64]sync.Mutex
	seq   atomic.Uint64
	pumps conc.WaitGroup
}

func NewAdapter(registry *rooms.Registry, cfg Config, opts ...Option) *Adapter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.ReplayCapacity <= 0 {
		cfg.ReplayCapacity = 256
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = 2 * time.Minute
	}
	if cfg.PollIdleTimeout <= 0 {
		cfg.PollIdleTimeout = 90 * time.Second
	}

	a := &Adapter{
		cfg:      cfg,
		registry: registry,
		now:      time.Now,
		sessions: xsync.NewMapOf[string, Session](),
		buffers:  xsync.NewMapOf[string, *ReplayBuffer](),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Registry() *rooms.Registry { return a.registry }

// OpenPush creates a push session over conn and attaches it.
func (a *Adapter) OpenPush(userID uint, conn ConnLike) *PushSession {
	session := NewPushSession(userID, conn, a.cfg.QueueSize)
	a.Attach(session)
	return session
}

// OpenPoll creates a poll session and attaches it.
func (a *Adapter) OpenPoll(userID uint) *PollSession {
	session := NewPollSession(userID, a.now())
	a.Attach(session)
	return session
}

// Attach registers the session and joins it to its owner's private room.
func (a *Adapter) Attach(session Session) {
	a.sessions.Store(session.ID(), session)
	metrics.Sessions.WithLabelValues(string(session.Mode())).Inc()

	if push, ok := session.(*PushSession); ok {
		a.pumps.Go(func() {
			push.writePump(func() {
				log.Warn().Str("session", push.ID()).Uint("user", push.UserID()).
					Msg("Unable to write to push session, dropping it...")
				_ = a.Drop(push.ID())
			})
		})
	}

	_, _ = a.Join(session.ID(), models.UserScope(session.UserID()).Room())
	log.Debug().Str("session", session.ID()).Str("mode", string(session.Mode())).
		Uint("user", session.UserID()).Msg("Session attached")
}

func (a *Adapter) Session(sessionID string) (Session, bool) {
	session, ok := a.sessions.Load(sessionID)
	if !ok || session.Dropped() {
		return nil, false
	}
	return session, true
}

// Join subscribes the session to the room and returns the room's current
// cursor, poll sessions start draining from there.
func (a *Adapter) Join(sessionID, room string) (uint64, error) {
	session, ok := a.Session(sessionID)
	if !ok {
		return 0, ErrSessionNotFound
	}

	var cursor uint64
	if session.Mode() == ModePoll {
		buf, _ := a.buffers.LoadOrCompute(room, func() *ReplayBuffer {
			return NewReplayBuffer(room, a.cfg.ReplayCapacity, a.cfg.ReplayTTL, a.seq.Load())
		})
		cursor = buf.Head()
		session.(*PollSession).Touch(a.now())
	}

	a.registry.Subscribe(sessionID, room)
	if session.Dropped() {
		// Lost a race with Drop, do not leave a dead handle behind.
		a.registry.Unsubscribe(sessionID, room)
		return 0, ErrSessionNotFound
	}
	return cursor, nil
}

func (a *Adapter) Leave(sessionID, room string) error {
	if _, ok := a.Session(sessionID); !ok {
		return ErrSessionNotFound
	}
	a.registry.Unsubscribe(sessionID, room)
	return nil
}

// Drop removes the session from every room and only then closes it,
// so no publish issued after Drop returns can reach it.
func (a *Adapter) Drop(sessionID string) error {
	session, ok := a.sessions.Load(sessionID)
	if !ok || !session.markDropped() {
		return ErrSessionNotFound
	}

	left := a.registry.DropSession(sessionID)
	a.sessions.Delete(sessionID)
	if err := session.close(); err != nil {
		log.Debug().Err(err).Str("session", sessionID).Msg("Error occurred when closing session")
	}
	metrics.Sessions.WithLabelValues(string(session.Mode())).Dec()

	log.Debug().Str("session", sessionID).Strs("rooms", left).Msg("Session dropped")
	return nil
}

// Publish delivers the event to every session in the room and returns how
// many sessions could not be reached. It never blocks on a client.
func (a *Adapter) Publish(room, event string, payload any) int {
	lock := a.lockFor(room)
	lock.Lock()

	seq := a.seq.Add(1)
	if buf, ok := a.buffers.Load(room); ok {
		buf.Append(Event{Seq: seq, Room: room, Name: event, Payload: payload, At: a.now()})
	}

	var data []byte
	var unreached []Session
	for _, id := range a.registry.SessionsFor(room) {
		session, ok := a.sessions.Load(id)
		if !ok || session.Dropped() {
			continue
		}
		push, ok := session.(*PushSession)
		if !ok {
			continue
		}
		if data == nil {
			data = models.UnifiedCommand{Action: event, Payload: payload}.Marshal()
		}
		if !push.enqueue(data) {
			unreached = append(unreached, push)
		}
	}
	lock.Unlock()

	metrics.EventsPublished.WithLabelValues(event).Inc()
	for _, session := range unreached {
		log.Warn().Err(ErrTransportUnavailable).Str("room", room).Str("event", event).
			Str("session", session.ID()).Msg("Unable to deliver event, dropping session...")
		metrics.DeliveryFailures.WithLabelValues(string(session.Mode())).Inc()
		_ = a.Drop(session.ID())
	}

	return len(unreached)
}

// PublishToUser publishes to the private room of the user.
func (a *Adapter) PublishToUser(userID uint, event string, payload any) int {
	return a.Publish(models.UserScope(userID).Room(), event, payload)
}

// Poll drains the events published to room after cursor.
func (a *Adapter) Poll(sessionID, room string, cursor uint64) ([]Event, uint64, bool, error) {
	session, ok := a.Session(sessionID)
	if !ok {
		return nil, 0, false, ErrSessionNotFound
	}
	poll, ok := session.(*PollSession)
	if !ok {
		return nil, 0, false, ErrWrongMode
	}
	poll.Touch(a.now())

	if !a.subscribed(sessionID, room) {
		return nil, 0, false, ErrNotSubscribed
	}
	buf, ok := a.buffers.Load(room)
	if !ok {
		// Reclaimed under the session, whatever it held is gone.
		buf, _ = a.buffers.LoadOrCompute(room, func() *ReplayBuffer {
			return NewReplayBuffer(room, a.cfg.ReplayCapacity, a.cfg.ReplayTTL, a.seq.Load())
		})
		cursor = 0
	}

	events, next, resync := buf.Since(cursor, a.now())
	if resync {
		metrics.Resyncs.Inc()
		log.Debug().Str("session", sessionID).Str("room", room).Uint64("cursor", cursor).
			Msg("Poll cursor fell behind the replay window, asking for resync")
	}
	return events, next, resync, nil
}

// SweepIdle drops poll sessions that did not poll within the idle timeout
// and reclaims buffers of rooms no poll session reads from anymore.
func (a *Adapter) SweepIdle() int {
	now := a.now()

	var idle []string
	a.sessions.Range(func(id string, session Session) bool {
		if poll, ok := session.(*PollSession); ok {
			if now.Sub(poll.LastActive()) > a.cfg.PollIdleTimeout {
				idle = append(idle, id)
			}
		}
		return true
	})
	for _, id := range idle {
		if a.Drop(id) == nil {
			log.Info().Str("session", id).Msg("Poll session idle for too long, dropped")
		}
	}

	a.buffers.Range(func(room string, _ *ReplayBuffer) bool {
		if !a.hasPollSubscriber(room) {
			a.buffers.Delete(room)
		}
		return true
	})

	return len(idle)
}

// Close drops every session and waits for the writers to exit.
func (a *Adapter) Close() {
	var ids []string
	a.sessions.Range(func(id string, _ Session) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		_ = a.Drop(id)
	}
	a.pumps.Wait()
}

func (a *Adapter) lockFor(room string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return &a.locks[h.Sum32()%uint32(len(a.locks))]
}

func (a *Adapter) subscribed(sessionID, room string) bool {
	for _, item := range a.registry.RoomsOf(sessionID) {
		if item == room {
			return true
		}
	}
	return false
}

func (a *Adapter) hasPollSubscriber(room string) bool {
	for _, id := range a.registry.SessionsFor(room) {
		if session, ok := a.sessions.Load(id); ok && session.Mode() == ModePoll {
			return true
		}
	}
	return false
}
