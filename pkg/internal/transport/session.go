package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// Session is a single client connection, either pushed to or polling.
// The mode is chosen on creation and never changes.
type Session interface {
	ID() string
	UserID() uint
	Mode() Mode
	Dropped() bool

	markDropped() bool
	close() error
}

type sessionBase struct {
	id      string
	userID  uint
	dropped atomic.Bool
}

func (v *sessionBase) ID() string {
	return v.id
}

func (v *sessionBase) UserID() uint {
	return v.userID
}

func (v *sessionBase) Dropped() bool {
	return v.dropped.Load()
}

func (v *sessionBase) markDropped() bool {
	return v.dropped.CompareAndSwap(false, true)
}

// ConnLike is the part of a websocket connection a push session needs.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// PushSession owns a buffered outbound queue drained by a single writer,
// so events reach one client in publish order and a slow client only
// ever fills its own queue.
type PushSession struct {
	sessionBase

	conn   ConnLike
	queue  chan []byte
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func NewPushSession(userID uint, conn ConnLike, queueSize int) *PushSession {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &PushSession{
		sessionBase: sessionBase{id: uuid.NewString(), userID: userID},
		conn:        conn,
		queue:       make(chan []byte, queueSize),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

func (v *PushSession) Mode() Mode { return ModePush }

// enqueue never blocks, a full queue reports the session as unreachable.
func (v *PushSession) enqueue(data []byte) bool {
	if v.Dropped() {
		return false
	}
	select {
	case <-v.done:
		return false
	case v.queue <- data:
		return true
	default:
		return false
	}
}

// Send queues a frame for this session only, replies to client commands
// go through here so the writer stays single.
func (v *PushSession) Send(data []byte) bool {
	return v.enqueue(data)
}

func (v *PushSession) writePump(onFailure func()) {
	defer close(v.exited)
	for {
		select {
		case <-v.done:
			return
		case data := <-v.queue:
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				onFailure()
				return
			}
		}
	}
}

// Wait blocks until the writer stopped touching the connection.
// Only valid once the session was attached.
func (v *PushSession) Wait() {
	<-v.exited
}

func (v *PushSession) close() error {
	var err error
	v.once.Do(func() {
		close(v.done)
		err = v.conn.Close()
	})
	return err
}

// PollSession has no connection, its client drains room replay buffers.
type PollSession struct {
	sessionBase

	lastActive atomic.Int64
}

func NewPollSession(userID uint, now time.Time) *PollSession {
	session := &PollSession{
		sessionBase: sessionBase{id: uuid.NewString(), userID: userID},
	}
	session.Touch(now)
	return session
}

func (v *PollSession) Mode() Mode { return ModePoll }

func (v *PollSession) Touch(now time.Time) {
	v.lastActive.Store(now.UnixNano())
}

func (v *PollSession) LastActive() time.Time {
	return time.Unix(0, v.lastActive.Load())
}

func (v *PollSession) close() error { return nil }
