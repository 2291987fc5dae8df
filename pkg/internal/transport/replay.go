package transport

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

type Event struct {
	Seq     uint64    `json:"seq"`
	Room    string    `json:"room"`
	Name    string    `json:"w"`
	Payload any       `json:"p"`
	At      time.Time `json:"at"`
}

// ReplayBuffer keeps the latest events of one room for polling clients.
// Events leave the buffer when it holds more than capacity events or when
// they are older than ttl, whichever happens first.
type ReplayBuffer struct {
	sync.Mutex

	room     string
	events   *deque.Deque[Event]
	capacity int
	ttl      time.Duration

	head    uint64
	evicted uint64
}

// NewReplayBuffer starts the buffer at seq, cursors older than seq can
// never be served from it.
func NewReplayBuffer(room string, capacity int, ttl time.Duration, seq uint64) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &ReplayBuffer{
		room:     room,
		events:   deque.New[Event](capacity),
		capacity: capacity,
		ttl:      ttl,
		head:     seq,
		evicted:  seq,
	}
}

func (v *ReplayBuffer) Append(evt Event) {
	v.Lock()
	defer v.Unlock()

	v.expire(evt.At)
	for v.events.Len() >= v.capacity {
		v.evicted = v.events.PopFront().Seq
	}
	v.events.PushBack(evt)
	v.head = evt.Seq
}

func (v *ReplayBuffer) Head() uint64 {
	v.Lock()
	defer v.Unlock()
	return v.head
}

// Since returns the events after cursor and the cursor to use next time.
// When events after cursor were already evicted, or the cursor was never
// issued by this buffer, it reports resync instead of a partial list.
func (v *ReplayBuffer) Since(cursor uint64, now time.Time) (out []Event, next uint64, resync bool) {
	v.Lock()
	defer v.Unlock()

	v.expire(now)
	if cursor < v.evicted || cursor > v.head {
		return nil, v.head, true
	}

	for i := 0; i < v.events.Len(); i++ {
		if evt := v.events.At(i); evt.Seq > cursor {
			out = append(out, evt)
		}
	}
	return out, v.head, false
}

func (v *ReplayBuffer) Len() int {
	v.Lock()
	defer v.Unlock()
	return v.events.Len()
}

func (v *ReplayBuffer) expire(now time.Time) {
	if v.ttl <= 0 {
		return
	}
	deadline := now.Add(-v.ttl)
	for v.events.Len() > 0 && v.events.Front().At.Before(deadline) {
		v.evicted = v.events.PopFront().Seq
	}
}
