package rooms

import (
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
)

type room struct {
	sync.Mutex
	sessions map[string]struct{}
	// Set once the room became empty and was removed from the registry.
	// Holders of a stale pointer must look the room up again.
	reclaimed bool
}

type sessionIndex struct {
	sync.Mutex
	rooms   map[string]struct{}
	dropped bool
}

// Registry maps room keys to the sessions subscribed to them.
// Every room carries its own lock so unrelated rooms never contend.
type Registry struct {
	rooms    *xsync.MapOf[string, *room]
	sessions *xsync.MapOf[string, *sessionIndex]
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    xsync.NewMapOf[string, *room](),
		sessions: xsync.NewMapOf[string, *sessionIndex](),
	}
}

func (v *Registry) Subscribe(sessionID, key string) {
	for {
		idx, _ := v.sessions.LoadOrCompute(sessionID, func() *sessionIndex {
			return &sessionIndex{rooms: make(map[string]struct{})}
		})
		idx.Lock()
		if idx.dropped {
			idx.Unlock()
			continue
		}
		if _, ok := idx.rooms[key]; !ok {
			v.joinRoom(sessionID, key)
			idx.rooms[key] = struct{}{}
		}
		idx.Unlock()
		return
	}
}

func (v *Registry) Unsubscribe(sessionID, key string) {
	idx, ok := v.sessions.Load(sessionID)
	if !ok {
		return
	}
	idx.Lock()
	defer idx.Unlock()
	if _, ok := idx.rooms[key]; !ok {
		return
	}
	delete(idx.rooms, key)
	v.leaveRoom(sessionID, key)
	if len(idx.rooms) == 0 {
		idx.dropped = true
		v.sessions.Delete(sessionID)
	}
}

// DropSession removes the session from every room it joined and
// returns those rooms. Once it returns, SessionsFor never reports the session.
func (v *Registry) DropSession(sessionID string) []string {
	idx, ok := v.sessions.LoadAndDelete(sessionID)
	if !ok {
		return nil
	}
	idx.Lock()
	defer idx.Unlock()
	idx.dropped = true

	left := lo.Keys(idx.rooms)
	for _, key := range left {
		v.leaveRoom(sessionID, key)
	}
	idx.rooms = make(map[string]struct{})

	slices.Sort(left)
	return left
}

// SessionsFor returns the sessions subscribed to the room.
// An unknown room yields an empty result.
func (v *Registry) SessionsFor(key string) []string {
	r, ok := v.rooms.Load(key)
	if !ok {
		return nil
	}
	r.Lock()
	out := lo.Keys(r.sessions)
	r.Unlock()
	slices.Sort(out)
	return out
}

func (v *Registry) RoomsOf(sessionID string) []string {
	idx, ok := v.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	idx.Lock()
	out := lo.Keys(idx.rooms)
	idx.Unlock()
	slices.Sort(out)
	return out
}

func (v *Registry) Count(key string) int {
	r, ok := v.rooms.Load(key)
	if !ok {
		return 0
	}
	r.Lock()
	defer r.Unlock()
	return len(r.sessions)
}

// Size returns the number of non-empty rooms.
func (v *Registry) Size() int {
	return v.rooms.Size()
}

func (v *Registry) joinRoom(sessionID, key string) {
	for {
		r, _ := v.rooms.LoadOrCompute(key, func() *room {
			return &room{sessions: make(map[string]struct{})}
		})
		r.Lock()
		if r.reclaimed {
			r.Unlock()
			continue
		}
		r.sessions[sessionID] = struct{}{}
		r.Unlock()
		return
	}
}

func (v *Registry) leaveRoom(sessionID, key string) {
	r, ok := v.rooms.Load(key)
	if !ok {
		return
	}
	r.Lock()
	defer r.Unlock()
	delete(r.sessions, sessionID)
	if len(r.sessions) == 0 && !r.reclaimed {
		r.reclaimed = true
		v.rooms.Delete(key)
	}
}
