package models

import (
	"fmt"
	"strconv"
	"strings"
)

type ScopeKind string

const (
	ScopeChannel      = ScopeKind("channel")
	ScopeConversation = ScopeKind("conversation")
	// ScopeUser only addresses the private room of an account.
	// Messages never target it.
	ScopeUser = ScopeKind("user")
)

// Scope is the single addressable context a message lives in,
// or the private room of a user on the transport side.
type Scope struct {
	Kind ScopeKind `json:"scope_kind"`
	ID   uint      `json:"scope_id"`
}

func ChannelScope(id uint) Scope      { return Scope{Kind: ScopeChannel, ID: id} }
func ConversationScope(id uint) Scope { return Scope{Kind: ScopeConversation, ID: id} }
func UserScope(id uint) Scope         { return Scope{Kind: ScopeUser, ID: id} }

// IsMessageScope reports whether messages can target this scope.
func (v Scope) IsMessageScope() bool {
	return (v.Kind == ScopeChannel || v.Kind == ScopeConversation) && v.ID > 0
}

// Room is the key used by the room registry and the transport.
func (v Scope) Room() string {
	return fmt.Sprintf("%s:%d", v.Kind, v.ID)
}

func (v Scope) String() string {
	return v.Room()
}

func ParseScopeKind(in string) (ScopeKind, error) {
	switch kind := ScopeKind(strings.ToLower(strings.TrimSpace(in))); kind {
	case ScopeChannel, ScopeConversation:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown scope kind %q", in)
	}
}

// ParseRoom turns a room key back into a scope.
func ParseRoom(room string) (Scope, error) {
	kind, id, ok := strings.Cut(room, ":")
	if !ok {
		return Scope{}, fmt.Errorf("malformed room %q", room)
	}
	num, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return Scope{}, fmt.Errorf("malformed room %q: %v", room, err)
	}
	return Scope{Kind: ScopeKind(kind), ID: uint(num)}, nil
}
