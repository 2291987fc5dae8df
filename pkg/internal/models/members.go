package models

import "time"

// ScopeMember backs the membership lookups, one row per account in a scope.
type ScopeMember struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	ScopeKind ScopeKind `json:"scope_kind" gorm:"uniqueIndex:idx_scope_member;size:32"`
	ScopeID   uint      `json:"scope_id" gorm:"uniqueIndex:idx_scope_member"`
	AccountID uint      `json:"account_id" gorm:"uniqueIndex:idx_scope_member;index"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadMarker is the persisted last read timestamp of an account in a scope.
type ReadMarker struct {
	AccountID  uint      `json:"account_id" gorm:"primaryKey;autoIncrement:false"`
	ScopeKind  ScopeKind `json:"scope_kind" gorm:"primaryKey;size:32"`
	ScopeID    uint      `json:"scope_id" gorm:"primaryKey;autoIncrement:false"`
	LastReadAt time.Time `json:"last_read_at"`
}

func (v ReadMarker) Scope() Scope {
	return Scope{Kind: v.ScopeKind, ID: v.ScopeID}
}
