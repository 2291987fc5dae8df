package models

import (
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/reactions"
	"gorm.io/datatypes"
)

type Attachment struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

type Message struct {
	BaseModel

	Uuid        string                          `json:"uuid" gorm:"uniqueIndex;size:64"`
	Body        string                          `json:"body"`
	SenderID    uint                            `json:"sender_id" gorm:"index"`
	ScopeKind   ScopeKind                       `json:"scope_kind" gorm:"index:idx_messages_scope;size:32"`
	ScopeID     uint                            `json:"scope_id" gorm:"index:idx_messages_scope"`
	ReplyID     *uint                           `json:"reply_id,omitempty"`
	Attachments datatypes.JSONSlice[Attachment] `json:"attachments"`
	Reactions   reactions.Set                   `json:"reactions" gorm:"type:jsonb"`
	IsEdited    bool                            `json:"is_edited"`
	EditedAt    *time.Time                      `json:"edited_at,omitempty"`
}

func (v Message) Scope() Scope {
	return Scope{Kind: v.ScopeKind, ID: v.ScopeID}
}

// MessagePatch carries the fields an update may change.
// Nil fields are left untouched.
type MessagePatch struct {
	Body        *string
	Attachments *[]Attachment
	Reactions   reactions.Set
	Scope       *Scope
}

// Edits reports whether the patch changes user visible content.
func (v MessagePatch) Edits() bool {
	return v.Body != nil || v.Attachments != nil
}

// Apply merges the patch into the message, the scope is never copied.
func (v MessagePatch) Apply(message *Message, now time.Time) {
	if v.Body != nil {
		message.Body = *v.Body
	}
	if v.Attachments != nil {
		message.Attachments = *v.Attachments
	}
	if v.Reactions != nil {
		message.Reactions = v.Reactions.Clone()
	}
	if v.Edits() {
		message.IsEdited = true
		message.EditedAt = &now
	}
	message.UpdatedAt = now
}
