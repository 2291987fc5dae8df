package models

import jsoniter "github.com/json-iterator/go"

const (
	EventMessageNew        = "message:new"
	EventMessageEdited     = "message:edited"
	EventMessageDeleted    = "message:deleted"
	EventMessageReaction   = "message:reaction"
	EventNotificationDelta = "notification:delta"
	EventNotificationRead  = "notification:read"
	EventResync            = "resync"
	EventStatusTyping      = "status:typing"
)

// Event payloads

type MessageDeletedPayload struct {
	MessageID uint `json:"message_id"`
	Scope
}

type MessageReactionPayload struct {
	MessageID uint   `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    uint   `json:"user_id"`
	Applied   bool   `json:"applied"`
	Scope
}

type NotificationDeltaPayload struct {
	Scope
	Count int64 `json:"count"`
	Total int64 `json:"total"`
	// Set when the delta was caused by a new message.
	MessageID  uint   `json:"message_id,omitempty"`
	ReplyToken string `json:"reply_token,omitempty"`
}

type NotificationReadPayload struct {
	Scope
}

type ResyncPayload struct {
	Scope
}

type TypingPayload struct {
	Scope
	UserID uint `json:"user_id"`
}

// UnifiedCommand is the frame exchanged over the websocket gateway.
type UnifiedCommand struct {
	Action  string `json:"w"`
	Message string `json:"m,omitempty"`
	Payload any    `json:"p"`
}

func UnifiedCommandFromError(err error) UnifiedCommand {
	return UnifiedCommand{
		Action:  "error",
		Message: err.Error(),
	}
}

func (v UnifiedCommand) Marshal() []byte {
	data, _ := jsoniter.Marshal(v)
	return data
}
