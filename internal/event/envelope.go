// Package event decodes server-pushed frames and moves them through an
// ordered persist-then-dispatch pipeline.
package event

import (
	"encoding/json"
	"time"
)

// Event types the engine itself interprets.
const (
	TypeHealthCheck     = "health.check"
	TypeConnectionError = "connection.error"

	TypeMessageNew     = "message.new"
	TypeMessageUpdated = "message.updated"
	TypeMessageDeleted = "message.deleted"
	TypeMessageRead    = "message.read"

	TypeNotificationMessageNew  = "notification.message_new"
	TypeNotificationMarkRead    = "notification.mark_read"
	TypeNotificationMarkAllRead = "notification.mark_all_read"

	TypeChannelUpdated = "channel.updated"
	TypeChannelDeleted = "channel.deleted"

	TypeMemberAdded   = "member.added"
	TypeMemberUpdated = "member.updated"
	TypeMemberRemoved = "member.removed"

	TypeUserUpdated         = "user.updated"
	TypeUserPresenceChanged = "user.presence.changed"
)

// ErrorPayload is the body of a server error frame.
type ErrorPayload struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"StatusCode"`
}

// Envelope is one decoded event. It is not modified after decoding except
// for Seq, which the pipeline assigns on append.
type Envelope struct {
	Type         string
	CreatedAt    time.Time
	ChannelID    string
	UserID       string
	ConnectionID string
	Error        *ErrorPayload
	Raw          json.RawMessage
	Seq          uint64
}

// IsControl reports whether the envelope is consumed by the connection layer
// rather than persisted.
func (e Envelope) IsControl() bool {
	return e.Type == TypeHealthCheck || e.Type == TypeConnectionError
}
