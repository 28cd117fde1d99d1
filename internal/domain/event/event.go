package event

import "github.com/google/uuid"

// Kind enumerates every outbound signal the delivery core produces.
type Kind int16

const (
	NewMessage Kind = iota + 1
	ConversationUpdated
	UserTyping
	MessageRecalled
	MessageRead
	UserOnline
	UserOffline
	DevicesUpdated
	Error
)

// wireNames maps kinds to the names clients see on the wire.
var wireNames = map[Kind]string{
	NewMessage:          "new-message",
	ConversationUpdated: "conversation-updated",
	UserTyping:          "user-typing",
	MessageRecalled:     "message-recalled",
	MessageRead:         "message-read",
	UserOnline:          "user-online",
	UserOffline:         "user-offline",
	DevicesUpdated:      "devices-updated",
	Error:               "error",
}

func (k Kind) String() string {
	if s, ok := wireNames[k]; ok {
		return s
	}
	return "unknown"
}

type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
)

// Eventer is the contract for every data packet flowing through the
// registry mailboxes and the conversation bus.
//
// GetUserID is the physical routing target of this event instance; it is
// uuid.Nil for room-scoped emissions, where the conversation topic already
// identifies the audience. GetID is stable across the room and the personal
// emission of the same logical event so receivers can de-duplicate.
type Eventer interface {
	GetID() string
	GetKind() Kind
	GetUserID() uuid.UUID
	GetPriority() Priority
	GetOccurredAt() int64
	GetPayload() any
}
