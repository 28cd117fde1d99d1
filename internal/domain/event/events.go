package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/domain/model"
)

var _ Eventer = (*Event)(nil)

// Event is the single concrete Eventer. Constructors below fix the invariant
// per kind: business events reuse the message ID so that the room emission
// and the personal emission of one logical event collapse at the receiver.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	UserID     uuid.UUID `json:"user_id,omitzero"`
	Priority   Priority  `json:"priority"`
	OccurredAt int64     `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

func (e *Event) GetID() string         { return e.ID }
func (e *Event) GetKind() Kind         { return e.Kind }
func (e *Event) GetUserID() uuid.UUID  { return e.UserID }
func (e *Event) GetPriority() Priority { return e.Priority }
func (e *Event) GetOccurredAt() int64  { return e.OccurredAt }
func (e *Event) GetPayload() any       { return e.Payload }

// WithTarget returns a copy routed to a specific user, preserving the event
// identity for receiver-side de-duplication.
func (e *Event) WithTarget(userID uuid.UUID) *Event {
	clone := *e
	clone.UserID = userID
	return &clone
}

func newEvent(id string, kind Kind, prio Priority, payload any) *Event {
	return &Event{
		ID:         id,
		Kind:       kind,
		Priority:   prio,
		OccurredAt: time.Now().UnixMilli(),
		Payload:    payload,
	}
}

// NewMessageCreated wraps a freshly persisted message for fanout.
func NewMessageCreated(msg *model.Message) *Event {
	return newEvent(msg.ID.String(), NewMessage, PriorityHigh, msg)
}

// NewConversationUpdated announces lastMessage metadata changes.
func NewConversationUpdated(conv *model.Conversation) *Event {
	return newEvent(uuid.NewString(), ConversationUpdated, PriorityNormal, conv)
}

type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
}

// NewUserTyping is an ephemeral signal; it is throttled upstream and safe
// to drop under backpressure.
func NewUserTyping(conversationID, userID uuid.UUID) *Event {
	return newEvent(uuid.NewString(), UserTyping, PriorityLow,
		TypingPayload{ConversationID: conversationID, UserID: userID})
}

// NewMessageRecalled announces that a message was recalled by its sender.
func NewMessageRecalled(msg *model.Message) *Event {
	return newEvent("recall."+msg.ID.String(), MessageRecalled, PriorityHigh, msg)
}

type ReadPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	UserID         uuid.UUID `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
}

// NewMessageRead announces an applied read receipt.
func NewMessageRead(p ReadPayload) *Event {
	return newEvent("read."+p.MessageID.String()+"."+p.UserID.String(), MessageRead, PriorityLow, p)
}

type PresencePayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// NewUserOnline fires on the 0→1 device transition for a user.
func NewUserOnline(userID uuid.UUID) *Event {
	return newEvent(uuid.NewString(), UserOnline, PriorityNormal, PresencePayload{UserID: userID})
}

// NewUserOffline fires on the 1→0 device transition for a user.
func NewUserOffline(userID uuid.UUID) *Event {
	return newEvent(uuid.NewString(), UserOffline, PriorityNormal, PresencePayload{UserID: userID})
}

type DevicesPayload struct {
	UserID   uuid.UUID       `json:"user_id"`
	Sessions []model.Session `json:"sessions"`
}

// NewDevicesUpdated informs a user's other devices about session changes.
func NewDevicesUpdated(userID uuid.UUID, sessions []model.Session) *Event {
	return newEvent(uuid.NewString(), DevicesUpdated, PriorityNormal,
		DevicesPayload{UserID: userID, Sessions: sessions})
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError carries a request failure back to the offending connection only.
func NewError(code, msg string) *Event {
	return newEvent(uuid.NewString(), Error, PriorityHigh, ErrorPayload{Code: code, Message: msg})
}
