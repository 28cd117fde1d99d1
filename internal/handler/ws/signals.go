package ws

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Inbound frame names.
const (
	sigJoin              = "join"
	sigJoinConversation  = "join-conversation"
	sigLeaveConversation = "leave-conversation"
	sigSendMessage       = "send-message"
	sigTyping            = "typing"
	sigMarkRead          = "mark-read"
	sigRecallMessage     = "recall-message"
	sigLogoutDevice      = "logout-device"
	sigLogoutAll         = "logout-all-devices"
)

// inboundFrame is the envelope every client frame shares.
type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
}

type conversationPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type sendMessagePayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
}

type messageRefPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
}

type logoutDevicePayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// connectedPayload acknowledges a successful join.
type connectedPayload struct {
	Ok           bool   `json:"ok"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}
