package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates message payload rendering on the client side.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// RecalledPlaceholder replaces the content of a recalled message.
const RecalledPlaceholder = "This message was recalled"

// ReadReceipt records that a participant has seen a message.
type ReadReceipt struct {
	UserID uuid.UUID `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Message is the core conversation entity. It is created once on send and
// mutated in place only to append read receipts or to mark a recall.
type Message struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	SenderID       uuid.UUID     `json:"sender_id"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	CreatedAt      time.Time     `json:"created_at"`
	ReadBy         []ReadReceipt `json:"read_by,omitempty"`
	Recalled       bool          `json:"recalled,omitempty"`
}

// Before reports whether m sorts strictly before other in the conversation
// timeline. Creation time orders messages, message ID breaks ties.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID.String() < other.ID.String()
}

// MarkReadBy appends a read receipt unless the user already has one.
// Returns true if the receipt was actually added.
func (m *Message) MarkReadBy(userID uuid.UUID, at time.Time) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return false
		}
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
	return true
}

// Recall flags the message as recalled and blanks its content.
func (m *Message) Recall() {
	m.Recalled = true
	m.Content = RecalledPlaceholder
}
