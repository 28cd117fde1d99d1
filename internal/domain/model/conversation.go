package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ConversationType distinguishes one-to-one threads from group rooms.
type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

// Conversation is owned by the conversation store; the fanout layer reads it
// for authorization and patches lastMessage metadata and, when a private
// conversation lost a participant, its participant list.
type Conversation struct {
	ID            uuid.UUID        `json:"id"`
	Type          ConversationType `json:"type"`
	Participants  []uuid.UUID      `json:"participants"`
	LastMessage   string           `json:"last_message,omitempty"`
	LastMessageAt time.Time        `json:"last_message_at,omitempty"`
}

// Clone returns an independent copy. Conversations ride as event payloads
// into connection mailboxes where they are marshalled concurrently, so
// callers must never share one instance with a cache.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = append([]uuid.UUID(nil), c.Participants...)
	return &cp
}

// DistinctParticipants returns the participant list with duplicates removed.
func (c *Conversation) DistinctParticipants() []uuid.UUID {
	return lo.Uniq(c.Participants)
}

// HasParticipant reports membership of a user in the conversation.
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	return lo.Contains(c.Participants, userID)
}

// Degraded reports whether a private conversation has fewer than two
// distinct participants and needs repair before fanout can proceed.
func (c *Conversation) Degraded() bool {
	return c.Type == ConversationPrivate && len(c.DistinctParticipants()) < 2
}
