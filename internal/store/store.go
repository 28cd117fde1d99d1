// Package store declares the persistence collaborators the delivery core
// consumes, and ships a BadgerDB-backed implementation as the default.
// Fanout and registry logic depend only on the interfaces.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/domain/model"
)

// ConversationPatch carries partial conversation updates. Nil fields are
// left untouched.
type ConversationPatch struct {
	Participants  []uuid.UUID
	LastMessage   *string
	LastMessageAt *time.Time
}

// ConversationStore is the conversation collaborator.
type ConversationStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Conversation, error)
	Update(ctx context.Context, id uuid.UUID, patch ConversationPatch) error
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	// ListByParticipant feeds conversation repair and presence fanout.
	ListByParticipant(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error)
}

// ReadMark is one pending read receipt, batched before persistence.
type ReadMark struct {
	MessageID uuid.UUID
	UserID    uuid.UUID
	ReadAt    time.Time
}

// MessageStore is the message collaborator. LoadMessages returns the
// conversation's messages ordered by (createdAt, id) ascending.
type MessageStore interface {
	Create(ctx context.Context, msg *model.Message) (*model.Message, error)
	LoadMessages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error)
	Save(ctx context.Context, conversationID uuid.UUID, msgs []model.Message) error
	// MarkRead applies a batch of receipts and returns the marks that were
	// actually new (already-read duplicates are filtered out).
	MarkRead(ctx context.Context, conversationID uuid.UUID, marks []ReadMark) ([]ReadMark, error)
}

// TokenDirectory resolves push tokens for offline participants.
type TokenDirectory interface {
	TokensByUserIDs(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID][]string, error)
}

// PushGateway delivers one best-effort push notification. There is no
// delivery confirmation guarantee.
type PushGateway interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// UserDirectory enumerates known users; the conversation repairer's last
// resort draws from it.
type UserDirectory interface {
	KnownUsers(ctx context.Context) ([]uuid.UUID, error)
}
