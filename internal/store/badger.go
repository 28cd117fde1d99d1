package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/domain/model"
	"github.com/samber/lo"
)

// Key layout:
//
//	conv:<convID>                     conversation record
//	msg:<convID>:<nano:020d>:<msgID>  message record, lexically ordered by
//	                                  creation time with ID tie-break
//	msgidx:<convID>:<msgID>           message primary key, for id lookups
//	ptok:<userID>                     push token list
type Badger struct {
	db  *badger.DB
	log *slog.Logger
}

var (
	_ ConversationStore = (*Badger)(nil)
	_ MessageStore      = (*Badger)(nil)
	_ TokenDirectory    = (*Badger)(nil)
	_ UserDirectory     = (*Badger)(nil)
)

func NewBadger(db *badger.DB, log *slog.Logger) *Badger {
	return &Badger{db: db, log: log}
}

func convKey(id uuid.UUID) []byte { return fmt.Appendf(nil, "conv:%s", id) }

func msgKey(convID uuid.UUID, msg *model.Message) []byte {
	return fmt.Appendf(nil, "msg:%s:%020d:%s", convID, msg.CreatedAt.UnixNano(), msg.ID)
}

func msgIdxKey(convID, msgID uuid.UUID) []byte {
	return fmt.Appendf(nil, "msgidx:%s:%s", convID, msgID)
}

func tokenKey(userID uuid.UUID) []byte { return fmt.Appendf(nil, "ptok:%s", userID) }

func getJSON[T any](txn *badger.Txn, key []byte, out *T) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// --- ConversationStore ---

func (b *Badger) FindByID(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	var conv model.Conversation
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, convKey(id), &conv)
	})
	if err != nil {
		return nil, fmt.Errorf("find conversation %s: %w", id, err)
	}
	return &conv, nil
}

// PutConversation creates or replaces a conversation record. Not part of the
// ConversationStore contract; used by provisioning and tests.
func (b *Badger) PutConversation(ctx context.Context, conv *model.Conversation) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, convKey(conv.ID), conv)
	})
}

func (b *Badger) Update(ctx context.Context, id uuid.UUID, patch ConversationPatch) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		var conv model.Conversation
		if err := getJSON(txn, convKey(id), &conv); err != nil {
			return err
		}
		if patch.Participants != nil {
			conv.Participants = patch.Participants
		}
		if patch.LastMessage != nil {
			conv.LastMessage = *patch.LastMessage
		}
		if patch.LastMessageAt != nil {
			conv.LastMessageAt = *patch.LastMessageAt
		}
		return setJSON(txn, convKey(id), &conv)
	})
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", id, err)
	}
	return nil
}

func (b *Badger) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	conv, err := b.FindByID(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(userID), nil
}

func (b *Badger) ListByParticipant(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error) {
	var out []model.Conversation
	err := b.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, []byte("conv:"), func(val []byte) error {
			var conv model.Conversation
			if err := json.Unmarshal(val, &conv); err != nil {
				return err
			}
			if conv.HasParticipant(userID) {
				out = append(out, conv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations of %s: %w", userID, err)
	}
	return out, nil
}

// --- MessageStore ---

func (b *Badger) Create(ctx context.Context, msg *model.Message) (*model.Message, error) {
	err := b.db.Update(func(txn *badger.Txn) error {
		key := msgKey(msg.ConversationID, msg)
		if err := setJSON(txn, key, msg); err != nil {
			return err
		}
		return txn.Set(msgIdxKey(msg.ConversationID, msg.ID), key)
	})
	if err != nil {
		return nil, fmt.Errorf("create message %s: %w", msg.ID, err)
	}
	return msg, nil
}

func (b *Badger) LoadMessages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	var msgs []model.Message
	prefix := fmt.Appendf(nil, "msg:%s:", conversationID)
	err := b.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefix, func(val []byte) error {
			var m model.Message
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			msgs = append(msgs, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load messages of %s: %w", conversationID, err)
	}
	// Key order already matches (createdAt, id); the explicit sort keeps the
	// contract independent of the key encoding.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Before(&msgs[j]) })
	return msgs, nil
}

func (b *Badger) Save(ctx context.Context, conversationID uuid.UUID, msgs []model.Message) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for i := range msgs {
			if err := setJSON(txn, msgKey(conversationID, &msgs[i]), &msgs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save messages of %s: %w", conversationID, err)
	}
	return nil
}

func (b *Badger) MarkRead(ctx context.Context, conversationID uuid.UUID, marks []ReadMark) ([]ReadMark, error) {
	var applied []ReadMark
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, mark := range marks {
			var primary []byte
			item, err := txn.Get(msgIdxKey(conversationID, mark.MessageID))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					b.log.Warn("read receipt for unknown message",
						"conversation_id", conversationID,
						"message_id", mark.MessageID,
					)
					continue
				}
				return err
			}
			if primary, err = item.ValueCopy(nil); err != nil {
				return err
			}

			var msg model.Message
			if err := getJSON(txn, primary, &msg); err != nil {
				return err
			}
			if !msg.MarkReadBy(mark.UserID, mark.ReadAt) {
				continue
			}
			if err := setJSON(txn, primary, &msg); err != nil {
				return err
			}
			applied = append(applied, mark)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark read in %s: %w", conversationID, err)
	}
	return applied, nil
}

// --- TokenDirectory ---

func (b *Badger) TokensByUserIDs(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID][]string, error) {
	out := make(map[uuid.UUID][]string, len(userIDs))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, userID := range userIDs {
			var tokens []string
			if err := getJSON(txn, tokenKey(userID), &tokens); err != nil {
				if errors.Is(err, model.ErrNotFound) {
					continue
				}
				return err
			}
			if len(tokens) > 0 {
				out[userID] = tokens
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve push tokens: %w", err)
	}
	return out, nil
}

// SetTokens replaces a user's push token list. Not part of the
// TokenDirectory contract; token registration lives outside this core.
func (b *Badger) SetTokens(ctx context.Context, userID uuid.UUID, tokens []string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, tokenKey(userID), tokens)
	})
}

// --- UserDirectory ---

// KnownUsers returns the union of all conversation participants.
func (b *Badger) KnownUsers(ctx context.Context) ([]uuid.UUID, error) {
	var users []uuid.UUID
	err := b.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, []byte("conv:"), func(val []byte) error {
			var conv model.Conversation
			if err := json.Unmarshal(val, &conv); err != nil {
				return err
			}
			users = append(users, conv.Participants...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate known users: %w", err)
	}
	return lo.Uniq(users), nil
}

func iteratePrefix(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
