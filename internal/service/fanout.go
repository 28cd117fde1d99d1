// Package service orchestrates message fanout: validate, persist, then
// deliver to live connections or fall back to push for offline
// participants. It runs on top of the connection registry, the room bus,
// the coalescing primitives and the admission queues.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/admission"
	"github.com/nexachat/delivery-service/internal/cache"
	"github.com/nexachat/delivery-service/internal/coalesce"
	"github.com/nexachat/delivery-service/internal/domain/event"
	"github.com/nexachat/delivery-service/internal/domain/model"
	"github.com/nexachat/delivery-service/internal/domain/registry"
	"github.com/nexachat/delivery-service/internal/push"
	"github.com/nexachat/delivery-service/internal/store"
)

// RoomPublisher is the conversation shared channel as the fanout sees it.
type RoomPublisher interface {
	Publish(ctx context.Context, conversationID uuid.UUID, ev event.Eventer) error
}

// Notifier is the detached push fallback for offline participants.
type Notifier interface {
	Notify(userIDs []uuid.UUID, n push.Notification)
}

// Options tunes the fanout's coalescing and caching behavior.
type Options struct {
	ConversationTTL time.Duration
	TypingInterval  time.Duration
	ReadBatchSize   int
	ReadBatchDelay  time.Duration
}

// Fanout decides, for every newly created message or ephemeral signal,
// which live connections receive it immediately and which offline users
// get a push notification instead.
type Fanout struct {
	registry  *registry.Registry
	rooms     RoomPublisher
	convs     store.ConversationStore
	msgs      store.MessageStore
	users     store.UserDirectory
	notifier  Notifier
	admission *admission.Manager
	logger    *slog.Logger
	opts      Options

	convCache *cache.Cache[uuid.UUID, *model.Conversation]
	receipts  *coalesce.Batcher[store.ReadMark]
	typing    *coalesce.Throttler
}

func NewFanout(
	reg *registry.Registry,
	rooms RoomPublisher,
	convs store.ConversationStore,
	msgs store.MessageStore,
	users store.UserDirectory,
	notifier Notifier,
	adm *admission.Manager,
	clock coalesce.Clock,
	convCache *cache.Cache[uuid.UUID, *model.Conversation],
	logger *slog.Logger,
	opts Options,
) *Fanout {
	f := &Fanout{
		registry:  reg,
		rooms:     rooms,
		convs:     convs,
		msgs:      msgs,
		users:     users,
		notifier:  notifier,
		admission: adm,
		logger:    logger,
		opts:      opts,
		convCache: convCache,
		typing:    coalesce.NewThrottler(clock, logger),
	}
	f.receipts = coalesce.NewBatcher(clock, logger, opts.ReadBatchSize, opts.ReadBatchDelay, f.flushReceipts)
	return f
}

// Send validates, persists and fans out one message.
//
// Persistence failure aborts atomically: the message is either fully
// created and eligible for broadcast, or not created and not broadcast.
// Push failures for offline participants never reach the sender, since
// in-app delivery already succeeded independently per participant.
func (f *Fanout) Send(ctx context.Context, conversationID, senderID uuid.UUID, content string, msgType model.MessageType) (*model.Message, error) {
	conv, err := f.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, fmt.Errorf("%w: user %s is not a participant of %s", model.ErrAuthorization, senderID, conversationID)
	}

	if conv.Degraded() {
		conv, err = f.repairConversation(ctx, conv, senderID)
		if err != nil {
			return nil, err
		}
	}

	msg := &model.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		CreatedAt:      time.Now(),
	}

	if _, err := f.storeQueue().Do(ctx, int(event.PriorityNormal), func(ctx context.Context) (any, error) {
		return f.msgs.Create(ctx, msg)
	}); err != nil {
		// Report to the sender only; nothing was broadcast.
		return nil, fmt.Errorf("%w: create message: %w", model.ErrPersistence, err)
	}

	f.patchLastMessage(ctx, conv, msg)
	f.deliver(ctx, conv, msg, senderID)
	return msg, nil
}

// Recall marks a message recalled and broadcasts the recall to the
// conversation channel and every participant's personal channel, covering
// participants not currently viewing the conversation.
func (f *Fanout) Recall(ctx context.Context, conversationID, messageID, senderID uuid.UUID) error {
	conv, err := f.conversation(ctx, conversationID)
	if err != nil {
		return err
	}

	msgs, err := f.msgs.LoadMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("%w: load messages: %w", model.ErrPersistence, err)
	}
	idx := -1
	for i := range msgs {
		if msgs[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: message %s", model.ErrNotFound, messageID)
	}
	if msgs[idx].SenderID != senderID {
		return fmt.Errorf("%w: message %s belongs to another user", model.ErrAuthorization, messageID)
	}

	msgs[idx].Recall()
	if _, err := f.storeQueue().Do(ctx, int(event.PriorityNormal), func(ctx context.Context) (any, error) {
		return nil, f.msgs.Save(ctx, conversationID, msgs)
	}); err != nil {
		return fmt.Errorf("%w: save recall: %w", model.ErrPersistence, err)
	}

	ev := event.NewMessageRecalled(&msgs[idx])
	f.broadcast(ctx, conv, ev)
	return nil
}

// MarkRead enqueues a read receipt; many calls collapse into one
// persistence pass per flush. The read notification goes out to the
// conversation channel once the receipt is actually applied. Only
// participants may leave receipts.
func (f *Fanout) MarkRead(ctx context.Context, conversationID, messageID, userID uuid.UUID) error {
	if err := f.requireParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	f.receipts.Add(conversationID.String(), store.ReadMark{
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    time.Now(),
	})
	return nil
}

// FlushReceipts forces pending read receipts out, used on shutdown.
func (f *Fanout) FlushReceipts() {
	f.receipts.FlushAll()
}

// Typing throttles a user's typing signal per conversation: at most one
// user-typing emission per interval, latest burst entry winning the
// trailing edge. Non-participants cannot signal into a room.
func (f *Fanout) Typing(ctx context.Context, conversationID, userID uuid.UUID) error {
	if err := f.requireParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	key := conversationID.String() + ":" + userID.String()
	f.typing.Do(key, f.opts.TypingInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := f.rooms.Publish(ctx, conversationID, event.NewUserTyping(conversationID, userID)); err != nil {
			f.logger.Warn("typing publish failed", "conversation_id", conversationID, "error", err)
		}
	})
	return nil
}

// requireParticipant is the shared membership gate for signals that do not
// otherwise load the conversation.
func (f *Fanout) requireParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	conv, err := f.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("%w: user %s is not a participant of %s", model.ErrAuthorization, userID, conversationID)
	}
	return nil
}

// StopCoalescers drops pending throttles and flushes pending batches.
func (f *Fanout) StopCoalescers() {
	f.typing.Stop()
	f.receipts.FlushAll()
}

// conversation serves reads through the TTL cache. The cache is never
// authoritative: misses fall through to the store, and mutation paths
// invalidate the entry. Callers always get their own copy; the cached
// record must not leak into event payloads that outlive this call.
func (f *Fanout) conversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	if conv, ok := f.convCache.Get(id); ok {
		return conv.Clone(), nil
	}
	conv, err := f.convs.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: find conversation: %w", model.ErrPersistence, err)
	}
	f.convCache.Set(id, conv, f.opts.ConversationTTL)
	return conv.Clone(), nil
}

// repairConversation runs the fallback ladder for a degraded private
// conversation and persists the corrected participant list before the
// message proceeds.
func (f *Fanout) repairConversation(ctx context.Context, conv *model.Conversation, senderID uuid.UUID) (*model.Conversation, error) {
	history, err := f.msgs.LoadMessages(ctx, conv.ID)
	if err != nil {
		f.logger.Warn("repair: history unavailable", "conversation_id", conv.ID, "error", err)
	}
	peers, err := f.convs.ListByParticipant(ctx, senderID)
	if err != nil {
		f.logger.Warn("repair: peer conversations unavailable", "user_id", senderID, "error", err)
	}
	known, err := f.users.KnownUsers(ctx)
	if err != nil {
		f.logger.Warn("repair: user directory unavailable", "error", err)
	}

	res, ok := RepairConversation(conv, senderID, history, peers, known)
	if !ok {
		f.logger.Warn("conversation unrepairable, proceeding with degraded participants",
			"conversation_id", conv.ID,
		)
		return conv, nil
	}

	if err := f.convs.Update(ctx, conv.ID, store.ConversationPatch{Participants: res.Participants}); err != nil {
		return nil, fmt.Errorf("%w: persist repaired participants: %w", model.ErrPersistence, err)
	}
	f.convCache.Remove(conv.ID)

	// Level (c) is a consistency warning, not a normal path.
	logFn := f.logger.Info
	if res.Level == RepairArbitrary {
		logFn = f.logger.Warn
	}
	logFn("conversation participants repaired",
		"conversation_id", conv.ID,
		"added_user", res.Added,
		"level", res.Level.String(),
	)

	repaired := *conv
	repaired.Participants = res.Participants
	return &repaired, nil
}

func (f *Fanout) patchLastMessage(ctx context.Context, conv *model.Conversation, msg *model.Message) {
	at := msg.CreatedAt
	content := msg.Content
	if err := f.convs.Update(ctx, conv.ID, store.ConversationPatch{
		LastMessage:   &content,
		LastMessageAt: &at,
	}); err != nil {
		// The message itself is persisted; stale metadata is tolerable.
		f.logger.Warn("conversation metadata update failed", "conversation_id", conv.ID, "error", err)
	}
	f.convCache.Remove(conv.ID)
	conv.LastMessage = content
	conv.LastMessageAt = at
}

// deliver emits the message to the conversation's shared channel and,
// independently, to every connection of every participant, so a second
// device not viewing the conversation still gets it. Receivers de-duplicate
// by event ID since both emissions can reach the same connection.
// Participants with zero live connections get one push attempt per token.
func (f *Fanout) deliver(ctx context.Context, conv *model.Conversation, msg *model.Message, senderID uuid.UUID) {
	ev := event.NewMessageCreated(msg)
	if err := f.rooms.Publish(ctx, conv.ID, ev); err != nil {
		f.logger.Warn("room publish failed", "conversation_id", conv.ID, "error", err)
	}

	convEv := event.NewConversationUpdated(conv)
	var offline []uuid.UUID
	for _, participant := range conv.DistinctParticipants() {
		// Connection state may have changed across the store round trips
		// above; take the snapshot now, not earlier.
		if f.registry.IsOnline(participant) {
			f.registry.Emit(participant, ev.WithTarget(participant))
			f.registry.Emit(participant, convEv.WithTarget(participant))
			continue
		}
		if participant != senderID {
			offline = append(offline, participant)
		}
	}

	if len(offline) > 0 {
		f.notifier.Notify(offline, push.Notification{
			Title: "New message",
			Body:  pushBody(msg),
			Data: map[string]string{
				"conversation_id": conv.ID.String(),
				"message_id":      msg.ID.String(),
			},
		})
	}
}

// broadcast sends an event to the room and to every participant's personal
// channel.
func (f *Fanout) broadcast(ctx context.Context, conv *model.Conversation, ev *event.Event) {
	if err := f.rooms.Publish(ctx, conv.ID, ev); err != nil {
		f.logger.Warn("room publish failed", "conversation_id", conv.ID, "error", err)
	}
	for _, participant := range conv.DistinctParticipants() {
		f.registry.Emit(participant, ev.WithTarget(participant))
	}
}

// flushReceipts is the batcher processor: one store write per flush, then
// one message-read emission per applied receipt.
func (f *Fanout) flushReceipts(key string, marks []store.ReadMark) {
	conversationID, err := uuid.Parse(key)
	if err != nil {
		f.logger.Error("read receipt flush with bad key", "key", key)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	applied, err := f.storeQueue().Do(ctx, int(event.PriorityLow), func(ctx context.Context) (any, error) {
		return f.msgs.MarkRead(ctx, conversationID, marks)
	})
	if err != nil {
		f.logger.Warn("read receipt persistence failed",
			"conversation_id", conversationID,
			"marks", len(marks),
			"error", err,
		)
		return
	}

	for _, mark := range applied.([]store.ReadMark) {
		ev := event.NewMessageRead(event.ReadPayload{
			ConversationID: conversationID,
			MessageID:      mark.MessageID,
			UserID:         mark.UserID,
			ReadAt:         mark.ReadAt,
		})
		if err := f.rooms.Publish(ctx, conversationID, ev); err != nil {
			f.logger.Warn("read notification publish failed", "conversation_id", conversationID, "error", err)
		}
	}
}

func (f *Fanout) storeQueue() *admission.Queue {
	return f.admission.Queue(admission.CategoryStore)
}

func pushBody(msg *model.Message) string {
	if msg.Type != model.MessageText {
		return string(msg.Type)
	}
	const max = 120
	if len(msg.Content) <= max {
		return msg.Content
	}
	// Cut on a rune boundary so multi-byte text is never split mid-character.
	cut := max
	for cut > 0 && !utf8.RuneStart(msg.Content[cut]) {
		cut--
	}
	return msg.Content[:cut]
}
