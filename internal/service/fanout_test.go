package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nexachat/delivery-service/internal/admission"
	"github.com/nexachat/delivery-service/internal/cache"
	"github.com/nexachat/delivery-service/internal/coalesce"
	"github.com/nexachat/delivery-service/internal/domain/event"
	"github.com/nexachat/delivery-service/internal/domain/model"
	"github.com/nexachat/delivery-service/internal/domain/registry"
	"github.com/nexachat/delivery-service/internal/push"
	"github.com/nexachat/delivery-service/internal/store"
)

type fakeRooms struct {
	mu     sync.Mutex
	events map[uuid.UUID][]event.Eventer
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{events: make(map[uuid.UUID][]event.Eventer)}
}

func (f *fakeRooms) Publish(_ context.Context, conversationID uuid.UUID, ev event.Eventer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[conversationID] = append(f.events[conversationID], ev)
	return nil
}

func (f *fakeRooms) published(conversationID uuid.UUID) []event.Eventer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Eventer(nil), f.events[conversationID]...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls [][]uuid.UUID
}

func (f *fakeNotifier) Notify(userIDs []uuid.UUID, _ push.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]uuid.UUID(nil), userIDs...))
}

type memConvStore struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*model.Conversation

	findErr error
	updates int
}

func newMemConvStore(convs ...*model.Conversation) *memConvStore {
	s := &memConvStore{convs: make(map[uuid.UUID]*model.Conversation)}
	for _, c := range convs {
		s.convs[c.ID] = c
	}
	return s
}

func (s *memConvStore) FindByID(_ context.Context, id uuid.UUID) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	c, ok := s.convs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *c
	cp.Participants = append([]uuid.UUID(nil), c.Participants...)
	return &cp, nil
}

func (s *memConvStore) Update(_ context.Context, id uuid.UUID, patch store.ConversationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return model.ErrNotFound
	}
	if patch.Participants != nil {
		c.Participants = patch.Participants
	}
	if patch.LastMessage != nil {
		c.LastMessage = *patch.LastMessage
	}
	if patch.LastMessageAt != nil {
		c.LastMessageAt = *patch.LastMessageAt
	}
	s.updates++
	return nil
}

func (s *memConvStore) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	c, err := s.FindByID(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return c.HasParticipant(userID), nil
}

func (s *memConvStore) ListByParticipant(_ context.Context, userID uuid.UUID) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversation
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	return out, nil
}

type memMsgStore struct {
	mu   sync.Mutex
	msgs map[uuid.UUID][]model.Message

	createErr error
	markCalls int
}

func newMemMsgStore() *memMsgStore {
	return &memMsgStore{msgs: make(map[uuid.UUID][]model.Message)}
}

func (s *memMsgStore) Create(_ context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.msgs[msg.ConversationID] = append(s.msgs[msg.ConversationID], *msg)
	return msg, nil
}

func (s *memMsgStore) LoadMessages(_ context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.msgs[conversationID]...), nil
}

func (s *memMsgStore) Save(_ context.Context, conversationID uuid.UUID, msgs []model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[conversationID] = append([]model.Message(nil), msgs...)
	return nil
}

func (s *memMsgStore) MarkRead(_ context.Context, conversationID uuid.UUID, marks []store.ReadMark) ([]store.ReadMark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls++
	var applied []store.ReadMark
	for _, mark := range marks {
		for i := range s.msgs[conversationID] {
			if s.msgs[conversationID][i].ID == mark.MessageID {
				if s.msgs[conversationID][i].MarkReadBy(mark.UserID, mark.ReadAt) {
					applied = append(applied, mark)
				}
			}
		}
	}
	return applied, nil
}

type fakeUsers struct{ ids []uuid.UUID }

func (f *fakeUsers) KnownUsers(context.Context) ([]uuid.UUID, error) {
	return f.ids, nil
}

type fanoutFixture struct {
	fanout   *Fanout
	registry *registry.Registry
	rooms    *fakeRooms
	notifier *fakeNotifier
	convs    *memConvStore
	msgs     *memMsgStore
}

func newFanoutFixture(t *testing.T, convs ...*model.Conversation) *fanoutFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New()
	t.Cleanup(reg.Shutdown)

	convCache, err := cache.New[uuid.UUID, *model.Conversation](64, 0)
	require.NoError(t, err)

	fx := &fanoutFixture{
		registry: reg,
		rooms:    newFakeRooms(),
		notifier: &fakeNotifier{},
		convs:    newMemConvStore(convs...),
		msgs:     newMemMsgStore(),
	}
	fx.fanout = NewFanout(
		reg, fx.rooms, fx.convs, fx.msgs, &fakeUsers{},
		fx.notifier,
		admission.NewManager(nil, 4, logger),
		coalesce.SystemClock(),
		convCache, logger,
		Options{
			ConversationTTL: time.Minute,
			TypingInterval:  time.Hour,
			ReadBatchSize:   3,
			ReadBatchDelay:  time.Hour,
		},
	)
	t.Cleanup(fx.fanout.StopCoalescers)
	return fx
}

func (fx *fanoutFixture) connect(t *testing.T, userID uuid.UUID) registry.Connector {
	t.Helper()
	conn := registry.NewConnector(context.Background(), userID, model.DeviceInfo{Platform: "test"}, 64)
	fx.registry.AddSession(conn)
	return conn
}

func drain(conn registry.Connector) []event.Eventer {
	var out []event.Eventer
	for {
		select {
		case ev := <-conn.Recv():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(events []event.Eventer) []event.Kind {
	out := make([]event.Kind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.GetKind())
	}
	return out
}

func TestFanout_SendReachesRoomAndEveryDevice(t *testing.T) {
	sender, peer := uuid.New(), uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationPrivate, Participants: []uuid.UUID{sender, peer}}
	fx := newFanoutFixture(t, conv)

	// Given the peer online on two devices and the sender on one
	senderConn := fx.connect(t, sender)
	peerA := fx.connect(t, peer)
	peerB := fx.connect(t, peer)

	// When the sender posts a message
	msg, err := fx.fanout.Send(context.Background(), conv.ID, sender, "hello", model.MessageText)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Then the conversation channel carries it
	require.Equal(t, []event.Kind{event.NewMessage}, kinds(fx.rooms.published(conv.ID)))

	// And every connection of every participant got a personal copy plus
	// the conversation metadata update
	for _, conn := range []registry.Connector{senderConn, peerA, peerB} {
		got := kinds(drain(conn))
		require.ElementsMatch(t, []event.Kind{event.NewMessage, event.ConversationUpdated}, got)
	}

	// And nobody was pushed
	require.Empty(t, fx.notifier.calls)
}

func TestFanout_SendPushesOfflineParticipantsOnly(t *testing.T) {
	sender, online, offline := uuid.New(), uuid.New(), uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationGroup, Participants: []uuid.UUID{sender, online, offline}}
	fx := newFanoutFixture(t, conv)

	fx.connect(t, sender)
	fx.connect(t, online)

	_, err := fx.fanout.Send(context.Background(), conv.ID, sender, "ping", model.MessageText)
	require.NoError(t, err)

	// Exactly one push batch, naming only the offline participant. The
	// sender is never pushed even when offline.
	require.Len(t, fx.notifier.calls, 1)
	require.Equal(t, []uuid.UUID{offline}, fx.notifier.calls[0])
}

func TestFanout_SendRejectsNonParticipant(t *testing.T) {
	stranger := uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationGroup, Participants: []uuid.UUID{uuid.New(), uuid.New()}}
	fx := newFanoutFixture(t, conv)

	_, err := fx.fanout.Send(context.Background(), conv.ID, stranger, "hi", model.MessageText)

	require.ErrorIs(t, err, model.ErrAuthorization)
	require.Empty(t, fx.rooms.published(conv.ID))
}

func TestFanout_SendUnknownConversation(t *testing.T) {
	fx := newFanoutFixture(t)

	_, err := fx.fanout.Send(context.Background(), uuid.New(), uuid.New(), "hi", model.MessageText)

	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestFanout_PersistenceFailureAbortsAtomically(t *testing.T) {
	sender, peer := uuid.New(), uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationPrivate, Participants: []uuid.UUID{sender, peer}}
	fx := newFanoutFixture(t, conv)
	fx.msgs.createErr = errors.New("disk full")

	peerConn := fx.connect(t, peer)

	_, err := fx.fanout.Send(context.Background(), conv.ID, sender, "hello", model.MessageText)

	// The sender sees the failure; nothing leaked to anyone else
	require.ErrorIs(t, err, model.ErrPersistence)
	require.Empty(t, fx.rooms.published(conv.ID))
	require.Empty(t, drain(peerConn))
	require.Empty(t, fx.notifier.calls)
}

func TestFanout_SendRepairsDegradedConversation(t *testing.T) {
	sender, former := uuid.New(), uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationPrivate, Participants: []uuid.UUID{sender}}
	fx := newFanoutFixture(t, conv)

	// Prior history shows who the counterpart was
	fx.msgs.msgs[conv.ID] = []model.Message{
		{ID: uuid.New(), ConversationID: conv.ID, SenderID: former, CreatedAt: time.Now().Add(-time.Hour)},
	}

	_, err := fx.fanout.Send(context.Background(), conv.ID, sender, "are you there", model.MessageText)
	require.NoError(t, err)

	// The repaired list was persisted before fanout
	got, findErr := fx.convs.FindByID(context.Background(), conv.ID)
	require.NoError(t, findErr)
	require.ElementsMatch(t, []uuid.UUID{sender, former}, got.DistinctParticipants())

	// And the repaired counterpart was treated as a participant
	require.Len(t, fx.notifier.calls, 1)
	require.Equal(t, []uuid.UUID{former}, fx.notifier.calls[0])
}

func TestFanout_RecallOnlyBySender(t *testing.T) {
	sender, peer := uuid.New(), uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationPrivate, Participants: []uuid.UUID{sender, peer}}
	fx := newFanoutFixture(t, conv)

	msg, err := fx.fanout.Send(context.Background(), conv.ID, sender, "oops", model.MessageText)
	require.NoError(t, err)

	err = fx.fanout.Recall(context.Background(), conv.ID, msg.ID, peer)
	require.ErrorIs(t, err, model.ErrAuthorization)

	err = fx.fanout.Recall(context.Background(), conv.ID, msg.ID, sender)
	require.NoError(t, err)

	stored, err := fx.msgs.LoadMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.True(t, stored[0].Recalled)
	require.Equal(t, model.RecalledPlaceholder, stored[0].Content)

	published := fx.rooms.published(conv.ID)
	require.Equal(t, event.MessageRecalled, published[len(published)-1].GetKind())
}

func TestFanout_RecallReachesEveryPersonalChannel(t *testing.T) {
	sender, peer := uuid.New(), uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationPrivate, Participants: []uuid.UUID{sender, peer}}
	fx := newFanoutFixture(t, conv)

	msg, err := fx.fanout.Send(context.Background(), conv.ID, sender, "oops", model.MessageText)
	require.NoError(t, err)

	// The peer connects after the send, so only the recall reaches them
	peerConn := fx.connect(t, peer)

	require.NoError(t, fx.fanout.Recall(context.Background(), conv.ID, msg.ID, sender))

	require.Contains(t, kinds(drain(peerConn)), event.MessageRecalled)
}

func TestFanout_MarkReadCoalescesIntoOneWrite(t *testing.T) {
	sender, reader := uuid.New(), uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationPrivate, Participants: []uuid.UUID{sender, reader}}
	fx := newFanoutFixture(t, conv)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		msg, err := fx.fanout.Send(context.Background(), conv.ID, sender, "msg", model.MessageText)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	// A burst of receipts up to the batch size flushes once, synchronously
	for _, id := range ids {
		require.NoError(t, fx.fanout.MarkRead(context.Background(), conv.ID, id, reader))
	}

	require.Eventually(t, func() bool {
		fx.msgs.mu.Lock()
		defer fx.msgs.mu.Unlock()
		return fx.msgs.markCalls == 1
	}, time.Second, 5*time.Millisecond)

	// One message-read announcement per applied receipt
	require.Eventually(t, func() bool {
		n := 0
		for _, ev := range fx.rooms.published(conv.ID) {
			if ev.GetKind() == event.MessageRead {
				n++
			}
		}
		return n == 3
	}, time.Second, 5*time.Millisecond)
}

func TestFanout_MarkReadDuplicateReceiptsNotAnnounced(t *testing.T) {
	sender, reader := uuid.New(), uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationPrivate, Participants: []uuid.UUID{sender, reader}}
	fx := newFanoutFixture(t, conv)

	msg, err := fx.fanout.Send(context.Background(), conv.ID, sender, "msg", model.MessageText)
	require.NoError(t, err)

	// The same receipt three times in one batch
	for i := 0; i < 3; i++ {
		require.NoError(t, fx.fanout.MarkRead(context.Background(), conv.ID, msg.ID, reader))
	}

	require.Eventually(t, func() bool {
		fx.msgs.mu.Lock()
		defer fx.msgs.mu.Unlock()
		return fx.msgs.markCalls == 1
	}, time.Second, 5*time.Millisecond)

	n := 0
	for _, ev := range fx.rooms.published(conv.ID) {
		if ev.GetKind() == event.MessageRead {
			n++
		}
	}
	require.Equal(t, 1, n)
}

func TestFanout_TypingThrottled(t *testing.T) {
	userID := uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationGroup, Participants: []uuid.UUID{userID}}
	fx := newFanoutFixture(t, conv)

	// A burst within one interval collapses to the leading emission plus at
	// most one trailing one
	for i := 0; i < 10; i++ {
		require.NoError(t, fx.fanout.Typing(context.Background(), conv.ID, userID))
	}

	require.Eventually(t, func() bool {
		return len(fx.rooms.published(conv.ID)) >= 1
	}, time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, len(fx.rooms.published(conv.ID)), 2)
	for _, ev := range fx.rooms.published(conv.ID) {
		require.Equal(t, event.UserTyping, ev.GetKind())
	}
}

func TestFanout_ConversationReadsAreIndependentCopies(t *testing.T) {
	sender, peer := uuid.New(), uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationPrivate, Participants: []uuid.UUID{sender, peer}}
	fx := newFanoutFixture(t, conv)

	first, err := fx.fanout.conversation(context.Background(), conv.ID)
	require.NoError(t, err)
	second, err := fx.fanout.conversation(context.Background(), conv.ID)
	require.NoError(t, err)

	// Both reads hit the same cache entry but must not share memory
	require.NotSame(t, first, second)
	first.LastMessage = "mutated"
	first.Participants[0] = uuid.New()
	require.Empty(t, second.LastMessage)
	require.Equal(t, sender, second.Participants[0])
}

func TestFanout_ConcurrentSendsWithMarshalledPayloads(t *testing.T) {
	sender, peer := uuid.New(), uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationPrivate, Participants: []uuid.UUID{sender, peer}}
	fx := newFanoutFixture(t, conv)

	peerConn := fx.connect(t, peer)

	// A reader marshalling delivered payloads while senders keep patching
	// conversation metadata; payloads must never share memory with state
	// that is still being written.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-peerConn.Recv():
				_, err := json.Marshal(ev.GetPayload())
				require.NoError(t, err)
			case <-peerConn.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := fx.fanout.Send(context.Background(), conv.ID, sender, "burst", model.MessageText)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	peerConn.Close()
	<-done
}

func TestFanout_MarkReadRejectsNonParticipant(t *testing.T) {
	sender, peer, stranger := uuid.New(), uuid.New(), uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationPrivate, Participants: []uuid.UUID{sender, peer}}
	fx := newFanoutFixture(t, conv)

	msg, err := fx.fanout.Send(context.Background(), conv.ID, sender, "secret", model.MessageText)
	require.NoError(t, err)

	err = fx.fanout.MarkRead(context.Background(), conv.ID, msg.ID, stranger)
	require.ErrorIs(t, err, model.ErrAuthorization)

	// No receipt was queued: a flush writes nothing
	fx.fanout.FlushReceipts()
	stored, err := fx.msgs.LoadMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Empty(t, stored[0].ReadBy)
}

func TestFanout_TypingRejectsNonParticipant(t *testing.T) {
	stranger := uuid.New()
	conv := &model.Conversation{ID: uuid.New(), Type: model.ConversationGroup, Participants: []uuid.UUID{uuid.New(), uuid.New()}}
	fx := newFanoutFixture(t, conv)

	err := fx.fanout.Typing(context.Background(), conv.ID, stranger)

	require.ErrorIs(t, err, model.ErrAuthorization)
	require.Empty(t, fx.rooms.published(conv.ID))
}

func TestPushBody_TruncatesOnRuneBoundary(t *testing.T) {
	req := require.New(t)

	// 119 ASCII bytes followed by a 3-byte rune straddling the 120-byte limit.
	content := strings.Repeat("a", 119) + "世界"
	body := pushBody(&model.Message{Type: model.MessageText, Content: content})

	req.True(utf8.ValidString(body))
	req.Equal(strings.Repeat("a", 119), body)

	short := pushBody(&model.Message{Type: model.MessageText, Content: "hi"})
	req.Equal("hi", short)
}
