// Package ws is the WebSocket transport. Each socket carries one
// authenticated device session: inbound frames drive the fanout service,
// outbound frames merge the session's personal mailbox with the room
// subscriptions of joined conversations.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nexachat/delivery-service/internal/adapter/roombus"
	"github.com/nexachat/delivery-service/internal/admission"
	"github.com/nexachat/delivery-service/internal/auth"
	"github.com/nexachat/delivery-service/internal/domain/event"
	"github.com/nexachat/delivery-service/internal/domain/model"
	"github.com/nexachat/delivery-service/internal/domain/registry"
	wsmarshaller "github.com/nexachat/delivery-service/internal/handler/marshaller/ws"
	"github.com/nexachat/delivery-service/internal/service"
	"github.com/nexachat/delivery-service/internal/store"
)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second

	// dedupWindow bounds the per-socket de-duplication memory. Room and
	// personal emissions of one logical event share an ID, so a small
	// recent window is enough to collapse them.
	dedupWindow = 512
)

type WSHandler struct {
	logger   *slog.Logger
	verifier auth.Verifier
	adm      *admission.Manager
	presence *service.Presence
	fanout   *service.Fanout
	registry *registry.Registry
	bus      *roombus.Bus
	convs    store.ConversationStore
	upgrader websocket.Upgrader
}

func NewWSHandler(
	logger *slog.Logger,
	verifier auth.Verifier,
	adm *admission.Manager,
	presence *service.Presence,
	fanout *service.Fanout,
	reg *registry.Registry,
	bus *roombus.Bus,
	convs store.ConversationStore,
) *WSHandler {
	return &WSHandler{
		logger:   logger,
		verifier: verifier,
		adm:      adm,
		presence: presence,
		fanout:   fanout,
		registry: reg,
		bus:      bus,
		convs:    convs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer sock.Close()

	userID, device, err := h.authenticate(r.Context(), sock)
	if err != nil {
		h.logger.Info("ws authentication failed", "remote", r.RemoteAddr, "error", err)
		h.writeEvent(sock, event.NewError("authentication_failed", "invalid credentials"))
		return
	}

	conn := registry.NewConnector(r.Context(), userID, device, h.registry.MailboxSize())
	sess := newSocketSession(h, sock, conn)
	defer sess.close()

	h.presence.Connect(r.Context(), conn)
	defer h.presence.Disconnect(context.Background(), conn.ID())

	h.logger.Info("ws opened", "user_id", userID, "conn_id", conn.ID(), "platform", device.Platform)

	sess.writeAck()
	go sess.writePump()
	sess.readPump(r.Context())
}

// authenticate waits for the first frame, requires it to be a join and
// verifies its token through the auth admission queue so that a burst of
// reconnects cannot flood the verifier.
func (h *WSHandler) authenticate(ctx context.Context, sock *websocket.Conn) (uuid.UUID, model.DeviceInfo, error) {
	sock.SetReadDeadline(time.Now().Add(authTimeout))

	var frame inboundFrame
	if err := sock.ReadJSON(&frame); err != nil {
		return uuid.Nil, model.DeviceInfo{}, err
	}
	if frame.Type != sigJoin {
		return uuid.Nil, model.DeviceInfo{}, errors.New("first frame must be join")
	}
	var p joinPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return uuid.Nil, model.DeviceInfo{}, err
	}

	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	res, err := h.adm.Queue(admission.CategoryAuth).Do(authCtx, int(event.PriorityHigh), func(context.Context) (any, error) {
		return h.verifier.Verify(p.Token)
	})
	if err != nil {
		return uuid.Nil, model.DeviceInfo{}, err
	}
	return res.(uuid.UUID), model.DeviceInfo{DeviceID: p.DeviceID, Platform: p.Platform}, nil
}

func (h *WSHandler) writeEvent(sock *websocket.Conn, ev event.Eventer) {
	data, err := wsmarshaller.MarshalDeliveryEvent(ev)
	if err != nil {
		h.logger.Error("marshal ws event failed", "kind", ev.GetKind(), "error", err)
		return
	}
	sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	sock.WriteMessage(websocket.TextMessage, data)
}

// outFrame is one marshalled frame on its way to the socket, keyed for
// de-duplication.
type outFrame struct {
	key  string
	data []byte
}

// socketSession is the per-socket state: the registry connector, the joined
// room subscriptions and the outbound merge channel.
type socketSession struct {
	h    *WSHandler
	sock *websocket.Conn
	conn registry.Connector

	// ctx scopes every room subscription to the socket's lifetime.
	ctx    context.Context
	cancel context.CancelFunc

	out chan outFrame

	mu    sync.Mutex
	rooms map[uuid.UUID]context.CancelFunc

	writeOnce sync.Once
}

func newSocketSession(h *WSHandler, sock *websocket.Conn, conn registry.Connector) *socketSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &socketSession{
		h:      h,
		sock:   sock,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan outFrame, 64),
		rooms:  make(map[uuid.UUID]context.CancelFunc),
	}
}

func (s *socketSession) close() {
	s.cancel()
	s.conn.Close()
}

func (s *socketSession) writeAck() {
	ack := connectedPayload{
		Ok:           true,
		ConnectionID: s.conn.ID().String(),
		UserID:       s.conn.UserID().String(),
	}
	data, err := json.Marshal(wsmarshaller.WSEvent{
		Event:   "connected",
		ID:      s.conn.ID().String(),
		SentAt:  time.Now().UnixMilli(),
		Payload: ack,
	})
	if err != nil {
		return
	}
	s.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.sock.WriteMessage(websocket.TextMessage, data)
}

// readPump parses inbound frames until the socket drops or the connector is
// closed from elsewhere (device logout).
func (s *socketSession) readPump(ctx context.Context) {
	s.sock.SetReadDeadline(time.Now().Add(pongTimeout))
	s.sock.SetPongHandler(func(string) error {
		s.sock.SetReadDeadline(time.Now().Add(pongTimeout))
		s.conn.Touch()
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.conn.Done():
			return
		default:
		}

		var frame inboundFrame
		if err := s.sock.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.h.logger.Info("ws read failed", "conn_id", s.conn.ID(), "error", err)
			}
			return
		}
		s.dispatch(ctx, frame)
	}
}

func (s *socketSession) dispatch(ctx context.Context, frame inboundFrame) {
	userID := s.conn.UserID()

	switch frame.Type {
	case sigJoinConversation:
		var p conversationPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			s.sendError("bad_payload", frame.Type)
			return
		}
		if err := s.joinRoom(ctx, p.ConversationID); err != nil {
			s.sendErrorFor(err, frame.Type)
		}

	case sigLeaveConversation:
		var p conversationPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			s.sendError("bad_payload", frame.Type)
			return
		}
		s.leaveRoom(p.ConversationID)

	case sigSendMessage:
		var p sendMessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			s.sendError("bad_payload", frame.Type)
			return
		}
		msgType := model.MessageType(p.Type)
		if msgType == "" {
			msgType = model.MessageText
		}
		if _, err := s.h.fanout.Send(ctx, p.ConversationID, userID, p.Content, msgType); err != nil {
			s.sendErrorFor(err, frame.Type)
		}

	case sigTyping:
		var p conversationPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		if err := s.h.fanout.Typing(ctx, p.ConversationID, userID); err != nil {
			s.sendErrorFor(err, frame.Type)
		}

	case sigMarkRead:
		var p messageRefPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		if err := s.h.fanout.MarkRead(ctx, p.ConversationID, p.MessageID, userID); err != nil {
			s.sendErrorFor(err, frame.Type)
		}

	case sigRecallMessage:
		var p messageRefPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			s.sendError("bad_payload", frame.Type)
			return
		}
		if err := s.h.fanout.Recall(ctx, p.ConversationID, p.MessageID, userID); err != nil {
			s.sendErrorFor(err, frame.Type)
		}

	case sigLogoutDevice:
		var p logoutDevicePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			s.sendError("bad_payload", frame.Type)
			return
		}
		if err := s.h.presence.LogoutDevice(ctx, userID, p.SessionID); err != nil {
			s.sendErrorFor(err, frame.Type)
		}

	case sigLogoutAll:
		s.h.presence.LogoutAll(ctx, userID)

	default:
		s.sendError("unknown_signal", frame.Type)
	}
}

// joinRoom checks membership and attaches the socket to the conversation's
// shared channel. Joining an already joined conversation is a no-op.
func (s *socketSession) joinRoom(ctx context.Context, conversationID uuid.UUID) error {
	ok, err := s.h.convs.IsParticipant(ctx, conversationID, s.conn.UserID())
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrAuthorization
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, joined := s.rooms[conversationID]; joined {
		return nil
	}

	subCtx, cancel := context.WithCancel(s.ctx)
	ch, err := s.h.bus.Subscribe(subCtx, conversationID)
	if err != nil {
		cancel()
		return err
	}
	s.rooms[conversationID] = cancel

	go func() {
		for msg := range ch {
			key := msg.Metadata.Get(roombus.MetaEventKind) + ":" + msg.Metadata.Get(roombus.MetaEventID)
			select {
			case s.out <- outFrame{key: key, data: msg.Payload}:
			case <-s.ctx.Done():
				msg.Ack()
				return
			}
			msg.Ack()
		}
	}()
	return nil
}

func (s *socketSession) leaveRoom(conversationID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.rooms[conversationID]; ok {
		cancel()
		delete(s.rooms, conversationID)
	}
}

// writePump is the single writer: it merges the personal mailbox and the
// room forwarders, drops duplicates within the recent window and keeps the
// socket alive with pings.
func (s *socketSession) writePump() {
	seen, _ := lru.New[string, struct{}](dedupWindow)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(data []byte) bool {
		s.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.sock.WriteMessage(websocket.TextMessage, data); err != nil {
			s.h.logger.Warn("ws send failed", "conn_id", s.conn.ID(), "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.conn.Done():
			s.sock.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logged out"),
				time.Now().Add(writeTimeout))
			s.sock.Close()
			return

		case ev, ok := <-s.conn.Recv():
			if !ok {
				return
			}
			key := ev.GetKind().String() + ":" + ev.GetID()
			if _, dup := seen.Get(key); dup {
				continue
			}
			seen.Add(key, struct{}{})

			data, err := wsmarshaller.MarshalDeliveryEvent(ev)
			if err != nil {
				s.h.logger.Error("marshal ws event failed", "kind", ev.GetKind(), "error", err)
				continue
			}
			if !write(data) {
				return
			}

		case frame := <-s.out:
			if _, dup := seen.Get(frame.key); dup {
				continue
			}
			seen.Add(frame.key, struct{}{})
			if !write(frame.data) {
				return
			}

		case <-ticker.C:
			s.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError queues an error frame on the outbound channel; the write pump
// owns the socket, direct writes from the read side would race it.
func (s *socketSession) sendError(code, signal string) {
	s.queueEvent(event.NewError(code, "failed to handle "+signal))
}

func (s *socketSession) queueEvent(ev event.Eventer) {
	data, err := wsmarshaller.MarshalDeliveryEvent(ev)
	if err != nil {
		s.h.logger.Error("marshal ws event failed", "kind", ev.GetKind(), "error", err)
		return
	}
	select {
	case s.out <- outFrame{key: ev.GetKind().String() + ":" + ev.GetID(), data: data}:
	case <-s.ctx.Done():
	}
}

// sendErrorFor maps domain sentinels to client-facing error codes.
func (s *socketSession) sendErrorFor(err error, signal string) {
	code := "internal"
	switch {
	case errors.Is(err, model.ErrAuthentication):
		code = "authentication_failed"
	case errors.Is(err, model.ErrAuthorization):
		code = "forbidden"
	case errors.Is(err, model.ErrNotFound):
		code = "not_found"
	case errors.Is(err, model.ErrPersistence):
		code = "persistence_failure"
	}
	s.h.logger.Info("ws signal failed", "conn_id", s.conn.ID(), "signal", signal, "error", err)
	s.queueEvent(event.NewError(code, err.Error()))
}
