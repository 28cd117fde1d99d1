package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/domain/event"
	"github.com/nexachat/delivery-service/internal/domain/model"
	"github.com/nexachat/delivery-service/internal/domain/registry"
	"github.com/nexachat/delivery-service/internal/store"
)

// Presence tracks connection lifecycle and announces online/offline
// transitions. A user is online while at least one device connection is
// registered; only the 0->1 and 1->0 edges are announced.
type Presence struct {
	registry *registry.Registry
	rooms    RoomPublisher
	convs    store.ConversationStore
	logger   *slog.Logger
}

func NewPresence(reg *registry.Registry, rooms RoomPublisher, convs store.ConversationStore, logger *slog.Logger) *Presence {
	return &Presence{
		registry: reg,
		rooms:    rooms,
		convs:    convs,
		logger:   logger,
	}
}

// Connect registers a new device connection. On the user's first
// connection it announces user-online; on every connection it announces
// the refreshed device list to the user's other devices.
func (p *Presence) Connect(ctx context.Context, conn registry.Connector) {
	first := p.registry.AddSession(conn)

	userID := conn.UserID()
	p.logger.Info("device connected",
		"user_id", userID,
		"session_id", conn.ID(),
		"devices", p.registry.DeviceCount(userID),
	)

	if first {
		p.announce(ctx, userID, event.NewUserOnline(userID))
	}
	p.announceDevices(userID)
}

// Disconnect removes one device connection, announcing user-offline when
// it was the user's last.
func (p *Presence) Disconnect(ctx context.Context, connID uuid.UUID) {
	userID, last, ok := p.registry.RemoveSession(connID)
	if !ok {
		return
	}

	p.logger.Info("device disconnected",
		"user_id", userID,
		"session_id", connID,
		"devices", p.registry.DeviceCount(userID),
	)

	if last {
		p.announce(ctx, userID, event.NewUserOffline(userID))
		return
	}
	p.announceDevices(userID)
}

// LogoutDevice force-closes one of the user's sessions, as driven by a
// device management action from another device.
func (p *Presence) LogoutDevice(ctx context.Context, userID, sessionID uuid.UUID) error {
	conn, ok := p.registry.Lookup(sessionID)
	if !ok || conn.UserID() != userID {
		return fmt.Errorf("%w: session %s", model.ErrNotFound, sessionID)
	}
	conn.Close()
	// Disconnect bookkeeping runs when the connection's pump unwinds.
	return nil
}

// LogoutAll force-closes every session of the user. The caller's own
// connection goes down with the rest.
func (p *Presence) LogoutAll(ctx context.Context, userID uuid.UUID) int {
	conns := p.registry.Connections(userID)
	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// Sessions lists the user's live device sessions.
func (p *Presence) Sessions(userID uuid.UUID) []model.Session {
	return p.registry.Sessions(userID)
}

// announce pushes a presence transition to every conversation the user
// participates in, reaching peers subscribed to those rooms, and to each
// peer's personal channel for devices not viewing any shared conversation.
func (p *Presence) announce(ctx context.Context, userID uuid.UUID, ev *event.Event) {
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	convs, err := p.convs.ListByParticipant(lookupCtx, userID)
	if err != nil {
		p.logger.Warn("presence announce: conversations unavailable", "user_id", userID, "error", err)
		return
	}

	seen := map[uuid.UUID]struct{}{userID: {}}
	for i := range convs {
		if err := p.rooms.Publish(ctx, convs[i].ID, ev); err != nil {
			p.logger.Warn("presence publish failed", "conversation_id", convs[i].ID, "error", err)
		}
		for _, peer := range convs[i].DistinctParticipants() {
			if _, dup := seen[peer]; dup {
				continue
			}
			seen[peer] = struct{}{}
			p.registry.Emit(peer, ev.WithTarget(peer))
		}
	}
}

// announceDevices refreshes the device list on the user's own connections.
func (p *Presence) announceDevices(userID uuid.UUID) {
	sessions := p.registry.Sessions(userID)
	p.registry.Emit(userID, event.NewDevicesUpdated(userID, sessions))
}
