// Package registry keeps the authoritative in-memory map of logical users to
// their live connections.
//
// The registry holds no business-state opinion: it reports 0→1 and 1→0
// device transitions to the caller, who decides what "online" means. All
// mutations run synchronously under one mutex so no two interleave
// mid-update; delivery iterates over snapshots so a connection that
// disconnects mid-fanout is simply skipped by its own closed mailbox.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/domain/event"
	"github.com/nexachat/delivery-service/internal/domain/model"
)

// Stats is a point-in-time snapshot of registry occupancy.
type Stats struct {
	Users       int
	Connections int
	Dropped     uint64
}

// Registry is the bidirectional user↔connection map.
//
// Invariant: a reverse entry exists iff the connection appears in exactly
// one forward set; when a forward set becomes empty the user entry is
// removed entirely.
type Registry struct {
	mu      sync.RWMutex
	forward map[uuid.UUID]map[uuid.UUID]Connector // userID -> connID -> conn
	reverse map[uuid.UUID]uuid.UUID               // connID -> userID

	settings settings
}

func New(opts ...Option) *Registry {
	r := &Registry{
		forward: make(map[uuid.UUID]map[uuid.UUID]Connector),
		reverse: make(map[uuid.UUID]uuid.UUID),
		settings: settings{
			mailboxSize: defaultMailboxSize,
			sendTimeout: defaultSendTimeout,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MailboxSize exposes the configured per-connection buffer for callers that
// construct connectors themselves.
func (r *Registry) MailboxSize() int { return r.settings.mailboxSize }

// AddSession registers a connection under its user. The upsert is
// idempotent: re-adding a known connection only refreshes its presence.
// Returns true when this is the user's 0→1 device transition.
func (r *Registry) AddSession(conn Connector) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	set, ok := r.forward[userID]
	if !ok {
		set = make(map[uuid.UUID]Connector)
		r.forward[userID] = set
		first = true
	}
	set[conn.ID()] = conn
	r.reverse[conn.ID()] = userID
	return first
}

// RemoveSession detaches a connection. Returns the owning user, whether this
// was the user's last device (1→0 transition), and whether the connection
// was registered at all.
func (r *Registry) RemoveSession(connID uuid.UUID) (userID uuid.UUID, last, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.reverse[connID]
	if !ok {
		return uuid.Nil, false, false
	}
	delete(r.reverse, connID)

	set := r.forward[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.forward, userID)
		last = true
	}
	return userID, last, true
}

// RemoveUserSessions detaches every connection of a user at once
// (logout-all-devices). The returned connectors are already unregistered;
// closing them is the caller's job so it can emit farewell events first.
func (r *Registry) RemoveUserSessions(userID uuid.UUID) []Connector {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.forward[userID]
	if !ok {
		return nil
	}
	conns := make([]Connector, 0, len(set))
	for connID, conn := range set {
		delete(r.reverse, connID)
		conns = append(conns, conn)
	}
	delete(r.forward, userID)
	return conns
}

// Connections returns a snapshot of a user's live connections.
func (r *Registry) Connections(userID uuid.UUID) []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.forward[userID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]Connector, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// Lookup resolves a connection by ID.
func (r *Registry) Lookup(connID uuid.UUID) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.reverse[connID]
	if !ok {
		return nil, false
	}
	conn, ok := r.forward[userID][connID]
	return conn, ok
}

func (r *Registry) DeviceCount(userID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forward[userID])
}

func (r *Registry) IsOnline(userID uuid.UUID) bool {
	return r.DeviceCount(userID) > 0
}

// Sessions returns device metadata for every live session of a user,
// feeding the devices-updated signal.
func (r *Registry) Sessions(userID uuid.UUID) []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.forward[userID]
	if len(set) == 0 {
		return nil
	}
	sessions := make([]model.Session, 0, len(set))
	for _, conn := range set {
		sessions = append(sessions, conn.Session())
	}
	return sessions
}

// Emit pushes an event to every connection of a user, skipping none. The
// snapshot is taken under the read lock; a connection closed between the
// snapshot and the send rejects the event itself.
func (r *Registry) Emit(userID uuid.UUID, ev event.Eventer) int {
	delivered := 0
	for _, conn := range r.Connections(userID) {
		if conn.Send(ev, r.settings.sendTimeout) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Users: len(r.forward), Connections: len(r.reverse)}
	for _, set := range r.forward {
		for _, conn := range set {
			s.Dropped += conn.Dropped()
		}
	}
	return s
}

// Shutdown closes every registered connection and clears the maps.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]Connector, 0, len(r.reverse))
	for _, set := range r.forward {
		for _, conn := range set {
			conns = append(conns, conn)
		}
	}
	r.forward = make(map[uuid.UUID]map[uuid.UUID]Connector)
	r.reverse = make(map[uuid.UUID]uuid.UUID)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

const (
	defaultMailboxSize = 1024
	defaultSendTimeout = 500 * time.Millisecond
)
