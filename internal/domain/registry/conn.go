package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/domain/event"
	"github.com/nexachat/delivery-service/internal/domain/model"
)

// Interface guard
var _ Connector = (*conn)(nil)

// Connector is the per-session delivery endpoint handed to transport
// handlers. Implementations are safe for concurrent use.
type Connector interface {
	ID() uuid.UUID
	UserID() uuid.UUID
	Session() model.Session
	// Send enqueues an event for the session's write pump, waiting at most
	// timeout for mailbox space. Low-priority events are shed immediately
	// when the mailbox is saturated.
	Send(ev event.Eventer, timeout time.Duration) bool
	// Touch marks the session as seen now. Transports call it on every
	// liveness signal so device listings report real activity.
	Touch()
	Recv() <-chan event.Eventer
	Done() <-chan struct{}
	Dropped() uint64
	Close()
}

type conn struct {
	id      uuid.UUID
	userID  uuid.UUID
	session model.Session
	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan event.Eventer

	// mu serializes Send against Close so the mailbox is never written
	// after it is closed, and guards session.LastSeen updates from Touch.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewConnector builds the outbound mailbox for one live session.
// The mailbox decouples fanout from individual socket write speed so a slow
// consumer cannot stall delivery to everyone else.
func NewConnector(ctx context.Context, userID uuid.UUID, device model.DeviceInfo, bufferSize int) Connector {
	childCtx, cancel := context.WithCancel(ctx)
	id := uuid.New()
	now := time.Now()
	return &conn{
		id:     id,
		userID: userID,
		session: model.Session{
			ConnID:      id,
			UserID:      userID,
			Device:      device,
			ConnectedAt: now,
			LastSeen:    now,
		},
		ctx:     childCtx,
		cancel:  cancel,
		mailbox: make(chan event.Eventer, bufferSize),
	}
}

func (c *conn) ID() uuid.UUID     { return c.id }
func (c *conn) UserID() uuid.UUID { return c.userID }

func (c *conn) Session() model.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *conn) Touch() {
	c.mu.Lock()
	c.session.LastSeen = time.Now()
	c.mu.Unlock()
}

func (c *conn) Send(ev event.Eventer, timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.mailbox <- ev:
		return true
	default:
	}

	// Mailbox is full. Ephemeral signals are not worth waiting for.
	if ev.GetPriority() <= event.PriorityLow {
		c.dropped.Add(1)
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case c.mailbox <- ev:
		return true
	case <-timer.C:
		c.dropped.Add(1)
		return false
	}
}

func (c *conn) Recv() <-chan event.Eventer { return c.mailbox }

// Done is closed when the connection has been terminated.
func (c *conn) Done() <-chan struct{} { return c.ctx.Done() }

// Dropped returns the number of events shed on this session so far.
func (c *conn) Dropped() uint64 { return c.dropped.Load() }

// Close terminates the session exactly once. Closing the mailbox signals
// the write pump (via !ok) to finish its loop and tear the socket down.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.closed = true
		close(c.mailbox)
		c.mu.Unlock()
	})
}
