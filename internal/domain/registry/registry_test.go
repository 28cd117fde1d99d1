package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/domain/event"
	"github.com/nexachat/delivery-service/internal/domain/model"
	"github.com/stretchr/testify/require"
)

func newConn(t *testing.T, userID uuid.UUID) Connector {
	t.Helper()
	c := NewConnector(context.Background(), userID, model.DeviceInfo{DeviceID: "d", Platform: "test"}, 8)
	t.Cleanup(c.Close)
	return c
}

func TestRegistry_AddRemove_Bookkeeping(t *testing.T) {
	req := require.New(t)
	r := New()
	userID := uuid.New()

	// Given no sessions
	req.False(r.IsOnline(userID))
	req.Zero(r.DeviceCount(userID))

	// When the first device connects
	c1 := newConn(t, userID)
	first := r.AddSession(c1)

	// Then the 0→1 transition is reported
	req.True(first)
	req.True(r.IsOnline(userID))
	req.Equal(1, r.DeviceCount(userID))

	// When a second device connects
	c2 := newConn(t, userID)
	req.False(r.AddSession(c2))
	req.Equal(2, r.DeviceCount(userID))

	// When devices disconnect one by one
	gotUser, last, ok := r.RemoveSession(c1.ID())
	req.True(ok)
	req.False(last)
	req.Equal(userID, gotUser)
	req.Equal(1, r.DeviceCount(userID))

	gotUser, last, ok = r.RemoveSession(c2.ID())
	req.True(ok)
	req.True(last, "1→0 transition must be reported exactly on the final remove")
	req.Equal(userID, gotUser)
	req.False(r.IsOnline(userID))
}

func TestRegistry_AddSession_Idempotent(t *testing.T) {
	req := require.New(t)
	r := New()
	c := newConn(t, uuid.New())

	req.True(r.AddSession(c))
	req.False(r.AddSession(c), "re-adding the same connection must not report a transition")
	req.Equal(1, r.DeviceCount(c.UserID()))

	_, last, ok := r.RemoveSession(c.ID())
	req.True(ok)
	req.True(last)
}

func TestRegistry_RemoveSession_Unknown(t *testing.T) {
	req := require.New(t)
	r := New()

	userID, last, ok := r.RemoveSession(uuid.New())
	req.False(ok)
	req.False(last)
	req.Equal(uuid.Nil, userID)
}

func TestRegistry_DeviceCount_EqualsAddsMinusRemoves(t *testing.T) {
	req := require.New(t)
	r := New()
	userID := uuid.New()

	conns := make([]Connector, 0, 5)
	for i := 0; i < 5; i++ {
		c := newConn(t, userID)
		r.AddSession(c)
		conns = append(conns, c)
	}
	req.Equal(5, r.DeviceCount(userID))

	for i, c := range conns {
		_, last, ok := r.RemoveSession(c.ID())
		req.True(ok)
		req.Equal(i == len(conns)-1, last)
		req.Equal(len(conns)-1-i, r.DeviceCount(userID))
	}
}

func TestRegistry_RemoveUserSessions(t *testing.T) {
	req := require.New(t)
	r := New()
	userID := uuid.New()
	other := newConn(t, uuid.New())

	r.AddSession(newConn(t, userID))
	r.AddSession(newConn(t, userID))
	r.AddSession(other)

	removed := r.RemoveUserSessions(userID)
	req.Len(removed, 2)
	req.False(r.IsOnline(userID))
	req.True(r.IsOnline(other.UserID()), "other users must be untouched")
}

func TestRegistry_Emit_ReachesEveryConnection(t *testing.T) {
	req := require.New(t)
	r := New()
	userID := uuid.New()
	c1 := newConn(t, userID)
	c2 := newConn(t, userID)
	r.AddSession(c1)
	r.AddSession(c2)

	ev := event.NewUserOnline(userID)
	req.Equal(2, r.Emit(userID, ev))

	for _, c := range []Connector{c1, c2} {
		select {
		case got := <-c.Recv():
			req.Equal(ev.GetID(), got.GetID())
		default:
			t.Fatalf("connection %s received nothing", c.ID())
		}
	}
}

func TestRegistry_Emit_SkipsClosedConnection(t *testing.T) {
	req := require.New(t)
	r := New()
	userID := uuid.New()
	c := NewConnector(context.Background(), userID, model.DeviceInfo{}, 1)
	r.AddSession(c)

	c.Close()
	req.Zero(r.Emit(userID, event.NewUserOnline(userID)))
}

func TestConnector_Send_ShedsLowPriorityWhenFull(t *testing.T) {
	req := require.New(t)
	c := NewConnector(context.Background(), uuid.New(), model.DeviceInfo{}, 1)
	defer c.Close()

	req.True(c.Send(event.NewUserTyping(uuid.New(), uuid.New()), time.Millisecond))
	// Mailbox is now full; a second typing signal must drop without waiting.
	req.False(c.Send(event.NewUserTyping(uuid.New(), uuid.New()), time.Second))
	req.Equal(uint64(1), c.Dropped())
}

func TestConnector_Close_Idempotent(t *testing.T) {
	c := NewConnector(context.Background(), uuid.New(), model.DeviceInfo{}, 1)
	c.Close()
	c.Close() // must not panic

	if _, ok := <-c.Recv(); ok {
		t.Fatal("mailbox must be closed")
	}
}

func TestRegistry_Stats(t *testing.T) {
	req := require.New(t)
	r := New()
	u1, u2 := uuid.New(), uuid.New()
	r.AddSession(newConn(t, u1))
	r.AddSession(newConn(t, u1))
	r.AddSession(newConn(t, u2))

	s := r.Stats()
	req.Equal(2, s.Users)
	req.Equal(3, s.Connections)
}

func TestRegistry_Options(t *testing.T) {
	req := require.New(t)

	r := New(WithMailboxSize(7), WithSendTimeout(42*time.Millisecond))

	req.Equal(7, r.MailboxSize())
	req.Equal(42*time.Millisecond, r.settings.sendTimeout)
}

func TestConnector_TouchRefreshesLastSeen(t *testing.T) {
	req := require.New(t)
	c := NewConnector(context.Background(), uuid.New(), model.DeviceInfo{}, 1)
	before := c.Session().LastSeen

	time.Sleep(5 * time.Millisecond)
	c.Touch()

	req.True(c.Session().LastSeen.After(before))
}
