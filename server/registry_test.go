package server

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatwire/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordConn is a net.Conn that keeps everything written to it.
type recordConn struct {
	mu     sync.Mutex
	buf    strings.Builder
	closed bool
}

func (c *recordConn) Read(b []byte) (int, error) { return 0, net.ErrClosed }

func (c *recordConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.buf.Write(b)
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordConn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *recordConn) LocalAddr() net.Addr { return &net.TCPAddr{} }
func (c *recordConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9} }
func (c *recordConn) SetDeadline(t time.Time) error { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

func newTestSession(userID string) (*Session, *recordConn) {
	conn := &recordConn{}
	s := newSession(conn, time.Second, nil)
	if userID != "" {
		s.authenticate(&models.User{ID: userID, Username: userID})
	}
	return s, conn
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	conn := &recordConn{}
	s := newSession(conn, time.Second, func(*Session) { calls.Add(1) })

	require.NoError(t, s.Send("PING\n"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Send("PING\n"), ErrSessionClosed)
	assert.Equal(t, "PING\n", conn.String())
	assert.False(t, s.authenticate(&models.User{ID: "u"}))
}

func TestSessionDetachOnce(t *testing.T) {
	s, _ := newTestSession("alice")
	assert.Equal(t, StateAuthenticated, s.State())

	assert.Equal(t, "alice", s.detach())
	assert.Equal(t, "", s.detach())
	assert.Equal(t, StateAccepted, s.State())
}

func TestRegistryAddReplaces(t *testing.T) {
	r := NewRegistry()
	first, _ := newTestSession("alice")
	second, _ := newTestSession("alice")

	assert.Nil(t, r.Add("alice", first))
	assert.Nil(t, r.Add("alice", first))
	assert.Same(t, first, r.Add("alice", second))

	got, ok := r.Get("alice")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.False(t, r.RemoveIf("alice", first))
	assert.True(t, r.IsOnline("alice"))
	assert.True(t, r.RemoveIf("alice", second))
	assert.False(t, r.IsOnline("alice"))
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	alice, conn := newTestSession("alice")
	bob, _ := newTestSession("bob")
	r.Add("alice", alice)
	r.Add("bob", bob)

	r.Remove("alice")
	r.Remove("nobody")
	assert.False(t, r.IsOnline("alice"))
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []string{"bob"}, r.OnlineUsers())

	assert.False(t, r.SendTo("alice", "PING\n"))
	assert.Empty(t, conn.String())
	assert.False(t, alice.Closed())
}

func TestRegistryBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry()
	conns := map[string]*recordConn{}
	for _, id := range []string{"a", "b", "c"} {
		s, conn := newTestSession(id)
		r.Add(id, s)
		conns[id] = conn
	}

	n := r.Broadcast("USER_STATUS_CHANGED|#|a|#|true\n", "a")
	assert.Equal(t, 2, n)
	assert.Empty(t, conns["a"].String())
	assert.Equal(t, "USER_STATUS_CHANGED|#|a|#|true\n", conns["b"].String())
	assert.Equal(t, "USER_STATUS_CHANGED|#|a|#|true\n", conns["c"].String())

	assert.True(t, r.SendTo("b", "PONG\n"))
	assert.False(t, r.SendTo("zed", "PONG\n"))
	assert.Equal(t, 1, r.SendToMany([]string{"a", "b", "zed"}, "X\n", "a"))
	assert.Equal(t, []string{"a", "b", "c"}, r.OnlineUsers())
	assert.Equal(t, 3, r.Count())
}

func TestRegistryBroadcastSkipsClosedSessions(t *testing.T) {
	r := NewRegistry()
	open, openConn := newTestSession("open")
	closed, closedConn := newTestSession("closed")
	r.Add("open", open)
	r.Add("closed", closed)
	closed.Close()

	assert.Equal(t, 1, r.Broadcast("X\n", ""))
	assert.Equal(t, "X\n", openConn.String())
	assert.Empty(t, closedConn.String())
}

func TestRegistryConcurrentBroadcast(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := "u" + strconv.Itoa(i) + "-" + strconv.Itoa(j)
				s, _ := newTestSession(id)
				r.Add(id, s)
				if j%2 == 0 {
					s.Close()
					r.RemoveIf(id, s)
				}
			}
		}(i)
	}

	sender, senderConn := newTestSession("sender")
	r.Add("sender", sender)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Broadcast("MESSAGE_RECEIVE|#|m\n", "sender")
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, senderConn.String())
	assert.Equal(t, 201, r.Count())
}
