package server

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chatwire/models"
)

var ErrSessionClosed = errors.New("session closed")

type SessionState int32

const (
	StateAccepted SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one accepted client connection.
type Session struct {
	conn         net.Conn
	remoteAddr   string
	writeTimeout time.Duration

	state atomic.Int32

	mu       sync.RWMutex
	userID   string
	username string

	writeMu sync.Mutex
	writer  *bufio.Writer

	closeOnce sync.Once
	onClose   func(*Session)
}

func newSession(conn net.Conn, writeTimeout time.Duration, onClose func(*Session)) *Session {
	return &Session{
		conn:         conn,
		remoteAddr:   conn.RemoteAddr().String(),
		writeTimeout: writeTimeout,
		writer:       bufio.NewWriter(conn),
		onClose:      onClose,
	}
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// UserID is empty until the session authenticates.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// authenticate moves the session to StateAuthenticated. It fails on a closed session.
func (s *Session) authenticate(u *models.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed() {
		return false
	}
	s.state.CompareAndSwap(int32(StateAccepted), int32(StateAuthenticated))
	s.userID = u.ID
	s.username = u.Name()
	return true
}

// detach clears the bound user and returns it. Only the first caller gets a
// non-empty id, which keeps logout cleanup single-shot.
func (s *Session) detach() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID := s.userID
	s.userID = ""
	s.username = ""
	s.state.CompareAndSwap(int32(StateAuthenticated), int32(StateAccepted))
	return userID
}

// Send writes one encoded line and flushes it. Safe for concurrent use.
func (s *Session) Send(line string) error {
	if s.Closed() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.Closed() {
		return ErrSessionClosed
	}

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.writer.WriteString(line); err != nil {
		// the read loop sees the closed socket and runs cleanup
		s.conn.Close()
		return err
	}
	if err := s.writer.Flush(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}

// Close closes the connection and runs cleanup once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
