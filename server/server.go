package server

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatwire/config"
	"chatwire/db"
	"chatwire/protocol"

	"golang.org/x/sync/semaphore"
)

type Server struct {
	db       *db.DB
	config   *config.Config
	registry *Registry
	relay    *RelayManager
	workers  *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}
	closing  atomic.Bool
}

func New(database *db.DB, cfg *config.Config) *Server {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1024
	}

	s := &Server{
		db:       database,
		config:   cfg,
		registry: NewRegistry(),
		relay: NewRelayManager(cfg.MediaHost, cfg.MediaPortStart, cfg.MediaPortEnd,
			time.Duration(cfg.RingTimeout)*time.Second),
		workers:  semaphore.NewWeighted(int64(maxConns)),
		sessions: make(map[*Session]struct{}),
	}
	s.relay.OnExpire(s.callExpired)
	return s
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Shutdown closes it.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	if s.closing.Load() {
		return nil
	}

	log.Printf("server: listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("server: accept error: %v", err)
			continue
		}

		if !s.workers.TryAcquire(1) {
			log.Printf("server: rejecting %s, connection limit reached", conn.RemoteAddr())
			if line, err := protocol.ErrorLine("", protocol.CodeUnavailable, "Server is full"); err == nil {
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				conn.Write([]byte(line))
			}
			conn.Close()
			continue
		}

		go func() {
			defer s.workers.Release(1)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	session := newSession(conn, time.Duration(s.config.WriteTimeout)*time.Second, s.sessionClosed)
	if !s.track(session) {
		conn.Close()
		return
	}
	defer session.Close()

	log.Printf("server: client connected from %s", session.RemoteAddr())

	readTimeout := time.Duration(s.config.ReadTimeout) * time.Second
	reader := bufio.NewReader(conn)
	for {
		if readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				log.Printf("server: %s idle for %s, closing", session.RemoteAddr(), readTimeout)
				s.sendBye(session, "timeout")
			case err == io.EOF, errors.Is(err, net.ErrClosed):
			default:
				log.Printf("server: read error from %s: %v", session.RemoteAddr(), err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		s.handleLine(session, line)
		if session.Closed() {
			return
		}
	}
}

// sessionClosed runs once per session after its socket is closed.
func (s *Server) sessionClosed(session *Session) {
	s.untrack(session)
	userID := s.logout(session)
	if userID != "" {
		log.Printf("server: user %s disconnected from %s", userID, session.RemoteAddr())
	} else {
		log.Printf("server: client disconnected from %s", session.RemoteAddr())
	}
}

func (s *Server) track(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.sessions[session] = struct{}{}
	return true
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
}

func (s *Server) sendBye(session *Session, reason string) {
	line, err := protocol.Encode(protocol.CmdBye, reason)
	if err != nil {
		return
	}
	session.Send(line)
}

// Shutdown sends BYE to every connection and closes them and the listener.
func (s *Server) Shutdown(reason string) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		s.sendBye(session, reason)
		session.Close()
	}
	s.relay.Close()

	log.Printf("server: shut down (%s), closed %d connections", reason, len(sessions))
}

// Stats returns server statistics for the control socket.
func (s *Server) Stats() string {
	s.mu.Lock()
	connections := len(s.sessions)
	s.mu.Unlock()

	return "connections=" + strconv.Itoa(connections) +
		",online=" + strconv.Itoa(s.registry.Count()) +
		",calls=" + strconv.Itoa(s.relay.Active()) +
		",users=" + strings.Join(s.registry.OnlineUsers(), ";")
}
