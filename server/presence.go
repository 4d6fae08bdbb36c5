package server

import (
	"log"
	"time"

	"chatwire/protocol"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

func (s *Server) setOnline(userID string) {
	now := time.Now().UTC()
	if err := s.db.SetPresence(userID, true, statusOnline, now); err != nil {
		log.Printf("server: failed to store presence of %s: %v", userID, err)
	}
	s.broadcastStatus(userID, true, statusOnline, now)
}

// logout unbinds the session's user. When the session still owns the
// registry entry the user goes offline and any active call fails. Returns the
// user id that was bound, if any.
func (s *Server) logout(session *Session) string {
	userID := session.detach()
	if userID == "" {
		return ""
	}
	if !s.registry.RemoveIf(userID, session) {
		// replaced by a newer login, which owns presence now
		return userID
	}

	now := time.Now().UTC()
	if err := s.db.SetPresence(userID, false, statusOffline, now); err != nil {
		log.Printf("server: failed to store presence of %s: %v", userID, err)
	}
	s.broadcastStatus(userID, false, statusOffline, now)

	if record, ok := s.relay.Disconnect(userID); ok {
		s.callPeerLost(record, userID)
	}
	return userID
}

// broadcastStatus sends USER_STATUS_CHANGED to every session except the user's own.
func (s *Server) broadcastStatus(userID string, online bool, statusText string, lastSeen time.Time) {
	line, err := protocol.Encode(protocol.CmdUserStatusChanged,
		userID, protocol.FormatBool(online), statusText, formatTime(lastSeen))
	if err != nil {
		log.Printf("server: encode status of %s: %v", userID, err)
		return
	}
	n := s.registry.Broadcast(line, userID)
	log.Printf("server: status of %s (%s) sent to %d sessions", userID, statusText, n)
}
