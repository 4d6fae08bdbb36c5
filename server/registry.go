package server

import (
	"sort"
	"sync"
)

// Registry maps a user id to its live session. At most one session is
// registered per user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers session under userID and returns the session it replaced, if any.
func (r *Registry) Add(userID string, session *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[userID]
	r.sessions[userID] = session
	if prev == session {
		return nil
	}
	return prev
}

func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

// RemoveIf unregisters userID only while it still maps to session.
func (r *Registry) RemoveIf(userID string, session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] != session {
		return false
	}
	delete(r.sessions, userID)
	return true
}

func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[userID]
	return session, ok
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Get(userID)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// OnlineUsers returns the registered user ids in sorted order.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.sessions))
	for userID := range r.sessions {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

type registryEntry struct {
	userID  string
	session *Session
}

func (r *Registry) snapshot() []registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]registryEntry, 0, len(r.sessions))
	for userID, session := range r.sessions {
		entries = append(entries, registryEntry{userID, session})
	}
	return entries
}

// Broadcast sends line to every session except excludeUserID's and returns
// how many sends succeeded.
func (r *Registry) Broadcast(line, excludeUserID string) int {
	sent := 0
	for _, e := range r.snapshot() {
		if e.userID == excludeUserID {
			continue
		}
		if e.session.Send(line) == nil {
			sent++
		}
	}
	return sent
}

func (r *Registry) SendTo(userID, line string) bool {
	session, ok := r.Get(userID)
	if !ok {
		return false
	}
	return session.Send(line) == nil
}

// SendToMany sends line to each listed user that is online, skipping excludeUserID.
func (r *Registry) SendToMany(userIDs []string, line, excludeUserID string) int {
	sent := 0
	for _, userID := range userIDs {
		if userID == excludeUserID {
			continue
		}
		if r.SendTo(userID, line) {
			sent++
		}
	}
	return sent
}
