// Package call drives the client side of call signaling and owns the media
// engine for the active call.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"chatwire/models"
	"chatwire/protocol"
)

var (
	ErrBusy     = errors.New("another call is active")
	ErrNoCall   = errors.New("no such call")
	ErrBadReply = errors.New("malformed call reply")
)

type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateConnected
	StateEnded
	StateRejected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the call is over.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateFailed
}

// MediaEngine streams audio and video to a relay port. Only the Manager calls it.
type MediaEngine interface {
	Start(host string, port int, video bool) error
	Stop()
	SetMuted(muted bool)
	SetVideoEnabled(enabled bool)
	SwitchCamera()
}

// Signaler is the part of the client transport the Manager needs.
type Signaler interface {
	Request(ctx context.Context, cmd protocol.Command, fields ...string) (protocol.Response, error)
	Send(cmd protocol.Command, fields ...string) error
	Handle(cmd protocol.Command, fn func(protocol.Message))
}

type Call struct {
	ID             string
	ConversationID string
	CallerID       string
	CallerName     string
	Type           models.CallType
	Incoming       bool
	State          State
	Host           string
	Port           int
	LocalUserID    string // the user this client speaks for
	Reason         string // why the call ended
}

// Listener receives call events. Any field may be nil. Callbacks run after the
// media engine has been updated for the event.
type Listener struct {
	Incoming     func(Call)
	StateChanged func(Call)
	Ended        func(Call)
}

func (l Listener) incoming(c Call) {
	if l.Incoming != nil {
		l.Incoming(c)
	}
}

func (l Listener) stateChanged(c Call) {
	if l.StateChanged != nil {
		l.StateChanged(c)
	}
}

func (l Listener) ended(c Call) {
	if l.Ended != nil {
		l.Ended(c)
	}
}

// Manager holds at most one call at a time.
type Manager struct {
	signaler Signaler
	engine   MediaEngine
	listener Listener

	mu      sync.Mutex
	active  *Call
	mediaOn bool
	// pushes that arrived before CALL_START was answered
	early []protocol.Message
}

func NewManager(signaler Signaler, engine MediaEngine, listener Listener) *Manager {
	m := &Manager{
		signaler: signaler,
		engine:   engine,
		listener: listener,
	}

	signaler.Handle(protocol.CmdCallIncoming, m.onIncoming)
	for _, cmd := range []protocol.Command{
		protocol.CmdCallAnswered,
		protocol.CmdCallRejected,
		protocol.CmdCallEnded,
		protocol.CmdCallError,
	} {
		signaler.Handle(cmd, m.onPush)
	}
	return m
}

// State returns the state of the active call, or StateIdle.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return StateIdle
	}
	return m.active.State
}

// Active returns a copy of the active call.
func (m *Manager) Active() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Call{}, false
	}
	return *m.active, true
}

// StartCall asks the server to ring the other participants of conversationID
// and starts the media engine on the returned relay endpoint. If the request
// fails the manager returns to idle without touching the media engine.
func (m *Manager) StartCall(ctx context.Context, conversationID, callerID string, callType models.CallType) (Call, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return Call{}, ErrBusy
	}
	call := &Call{
		ConversationID: conversationID,
		CallerID:       callerID,
		Type:           callType,
		State:          StateDialing,
		LocalUserID:    callerID,
	}
	m.active = call
	m.early = nil
	m.mu.Unlock()

	resp, err := m.signaler.Request(ctx, protocol.CmdCallStart, conversationID, callerID, string(callType))
	if err == nil && resp.Field(0) == "" {
		err = ErrBadReply
	}
	port := 0
	if err == nil {
		if port, err = strconv.Atoi(resp.Field(2)); err != nil {
			err = fmt.Errorf("%w: port %q", ErrBadReply, resp.Field(2))
		}
	}

	m.mu.Lock()
	if m.active != call {
		m.mu.Unlock()
		if err == nil {
			err = ErrNoCall
		}
		return Call{}, err
	}
	if err != nil {
		m.active = nil
		m.early = nil
		m.mu.Unlock()
		return Call{}, err
	}

	call.ID = resp.Field(0)
	call.Host = resp.Field(1)
	call.Port = port
	if err := m.startMedia(call); err != nil {
		m.mu.Unlock()
		m.finish(call, StateFailed, "media", true)
		return Call{}, err
	}
	call.State = StateRinging
	early := m.early
	m.early = nil
	snapshot := *call
	m.mu.Unlock()

	log.Printf("call: %s ringing in %s", call.ID, conversationID)
	m.listener.stateChanged(snapshot)

	for _, msg := range early {
		m.onPush(msg)
	}
	return snapshot, nil
}

// AnswerCall accepts the ringing incoming call and starts the media engine.
func (m *Manager) AnswerCall(ctx context.Context, callID, userID string) (Call, error) {
	m.mu.Lock()
	call := m.active
	if call == nil || call.ID != callID || !call.Incoming || call.State != StateRinging {
		m.mu.Unlock()
		return Call{}, ErrNoCall
	}
	call.LocalUserID = userID
	m.mu.Unlock()

	resp, err := m.signaler.Request(ctx, protocol.CmdCallAnswer, callID, userID)
	if err != nil {
		var se *protocol.ServerError
		if errors.As(err, &se) {
			m.finish(call, StateFailed, string(se.Code), false)
		}
		return Call{}, err
	}
	port, err := strconv.Atoi(resp.Field(1))
	if err != nil {
		m.finish(call, StateFailed, "bad reply", true)
		return Call{}, fmt.Errorf("%w: port %q", ErrBadReply, resp.Field(1))
	}

	m.mu.Lock()
	if m.active != call || call.State != StateRinging {
		m.mu.Unlock()
		return Call{}, ErrNoCall
	}
	call.Host = resp.Field(0)
	call.Port = port
	if t, ok := models.ParseCallType(resp.Field(2)); ok {
		call.Type = t
	}
	if err := m.startMedia(call); err != nil {
		m.mu.Unlock()
		m.finish(call, StateFailed, "media", true)
		return Call{}, err
	}
	call.State = StateConnected
	snapshot := *call
	m.mu.Unlock()

	log.Printf("call: %s answered", callID)
	m.listener.stateChanged(snapshot)
	return snapshot, nil
}

// RejectCall declines the ringing incoming call.
func (m *Manager) RejectCall(callID, userID string) error {
	m.mu.Lock()
	call := m.active
	if call == nil || call.ID != callID || !call.Incoming || call.State != StateRinging {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.mu.Unlock()

	err := m.signaler.Send(protocol.CmdCallReject, callID, userID)
	m.finish(call, StateRejected, "rejected", false)
	return err
}

// EndCall hangs up the active call.
func (m *Manager) EndCall(callID, userID string) error {
	m.mu.Lock()
	call := m.active
	if call == nil || call.ID != callID {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.mu.Unlock()

	err := m.signaler.Send(protocol.CmdCallEnd, callID, userID)
	m.finish(call, StateEnded, "hangup", false)
	return err
}

func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mediaOn {
		m.engine.SetMuted(muted)
	}
}

func (m *Manager) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mediaOn {
		m.engine.SetVideoEnabled(enabled)
	}
}

func (m *Manager) SwitchCamera() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mediaOn {
		m.engine.SwitchCamera()
	}
}

func (m *Manager) onIncoming(msg protocol.Message) {
	callType, ok := models.ParseCallType(msg.Field(4))
	if !ok {
		log.Printf("call: incoming %s with bad type %q", msg.Field(0), msg.Field(4))
		return
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		log.Printf("call: ignoring incoming %s while busy", msg.Field(0))
		return
	}
	call := &Call{
		ID:             msg.Field(0),
		ConversationID: msg.Field(1),
		CallerID:       msg.Field(2),
		CallerName:     msg.Field(3),
		Type:           callType,
		Incoming:       true,
		State:          StateRinging,
	}
	m.active = call
	snapshot := *call
	m.mu.Unlock()

	log.Printf("call: incoming %s from %s", call.ID, call.CallerID)
	m.listener.incoming(snapshot)
}

// onPush handles the CALL_* pushes that move an existing call.
func (m *Manager) onPush(msg protocol.Message) {
	callID := msg.Field(0)

	m.mu.Lock()
	call := m.active
	if call == nil {
		m.mu.Unlock()
		return
	}
	if call.State == StateDialing && call.ID == "" {
		m.early = append(m.early, msg)
		m.mu.Unlock()
		return
	}
	if call.ID != callID {
		m.mu.Unlock()
		return
	}

	if msg.Command != protocol.CmdCallAnswered {
		m.mu.Unlock()
		switch msg.Command {
		case protocol.CmdCallRejected:
			m.finish(call, StateRejected, "rejected", false)
		case protocol.CmdCallEnded:
			m.finish(call, StateEnded, msg.Field(2), false)
		case protocol.CmdCallError:
			reason := msg.Field(1)
			if text := msg.Field(2); text != "" {
				reason += ": " + text
			}
			m.finish(call, StateFailed, reason, false)
		}
		return
	}

	if call.Incoming || call.State != StateRinging {
		m.mu.Unlock()
		return
	}
	call.State = StateConnected
	snapshot := *call
	m.mu.Unlock()

	log.Printf("call: %s answered by %s", callID, msg.Field(1))
	m.listener.stateChanged(snapshot)
}

// startMedia must be called with m.mu held.
func (m *Manager) startMedia(call *Call) error {
	if err := m.engine.Start(call.Host, call.Port, call.Type == models.CallVideo); err != nil {
		log.Printf("call: media for %s failed to start: %v", call.ID, err)
		return err
	}
	m.mediaOn = true
	return nil
}

// finish moves call to a terminal state, stops the engine if it runs and then
// notifies the listener. It does nothing when call is no longer active.
func (m *Manager) finish(call *Call, state State, reason string, hangup bool) {
	m.mu.Lock()
	if m.active != call {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.early = nil
	if m.mediaOn {
		m.engine.Stop()
		m.mediaOn = false
	}
	call.State = state
	call.Reason = reason
	snapshot := *call
	m.mu.Unlock()

	if hangup && call.ID != "" {
		if err := m.signaler.Send(protocol.CmdCallEnd, snapshot.ID, snapshot.LocalUserID); err != nil {
			log.Printf("call: failed to end %s: %v", call.ID, err)
		}
	}

	log.Printf("call: %s %s (%s)", snapshot.ID, state, reason)
	m.listener.ended(snapshot)
}
