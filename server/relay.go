package server

import (
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chatwire/models"

	"github.com/google/uuid"
)

var (
	ErrCallNotFound     = errors.New("call not found")
	ErrCallNotRinging   = errors.New("call is not ringing")
	ErrCallerBusy       = errors.New("user already in a call")
	ErrNotCallMember    = errors.New("user is not a member of the call")
	ErrNoAvailablePorts = errors.New("no available ports")
)

// relayLeg is one UDP side of a call. The peer address is learned from the
// first datagram that arrives on it.
type relayLeg struct {
	conn *net.UDPConn
	port int
	peer atomic.Pointer[net.UDPAddr]
}

type relayCall struct {
	record   models.CallRecord
	rejected map[string]bool
	caller   *relayLeg
	callee   *relayLeg
	timer    *time.Timer
	relayed  atomic.Int64
}

// RelayManager allocates media ports for calls, forwards datagrams between the
// two legs and tracks the server-side call record.
type RelayManager struct {
	host           string
	portRangeStart int
	portRangeEnd   int
	ringTimeout    time.Duration

	// onExpire runs outside the lock when a call was not answered in time.
	onExpire func(models.CallRecord)

	mu        sync.Mutex
	calls     map[string]*relayCall
	byUser    map[string]string
	usedPorts map[int]bool
}

func NewRelayManager(host string, portStart, portEnd int, ringTimeout time.Duration) *RelayManager {
	return &RelayManager{
		host:           host,
		portRangeStart: portStart,
		portRangeEnd:   portEnd,
		ringTimeout:    ringTimeout,
		calls:          make(map[string]*relayCall),
		byUser:         make(map[string]string),
		usedPorts:      make(map[int]bool),
	}
}

// OnExpire sets the callback for calls that ring out.
func (rm *RelayManager) OnExpire(fn func(models.CallRecord)) {
	rm.mu.Lock()
	rm.onExpire = fn
	rm.mu.Unlock()
}

func (rm *RelayManager) SetRingTimeout(d time.Duration) {
	rm.mu.Lock()
	rm.ringTimeout = d
	rm.mu.Unlock()
}

func (rm *RelayManager) Host() string {
	return rm.host
}

// Start creates a ringing call and opens its relay. The returned port is the
// caller's media leg.
func (rm *RelayManager) Start(conversationID, callerID string, receiverIDs []string, callType models.CallType) (models.CallRecord, int, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, busy := rm.byUser[callerID]; busy {
		return models.CallRecord{}, 0, ErrCallerBusy
	}

	callerLeg, err := rm.allocateLeg()
	if err != nil {
		return models.CallRecord{}, 0, err
	}
	calleeLeg, err := rm.allocateLeg()
	if err != nil {
		rm.releaseLeg(callerLeg)
		return models.CallRecord{}, 0, err
	}

	call := &relayCall{
		record: models.CallRecord{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			CallerID:       callerID,
			ReceiverIDs:    append([]string(nil), receiverIDs...),
			Type:           callType,
			Status:         models.CallRinging,
			StartedAt:      time.Now().UTC(),
		},
		rejected: make(map[string]bool),
		caller:   callerLeg,
		callee:   calleeLeg,
	}

	id := call.record.ID
	call.timer = time.AfterFunc(rm.ringTimeout, func() { rm.expire(id) })
	rm.calls[id] = call
	rm.byUser[callerID] = id

	go rm.pump(call, callerLeg, calleeLeg)
	go rm.pump(call, calleeLeg, callerLeg)

	log.Printf("relay: call %s started by %s: caller port %d, callee port %d", id, callerID, callerLeg.port, calleeLeg.port)
	return rm.copyRecord(call), callerLeg.port, nil
}

// Answer marks the call answered by userID and returns the callee media port.
func (rm *RelayManager) Answer(callID, userID string) (models.CallRecord, int, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	call, ok := rm.calls[callID]
	if !ok {
		return models.CallRecord{}, 0, ErrCallNotFound
	}
	if !call.isReceiver(userID) {
		return models.CallRecord{}, 0, ErrNotCallMember
	}
	if call.record.Status != models.CallRinging {
		return models.CallRecord{}, 0, ErrCallNotRinging
	}

	if other, busy := rm.byUser[userID]; busy && other != callID {
		return models.CallRecord{}, 0, ErrCallerBusy
	}

	call.timer.Stop()
	call.record.Status = models.CallAnswered
	call.record.AnsweredBy = userID
	call.record.AnsweredAt = time.Now().UTC()
	rm.byUser[userID] = callID

	log.Printf("relay: call %s answered by %s", callID, userID)
	return rm.copyRecord(call), call.callee.port, nil
}

// Reject records a callee's refusal. The call ends as rejected once every
// callee refused.
func (rm *RelayManager) Reject(callID, userID string) (models.CallRecord, bool, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	call, ok := rm.calls[callID]
	if !ok {
		return models.CallRecord{}, false, ErrCallNotFound
	}
	if !call.isReceiver(userID) {
		return models.CallRecord{}, false, ErrNotCallMember
	}
	if call.record.Status != models.CallRinging {
		return models.CallRecord{}, false, ErrCallNotRinging
	}

	call.rejected[userID] = true
	if len(call.rejected) < len(call.record.ReceiverIDs) {
		return rm.copyRecord(call), false, nil
	}

	rm.finish(call, models.CallRejected)
	return rm.copyRecord(call), true, nil
}

// End hangs up a call. Any member may end it.
func (rm *RelayManager) End(callID, userID string) (models.CallRecord, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	call, ok := rm.calls[callID]
	if !ok {
		return models.CallRecord{}, ErrCallNotFound
	}
	if userID != call.record.CallerID && !call.isReceiver(userID) {
		return models.CallRecord{}, ErrNotCallMember
	}

	rm.finish(call, models.CallEnded)
	return rm.copyRecord(call), nil
}

// Disconnect fails the active call of userID, if any.
func (rm *RelayManager) Disconnect(userID string) (models.CallRecord, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	callID, ok := rm.byUser[userID]
	if !ok {
		return models.CallRecord{}, false
	}
	call, ok := rm.calls[callID]
	if !ok {
		delete(rm.byUser, userID)
		return models.CallRecord{}, false
	}

	rm.finish(call, models.CallFailed)
	return rm.copyRecord(call), true
}

// Busy reports whether userID is placing or in a call.
func (rm *RelayManager) Busy(userID string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, busy := rm.byUser[userID]
	return busy
}

func (rm *RelayManager) Get(callID string) (models.CallRecord, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	call, ok := rm.calls[callID]
	if !ok {
		return models.CallRecord{}, false
	}
	return rm.copyRecord(call), true
}

// Active returns the number of calls that are ringing or connected.
func (rm *RelayManager) Active() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.calls)
}

// Close ends every call and releases its ports.
func (rm *RelayManager) Close() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, call := range rm.calls {
		rm.finish(call, models.CallEnded)
	}
}

func (rm *RelayManager) expire(callID string) {
	rm.mu.Lock()
	call, ok := rm.calls[callID]
	if !ok || call.record.Status != models.CallRinging {
		rm.mu.Unlock()
		return
	}
	rm.finish(call, models.CallFailed)
	record := rm.copyRecord(call)
	onExpire := rm.onExpire
	timeout := rm.ringTimeout
	rm.mu.Unlock()

	log.Printf("relay: call %s not answered within %s", callID, timeout)
	if onExpire != nil {
		onExpire(record)
	}
}

// finish must be called with rm.mu held.
func (rm *RelayManager) finish(call *relayCall, status models.CallStatus) {
	call.timer.Stop()
	call.record.Status = status
	call.record.EndedAt = time.Now().UTC()

	rm.releaseLeg(call.caller)
	rm.releaseLeg(call.callee)

	delete(rm.calls, call.record.ID)
	for _, userID := range append([]string{call.record.CallerID}, call.record.ReceiverIDs...) {
		if rm.byUser[userID] == call.record.ID {
			delete(rm.byUser, userID)
		}
	}

	log.Printf("relay: call %s finished with status %s, %d bytes relayed", call.record.ID, status, call.relayed.Load())
}

// allocateLeg binds the first free UDP port of the range. Must be called with rm.mu held.
func (rm *RelayManager) allocateLeg() (*relayLeg, error) {
	for port := rm.portRangeStart; port <= rm.portRangeEnd; port++ {
		if rm.usedPorts[port] {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			return nil, err
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			// taken by another process
			continue
		}
		rm.usedPorts[port] = true
		return &relayLeg{conn: conn, port: port}, nil
	}
	return nil, ErrNoAvailablePorts
}

func (rm *RelayManager) releaseLeg(leg *relayLeg) {
	leg.conn.Close()
	delete(rm.usedPorts, leg.port)
}

// pump forwards datagrams arriving on src to the learned peer of dst until src closes.
func (rm *RelayManager) pump(call *relayCall, src, dst *relayLeg) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := src.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		src.peer.Store(addr)

		peer := dst.peer.Load()
		if peer == nil {
			continue
		}
		if _, err := dst.conn.WriteToUDP(buf[:n], peer); err != nil {
			log.Printf("relay: call %s write to %s failed: %v", call.record.ID, peer, err)
			continue
		}
		call.relayed.Add(int64(n))
	}
}

func (rm *RelayManager) copyRecord(call *relayCall) models.CallRecord {
	record := call.record
	record.ReceiverIDs = append([]string(nil), call.record.ReceiverIDs...)
	return record
}

func (c *relayCall) isReceiver(userID string) bool {
	for _, id := range c.record.ReceiverIDs {
		if id == userID {
			return true
		}
	}
	return false
}
