package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chatwire/config"
	"chatwire/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrConnecting   = errors.New("connection in progress")
	ErrClosed       = errors.New("transport closed")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DialFunc opens the underlying connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Option func(*Transport)

// WithDialer replaces the default net.Dialer.
func WithDialer(dial DialFunc) Option {
	return func(t *Transport) {
		t.dial = dial
	}
}

// Transport keeps one line-protocol connection to the server and routes
// inbound lines to waiters and handlers.
type Transport struct {
	cfg    *config.ClientConfig
	events Events
	dial   DialFunc

	state atomic.Int32
	// set when the server said BYE; the next read failure is not retried
	bye atomic.Bool

	mu     sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
	gen    uint64
	stop   chan struct{}

	sendMu sync.Mutex

	handlersMu sync.RWMutex
	pushes     map[protocol.Command]func(protocol.Message)
	handlers   map[protocol.Command]func(protocol.Message)
	fallback   func(protocol.Message)

	lastPong atomic.Int64

	correlator *Correlator
	supervisor *Supervisor
}

func NewTransport(cfg *config.ClientConfig, events Events, opts ...Option) *Transport {
	t := &Transport{
		cfg:      cfg,
		events:   events,
		pushes:   make(map[protocol.Command]func(protocol.Message)),
		handlers: make(map[protocol.Command]func(protocol.Message)),
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	t.dial = dialer.DialContext
	for _, opt := range opts {
		opt(t)
	}

	t.correlator = NewCorrelator(t.SendLine, cfg.RequestTimeout)
	t.supervisor = NewSupervisor(cfg.ReconnectAttempts, cfg.ReconnectDelay, t.reconnect, Events{
		Reconnecting: events.Reconnecting,
		Reconnected:  events.Reconnected,
		ReconnectFailed: func(err error) {
			t.state.CompareAndSwap(int32(StateReconnecting), int32(StateDisconnected))
			t.events.reconnectFailed(err)
		},
	})

	t.Handle(protocol.CmdPong, func(protocol.Message) {
		t.lastPong.Store(time.Now().UnixNano())
	})
	return t
}

func (t *Transport) State() State {
	return State(t.state.Load())
}

func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

// LastPong returns when the last keyless PONG arrived.
func (t *Transport) LastPong() time.Time {
	n := t.lastPong.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Connect dials the server and starts the read loop. It returns ErrConnecting
// while another dial or a reconnection is still running.
func (t *Transport) Connect(ctx context.Context) error {
	for {
		cur := t.State()
		switch cur {
		case StateClosed:
			return ErrClosed
		case StateConnected:
			return nil
		case StateConnecting, StateReconnecting:
			return ErrConnecting
		}
		if t.state.CompareAndSwap(int32(cur), int32(StateConnecting)) {
			break
		}
	}

	if err := t.open(ctx); err != nil {
		t.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		return err
	}
	if !t.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		// disconnected while dialing
		t.drop()
		return ErrNotConnected
	}
	return nil
}

func (t *Transport) reconnect(ctx context.Context) error {
	if t.State() != StateReconnecting {
		return ErrReconnectAborted
	}
	if err := t.open(ctx); err != nil {
		return err
	}
	if !t.state.CompareAndSwap(int32(StateReconnecting), int32(StateConnected)) {
		t.drop()
		return ErrReconnectAborted
	}
	return nil
}

func (t *Transport) open(ctx context.Context) error {
	conn, err := t.dial(ctx, "tcp", t.cfg.Addr())
	if err != nil {
		return err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	t.bye.Store(false)

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.conn = conn
	t.writer = bufio.NewWriter(conn)
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	log.Printf("transport: connected to %s", conn.RemoteAddr())

	go t.readLoop(conn, gen)
	if t.cfg.KeepAlive > 0 {
		go t.heartbeat(stop, t.cfg.KeepAlive)
	}
	return nil
}

// drop closes the current connection without touching state.
func (t *Transport) drop() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.writer = nil
	t.gen++
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Disconnect closes the connection on purpose. It cancels any running
// reconnection and never starts a new one.
func (t *Transport) Disconnect() {
	t.supervisor.Stop()
	for {
		cur := t.State()
		if cur == StateClosed || cur == StateDisconnected {
			break
		}
		if t.state.CompareAndSwap(int32(cur), int32(StateDisconnected)) {
			break
		}
	}
	t.drop()
	t.correlator.FailAll(ErrNotConnected)
}

// Close disconnects and makes the transport unusable.
func (t *Transport) Close() {
	t.state.Store(int32(StateClosed))
	t.Disconnect()
}

// WaitReconnect blocks until a running reconnection finishes.
func (t *Transport) WaitReconnect() {
	t.supervisor.Wait()
}

// Send writes cmd without waiting for a reply. The line still carries a
// request key so that an error reply cannot be taken for another response.
func (t *Transport) Send(cmd protocol.Command, fields ...string) error {
	return t.correlator.Notify(cmd, fields...)
}

// SendLine writes an encoded line. It fails fast with ErrNotConnected.
func (t *Transport) SendLine(line string) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	conn, w := t.conn, t.writer
	t.mu.Unlock()
	if conn == nil || t.State() != StateConnected {
		return ErrNotConnected
	}

	if t.cfg.RequestTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.RequestTimeout))
	}
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.Flush()
}

// Request sends cmd with a request key and waits for the response.
func (t *Transport) Request(ctx context.Context, cmd protocol.Command, fields ...string) (protocol.Response, error) {
	return t.correlator.Request(ctx, cmd, fields...)
}

func (t *Transport) RequestTimeout(ctx context.Context, timeout time.Duration, cmd protocol.Command, fields ...string) (protocol.Response, error) {
	return t.correlator.RequestTimeout(ctx, timeout, cmd, fields...)
}

// Pending returns the number of requests waiting for a response.
func (t *Transport) Pending() int {
	return t.correlator.Pending()
}

// Handle registers the standing handler for cmd, replacing any previous one.
// Handlers run on the read goroutine and must not wait for responses.
func (t *Transport) Handle(cmd protocol.Command, fn func(protocol.Message)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	switch cmd {
	case protocol.CmdUserStatusChanged, protocol.CmdMessageReceive, protocol.CmdConversationRestored:
		t.pushes[cmd] = fn
	default:
		t.handlers[cmd] = fn
	}
}

// HandleFallback registers the handler for lines nothing else claimed.
func (t *Transport) HandleFallback(fn func(protocol.Message)) {
	t.handlersMu.Lock()
	t.fallback = fn
	t.handlersMu.Unlock()
}

func (t *Transport) readLoop(conn net.Conn, gen uint64) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.connectionLost(gen, err)
			return
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			continue
		}
		t.route(msg)
	}
}

// route delivers msg to exactly one target.
func (t *Transport) route(msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("transport: panic handling %s: %v", msg.Command, r)
		}
	}()

	if msg.Command == protocol.CmdBye {
		log.Printf("transport: server said goodbye: %s", msg.Field(0))
		t.bye.Store(true)
	}

	t.handlersMu.RLock()
	push, isPush := t.pushes[msg.Command]
	handler := t.handlers[msg.Command]
	fallback := t.fallback
	t.handlersMu.RUnlock()

	switch msg.Command {
	case protocol.CmdUserStatusChanged, protocol.CmdMessageReceive, protocol.CmdConversationRestored:
		if isPush && push != nil {
			push(msg)
			return
		}
	default:
		if msg.Key != "" && t.correlator.Deliver(msg) {
			return
		}
		if handler != nil {
			handler(msg)
			return
		}
	}

	if fallback != nil {
		fallback(msg)
		return
	}
	log.Printf("transport: dropped unhandled %s %s", msg.Command, msg.Key)
}

func (t *Transport) connectionLost(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen {
		// replaced or closed on purpose
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.drop()
	t.correlator.FailAll(ErrNotConnected)

	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	log.Printf("transport: connection lost: %v", err)

	if t.bye.Load() {
		t.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected))
		t.events.disconnected(err)
		return
	}

	if !t.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		t.events.disconnected(err)
		return
	}
	t.events.disconnected(err)
	if !t.supervisor.Start() {
		log.Printf("transport: reconnect already running")
	}
}

// heartbeat sends keyless PINGs so the PONGs reach the standing handler.
func (t *Transport) heartbeat(stop chan struct{}, interval time.Duration) {
	ping, _ := protocol.Encode(protocol.CmdPing)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if t.IsConnected() {
				t.SendLine(ping)
			}
		}
	}
}
