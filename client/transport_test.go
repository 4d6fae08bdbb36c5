package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"chatwire/config"
	"chatwire/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts connections and hands them to the test.
type fakeServer struct {
	t     *testing.T
	ln    net.Listener
	conns chan *peerConn
}

type peerConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeServer{t: t, ln: ln, conns: make(chan *peerConn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.conns <- &peerConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeServer) config() *config.ClientConfig {
	addr := f.ln.Addr().(*net.TCPAddr)
	return &config.ClientConfig{
		Host:              "127.0.0.1",
		Port:              addr.Port,
		DialTimeout:       time.Second,
		RequestTimeout:    3 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    20 * time.Millisecond,
	}
}

func (f *fakeServer) accept() *peerConn {
	f.t.Helper()
	select {
	case c := <-f.conns:
		f.t.Cleanup(func() { c.conn.Close() })
		return c
	case <-time.After(3 * time.Second):
		f.t.Fatal("no connection accepted")
		return nil
	}
}

func (f *fakeServer) expectNoConnection(wait time.Duration) {
	f.t.Helper()
	select {
	case <-f.conns:
		f.t.Fatal("unexpected connection")
	case <-time.After(wait):
	}
}

func (p *peerConn) read() protocol.Message {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := p.reader.ReadString('\n')
	require.NoError(p.t, err)
	msg, err := protocol.Decode(line)
	require.NoError(p.t, err)
	return msg
}

func (p *peerConn) write(cmd protocol.Command, key string, fields ...string) {
	p.t.Helper()
	line, err := protocol.EncodeRequest(cmd, key, fields...)
	require.NoError(p.t, err)
	_, err = p.conn.Write([]byte(line))
	require.NoError(p.t, err)
}

func connectTransport(t *testing.T, f *fakeServer, events Events) (*Transport, *peerConn) {
	t.Helper()
	tr := NewTransport(f.config(), events)
	t.Cleanup(tr.Close)
	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, StateConnected, tr.State())
	return tr, f.accept()
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting")
		var zero T
		return zero
	}
}

func TestTransportSendWithoutConnection(t *testing.T) {
	f := startFakeServer(t)
	tr := NewTransport(f.config(), Events{})

	assert.ErrorIs(t, tr.Send(protocol.CmdPing), ErrNotConnected)
	_, err := tr.Request(context.Background(), protocol.CmdPing)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, tr.Pending())

	tr.Close()
	assert.ErrorIs(t, tr.Connect(context.Background()), ErrClosed)
}

func TestTransportRouting(t *testing.T) {
	f := startFakeServer(t)
	tr, peer := connectTransport(t, f, Events{})

	pushes := make(chan protocol.Message, 4)
	standing := make(chan protocol.Message, 4)
	fallback := make(chan protocol.Message, 4)
	tr.Handle(protocol.CmdMessageReceive, func(m protocol.Message) { pushes <- m })
	tr.Handle(protocol.CmdTypingStatus, func(m protocol.Message) { standing <- m })
	tr.HandleFallback(func(m protocol.Message) { fallback <- m })

	// keyed response to the exact waiter
	result := make(chan protocol.Response, 1)
	go func() {
		resp, err := tr.Request(context.Background(), protocol.CmdUserStatus, "bob")
		assert.NoError(t, err)
		result <- resp
	}()
	req := peer.read()
	assert.Equal(t, protocol.CmdUserStatus, req.Command)
	assert.Equal(t, "bob", req.Field(0))
	peer.write(protocol.CmdSuccess, req.Key, "Status", "bob", "true")
	assert.Equal(t, "bob", receive(t, result).Field(0))

	// a push goes to its handler even with a key on it
	peer.write(protocol.CmdMessageReceive, "REQ_1_abc_1", "m1", "c1", "alice", "hi")
	assert.Equal(t, "m1", receive(t, pushes).Field(0))

	peer.write(protocol.CmdTypingStatus, "", "c1", "alice", "true")
	assert.Equal(t, "alice", receive(t, standing).Field(1))

	// a keyless error is never taken for a pending request
	go func() {
		resp, err := tr.Request(context.Background(), protocol.CmdContactList)
		assert.NoError(t, err)
		result <- resp
	}()
	req = peer.read()
	peer.write(protocol.CmdError, "", "NOT_FOUND", "Call not found")
	assert.Equal(t, protocol.CmdError, receive(t, fallback).Command)
	assert.Equal(t, 1, tr.Pending())
	peer.write(protocol.CmdSuccess, req.Key, "Contacts", "0", "")
	assert.Equal(t, "Contacts", receive(t, result).Message)

	// nothing claims these
	peer.write(protocol.CmdSuccess, "REQ_1_abc_9", "stray")
	assert.Equal(t, protocol.CmdSuccess, receive(t, fallback).Command)
	peer.write(protocol.CmdCallIncoming, "", "call", "c1", "alice", "Alice", "audio")
	assert.Equal(t, protocol.CmdCallIncoming, receive(t, fallback).Command)
	assert.Empty(t, standing)
	assert.Empty(t, pushes)
}

func TestTransportHandlerPanicKeepsReading(t *testing.T) {
	f := startFakeServer(t)
	tr, peer := connectTransport(t, f, Events{})

	got := make(chan string, 1)
	tr.Handle(protocol.CmdTypingStatus, func(m protocol.Message) {
		if m.Field(0) == "boom" {
			panic("handler failure")
		}
		got <- m.Field(0)
	})

	peer.write(protocol.CmdTypingStatus, "", "boom", "u", "true")
	peer.write(protocol.CmdTypingStatus, "", "ok", "u", "true")
	assert.Equal(t, "ok", receive(t, got))
	assert.True(t, tr.IsConnected())
}

func TestTransportReconnectsAfterDrop(t *testing.T) {
	f := startFakeServer(t)
	disconnected := make(chan error, 1)
	reconnected := make(chan struct{}, 1)
	tr, peer := connectTransport(t, f, Events{
		Disconnected: func(err error) { disconnected <- err },
		Reconnected:  func() { reconnected <- struct{}{} },
	})

	pending := make(chan error, 1)
	go func() {
		_, err := tr.Request(context.Background(), protocol.CmdContactList)
		pending <- err
	}()
	peer.read()
	peer.conn.Close()

	assert.ErrorIs(t, receive(t, pending), ErrNotConnected)
	assert.Error(t, receive(t, disconnected))

	second := f.accept()
	receive(t, reconnected)
	assert.Equal(t, StateConnected, tr.State())

	require.NoError(t, tr.Send(protocol.CmdPing))
	assert.Equal(t, protocol.CmdPing, second.read().Command)
}

func TestTransportReconnectsOnSecondAttempt(t *testing.T) {
	f := startFakeServer(t)
	reconnecting := make(chan int, 4)
	reconnected := make(chan struct{}, 4)
	connectErr := make(chan error, 1)

	var tr *Transport
	var dials atomic.Int32
	dialer := &net.Dialer{Timeout: time.Second}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if dials.Add(1) == 2 {
			connectErr <- tr.Connect(ctx)
			return nil, errors.New("connection refused")
		}
		return dialer.DialContext(ctx, network, addr)
	}
	tr = NewTransport(f.config(), Events{
		Reconnecting: func(attempt, max int) { reconnecting <- attempt },
		Reconnected:  func() { reconnected <- struct{}{} },
	}, WithDialer(dial))
	t.Cleanup(tr.Close)

	require.NoError(t, tr.Connect(context.Background()))
	first := f.accept()
	// nothing to wait for yet
	tr.WaitReconnect()

	first.conn.Close()
	second := f.accept()
	receive(t, reconnected)
	tr.WaitReconnect()

	assert.ErrorIs(t, receive(t, connectErr), ErrConnecting)
	assert.Equal(t, int32(3), dials.Load())
	assert.Equal(t, 1, receive(t, reconnecting))
	assert.Equal(t, 2, receive(t, reconnecting))
	assert.Empty(t, reconnecting)
	assert.Empty(t, reconnected)
	assert.Equal(t, StateConnected, tr.State())

	require.NoError(t, tr.Send(protocol.CmdPing))
	assert.Equal(t, protocol.CmdPing, second.read().Command)
}

func TestTransportConnectWhileDialing(t *testing.T) {
	f := startFakeServer(t)
	release := make(chan struct{})
	dialer := &net.Dialer{Timeout: time.Second}
	tr := NewTransport(f.config(), Events{}, WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-release
		return dialer.DialContext(ctx, network, addr)
	}))
	t.Cleanup(tr.Close)

	first := make(chan error, 1)
	go func() { first <- tr.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return tr.State() == StateConnecting }, 3*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, tr.Connect(context.Background()), ErrConnecting)
	assert.ErrorIs(t, tr.Send(protocol.CmdPing), ErrNotConnected)

	close(release)
	require.NoError(t, receive(t, first))
	f.accept()
	assert.NoError(t, tr.Connect(context.Background()))
}

func TestTransportByeDisablesReconnect(t *testing.T) {
	f := startFakeServer(t)
	disconnected := make(chan error, 1)
	tr, peer := connectTransport(t, f, Events{
		Disconnected: func(err error) { disconnected <- err },
	})

	peer.write(protocol.CmdBye, "", "server shutting down")
	peer.conn.Close()

	receive(t, disconnected)
	f.expectNoConnection(200 * time.Millisecond)
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestTransportExplicitDisconnect(t *testing.T) {
	f := startFakeServer(t)
	disconnected := make(chan error, 1)
	tr, _ := connectTransport(t, f, Events{
		Disconnected: func(err error) { disconnected <- err },
	})

	tr.Disconnect()
	assert.Equal(t, StateDisconnected, tr.State())
	f.expectNoConnection(200 * time.Millisecond)
	assert.Empty(t, disconnected)

	// a later explicit Connect works
	require.NoError(t, tr.Connect(context.Background()))
	f.accept()
}

func TestTransportReconnectGivesUp(t *testing.T) {
	f := startFakeServer(t)
	failed := make(chan error, 1)
	attempts := make(chan int, 8)
	tr, peer := connectTransport(t, f, Events{
		Reconnecting:    func(attempt, max int) { attempts <- attempt },
		ReconnectFailed: func(err error) { failed <- err },
	})

	f.ln.Close()
	peer.conn.Close()

	assert.Error(t, receive(t, failed))
	assert.Len(t, attempts, 3)
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestTransportHeartbeat(t *testing.T) {
	f := startFakeServer(t)
	cfg := f.config()
	cfg.KeepAlive = 30 * time.Millisecond
	tr := NewTransport(cfg, Events{})
	t.Cleanup(tr.Close)
	require.NoError(t, tr.Connect(context.Background()))
	peer := f.accept()

	ping := peer.read()
	assert.Equal(t, protocol.CmdPing, ping.Command)
	assert.Empty(t, ping.Key)
	peer.write(protocol.CmdPong, "")

	assert.Eventually(t, func() bool { return !tr.LastPong().IsZero() }, 3*time.Second, 10*time.Millisecond)
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		StateClosed:       "closed",
		State(42):         "unknown",
	} {
		assert.Equal(t, want, s.String(), strconv.Itoa(int(s)))
	}
}
