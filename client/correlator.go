package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"chatwire/protocol"
)

var ErrTimeout = errors.New("request timed out")

type result struct {
	msg protocol.Message
	err error
}

// Correlator pairs requests with their responses by request key.
type Correlator struct {
	keys    protocol.KeyGenerator
	send    func(line string) error
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan result
}

// NewCorrelator creates a Correlator that writes lines with send. timeout
// applies to Request.
func NewCorrelator(send func(line string) error, timeout time.Duration) *Correlator {
	return &Correlator{
		send:    send,
		timeout: timeout,
		pending: make(map[string]chan result),
	}
}

// Request sends cmd with a fresh key and waits for the matching response.
func (c *Correlator) Request(ctx context.Context, cmd protocol.Command, fields ...string) (protocol.Response, error) {
	return c.RequestTimeout(ctx, c.timeout, cmd, fields...)
}

// Notify sends cmd with a fresh key and does not wait. A failure reply comes
// back under that key, matches no waiter and is dropped.
func (c *Correlator) Notify(cmd protocol.Command, fields ...string) error {
	line, err := protocol.EncodeRequest(cmd, c.nextKey(cmd, fields), fields...)
	if err != nil {
		return err
	}
	return c.send(line)
}

func (c *Correlator) nextKey(cmd protocol.Command, fields []string) string {
	return c.keys.Next(string(cmd) + protocol.Delimiter + strings.Join(fields, protocol.Delimiter))
}

// RequestTimeout is Request with an explicit timeout. An ERROR response is
// returned as *protocol.ServerError.
func (c *Correlator) RequestTimeout(ctx context.Context, timeout time.Duration, cmd protocol.Command, fields ...string) (protocol.Response, error) {
	key := c.nextKey(cmd, fields)
	line, err := protocol.EncodeRequest(cmd, key, fields...)
	if err != nil {
		return protocol.Response{}, err
	}

	ch := c.register(key)
	defer c.remove(key)

	if err := c.send(line); err != nil {
		return protocol.Response{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return protocol.Response{}, res.err
		}
		return protocol.ParseResponse(res.msg)
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	case <-timer.C:
		return protocol.Response{}, ErrTimeout
	}
}

func (c *Correlator) register(key string) chan result {
	ch := make(chan result, 1)
	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()
	return ch
}

func (c *Correlator) remove(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// Deliver hands msg to the waiter registered under msg.Key.
func (c *Correlator) Deliver(msg protocol.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[msg.Key]
	if ok {
		delete(c.pending, msg.Key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- result{msg: msg}
	return true
}

// FailAll completes every pending request with err.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	waiters := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- result{err: err}
	}
}

// Pending returns the number of requests waiting for a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
