package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var ErrReconnectAborted = errors.New("reconnect aborted")

// Events are connection lifecycle callbacks. Any of them may be nil.
type Events struct {
	Disconnected    func(err error)
	Reconnecting    func(attempt, max int)
	Reconnected     func()
	ReconnectFailed func(err error)
}

func (e Events) disconnected(err error) {
	if e.Disconnected != nil {
		e.Disconnected(err)
	}
}

func (e Events) reconnecting(attempt, max int) {
	if e.Reconnecting != nil {
		e.Reconnecting(attempt, max)
	}
}

func (e Events) reconnected() {
	if e.Reconnected != nil {
		e.Reconnected()
	}
}

func (e Events) reconnectFailed(err error) {
	if e.ReconnectFailed != nil {
		e.ReconnectFailed(err)
	}
}

// Supervisor retries a connect function with a fixed delay and a bounded
// number of attempts. At most one run is active at a time.
type Supervisor struct {
	attempts int
	delay    time.Duration
	connect  func(ctx context.Context) error
	events   Events

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewSupervisor(attempts int, delay time.Duration, connect func(ctx context.Context) error, events Events) *Supervisor {
	if attempts <= 0 {
		attempts = 1
	}
	return &Supervisor{
		attempts: attempts,
		delay:    delay,
		connect:  connect,
		events:   events,
	}
}

// Start begins reconnecting on a new goroutine. It returns false when a run
// is already active.
func (s *Supervisor) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return true
}

// Stop cancels the active run, if any. It does not wait for it.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait blocks until the active run finishes.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	err := s.retry(ctx)
	cancelled := err != nil && ctx.Err() != nil

	s.mu.Lock()
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	close(done)

	switch {
	case err == nil:
		s.events.reconnected()
	case cancelled:
		log.Printf("transport: reconnect cancelled")
	default:
		s.events.reconnectFailed(err)
	}
}

// retry returns nil after the first successful connect.
func (s *Supervisor) retry(ctx context.Context) error {
	lastErr := ErrReconnectAborted
	for attempt := 1; attempt <= s.attempts; attempt++ {
		s.events.reconnecting(attempt, s.attempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}

		err := s.connect(ctx)
		if err == nil {
			log.Printf("transport: reconnected on attempt %d", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Printf("transport: reconnect attempt %d/%d failed: %v", attempt, s.attempts, err)
		lastErr = err
	}
	return lastErr
}
