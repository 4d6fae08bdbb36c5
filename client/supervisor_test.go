package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu           sync.Mutex
	attempts     []int
	reconnected  int
	failed       []error
	disconnected []error
}

func (l *eventLog) events() Events {
	return Events{
		Disconnected: func(err error) {
			l.mu.Lock()
			l.disconnected = append(l.disconnected, err)
			l.mu.Unlock()
		},
		Reconnecting: func(attempt, max int) {
			l.mu.Lock()
			l.attempts = append(l.attempts, attempt)
			l.mu.Unlock()
		},
		Reconnected: func() {
			l.mu.Lock()
			l.reconnected++
			l.mu.Unlock()
		},
		ReconnectFailed: func(err error) {
			l.mu.Lock()
			l.failed = append(l.failed, err)
			l.mu.Unlock()
		},
	}
}

func (l *eventLog) snapshot() (attempts []int, reconnected int, failed []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.attempts...), l.reconnected, append([]error(nil), l.failed...)
}

func TestSupervisorSucceedsOnSecondAttempt(t *testing.T) {
	var log eventLog
	var calls atomic.Int32
	s := NewSupervisor(5, 10*time.Millisecond, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("connection refused")
		}
		return nil
	}, log.events())

	require.True(t, s.Start())
	s.Wait()

	attempts, reconnected, failed := log.snapshot()
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, 1, reconnected)
	assert.Empty(t, failed)
	assert.False(t, s.Running())
}

func TestSupervisorGivesUp(t *testing.T) {
	var log eventLog
	refused := errors.New("connection refused")
	s := NewSupervisor(3, 5*time.Millisecond, func(ctx context.Context) error {
		return refused
	}, log.events())

	require.True(t, s.Start())
	s.Wait()

	attempts, reconnected, failed := log.snapshot()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, 0, reconnected)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], refused)
}

func TestSupervisorSingleRun(t *testing.T) {
	release := make(chan struct{})
	s := NewSupervisor(1, time.Millisecond, func(ctx context.Context) error {
		<-release
		return nil
	}, Events{})

	require.True(t, s.Start())
	assert.False(t, s.Start())
	assert.True(t, s.Running())

	close(release)
	s.Wait()
	assert.False(t, s.Running())
	assert.True(t, s.Start())
	s.Wait()
}

func TestSupervisorStop(t *testing.T) {
	var log eventLog
	s := NewSupervisor(10, time.Second, func(ctx context.Context) error {
		return errors.New("unreachable")
	}, log.events())

	require.True(t, s.Start())
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	_, reconnected, failed := log.snapshot()
	assert.Equal(t, 0, reconnected)
	assert.Empty(t, failed)
	assert.False(t, s.Running())
}
