// Package memory provides an in-process implementation of the bus.Bus
// interface using Go channels for delivery. This is the default backend for a
// single relay instance owning its engine process.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pipebridge/relay/bus"
	"github.com/pipebridge/relay/internal/jsonrpc"
)

const (
	defaultQueueCapacity = 128
	defaultReplayWindow  = 256
)

// Bus implements bus.Bus with a mutex-guarded subscriber set and one bounded
// channel per subscriber. A publish iterates the set while holding the lock
// and uses a non-blocking send, so a slow subscriber misses messages instead
// of delaying the rest. Recently published envelopes are retained in a
// bounded window to serve Last-Event-ID resumption.
type Bus struct {
	queueCapacity int
	replayWindow  int

	mu      sync.Mutex
	subs    map[*stream]struct{}
	history []bus.Envelope
	closed  bool

	seq     atomic.Int64
	dropped atomic.Int64
}

// Option customizes a Bus.
type Option func(*Bus)

// WithQueueCapacity sets the per-subscriber channel capacity. When a
// subscriber's channel is full, further publishes are dropped for that
// subscriber until it drains.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueCapacity = n
		}
	}
}

// WithReplayWindow sets how many recent envelopes are retained for
// Last-Event-ID resumption. Zero disables replay.
func WithReplayWindow(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.replayWindow = n
		}
	}
}

type stream struct {
	bus     *Bus
	ch      chan bus.Envelope
	pending []bus.Envelope
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
}

// New creates an in-process bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queueCapacity: defaultQueueCapacity,
		replayWindow:  defaultReplayWindow,
		subs:          make(map[*stream]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, message jsonrpc.Message) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	eventID := strconv.FormatInt(b.seq.Add(1), 10)
	env := bus.Envelope{ID: eventID, Data: []byte(message)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", fmt.Errorf("bus is closed")
	}

	if b.replayWindow > 0 {
		b.history = append(b.history, env)
		if len(b.history) > b.replayWindow {
			b.history = b.history[len(b.history)-b.replayWindow:]
		}
	}

	for sub := range b.subs {
		select {
		case sub.ch <- env:
		case <-sub.ctx.Done():
			delete(b.subs, sub)
		default:
			// Queue is full: this subscriber misses the message. Other
			// subscribers are unaffected.
			b.dropped.Add(1)
		}
	}

	return eventID, nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, lastEventID string) (bus.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &stream{
		bus:    b,
		ch:     make(chan bus.Envelope, b.queueCapacity),
		ctx:    subCtx,
		cancel: cancel,
	}

	if lastEventID != "" {
		if idx := b.historyIndex(lastEventID); idx >= 0 {
			// Served ahead of live messages; no channel capacity consumed.
			sub.pending = append(sub.pending, b.history[idx+1:]...)
		}
	}

	b.subs[sub] = struct{}{}
	return sub, nil
}

// historyIndex returns the retained index of eventID, or -1 if it has been
// evicted from the replay window. Callers must hold b.mu.
func (b *Bus) historyIndex(eventID string) int {
	for i, env := range b.history {
		if env.ID == eventID {
			return i
		}
	}
	return -1
}

// Subscribers implements bus.Bus.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the total number of envelopes dropped due to full
// subscriber queues since the bus was created.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for sub := range b.subs {
		if sub.closed.CompareAndSwap(false, true) {
			sub.cancel()
			close(sub.ch)
		}
	}
	b.subs = make(map[*stream]struct{})
	b.history = nil

	return nil
}

// Next implements bus.Stream.
func (s *stream) Next(ctx context.Context) (bus.Envelope, error) {
	if len(s.pending) > 0 {
		env := s.pending[0]
		s.pending = s.pending[1:]
		return env, nil
	}

	if s.closed.Load() {
		return bus.Envelope{}, io.EOF
	}

	select {
	case env, ok := <-s.ch:
		if !ok {
			return bus.Envelope{}, io.EOF
		}
		return env, nil
	case <-ctx.Done():
		return bus.Envelope{}, ctx.Err()
	case <-s.ctx.Done():
		// Closing the stream (or the bus) marks it closed before cancelling,
		// so a teardown-driven cancellation reports io.EOF rather than a
		// context error.
		if s.closed.Load() {
			return bus.Envelope{}, io.EOF
		}
		return bus.Envelope{}, s.ctx.Err()
	}
}

// Close implements bus.Stream.
func (s *stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		s.cancel()
		close(s.ch)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ bus.Bus    = (*Bus)(nil)
	_ bus.Stream = (*stream)(nil)
)
