// Package redis provides a Redis Streams implementation of the bus.Bus
// interface. It lets several relay instances share one engine's broadcast:
// the instance owning the engine process publishes, and every instance serves
// streaming subscribers from the shared stream.
package redis

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pipebridge/relay/bus"
	"github.com/pipebridge/relay/internal/jsonrpc"
)

// Bus is a Redis Streams-backed bus.Bus. Event IDs are the Redis stream
// entry IDs, which are unique and monotonically increasing, so they serve
// directly as SSE event ids for resumption.
type Bus struct {
	client     redis.UniversalClient
	ownsClient bool
	keyPrefix  string
	maxLen     int64

	subs   atomic.Int64
	closed atomic.Bool
}

// Config contains configuration options for the Redis bus.
type Config struct {
	// Client is the Redis client to use. If nil, a default client is created
	// from Addr and owned (closed) by the bus.
	Client redis.UniversalClient
	// Addr is the Redis address used when Client is nil. Defaults to
	// "localhost:6379".
	Addr string
	// KeyPrefix is prepended to all Redis keys used by the bus. Defaults to
	// "relay:bus:".
	KeyPrefix string
	// MaxLen bounds the stream length (approximate trimming). Defaults to
	// 4096; this is the multi-instance analogue of the in-process replay
	// window.
	MaxLen int64
}

// New creates a Redis Streams bus.
func New(cfg Config) *Bus {
	client := cfg.Client
	owns := false
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		owns = true
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "relay:bus:"
	}

	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 4096
	}

	return &Bus{
		client:     client,
		ownsClient: owns,
		keyPrefix:  keyPrefix,
		maxLen:     maxLen,
	}
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, message jsonrpc.Message) (string, error) {
	if b.closed.Load() {
		return "", fmt.Errorf("bus is closed")
	}

	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": []byte(message)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", b.streamKey(), err)
	}

	return eventID, nil
}

// Subscribe implements bus.Bus. The returned stream delivers messages
// published after the subscription is created, or after lastEventID when one
// is supplied and still retained.
func (b *Bus) Subscribe(ctx context.Context, lastEventID string) (bus.Stream, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("bus is closed")
	}

	startID := lastEventID
	if startID == "" {
		// Resolve "now" to a concrete entry ID so no message published
		// between this call and the first read is missed.
		entries, err := b.client.XRevRangeN(ctx, b.streamKey(), "+", "-", 1).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to resolve stream head for %s: %w", b.streamKey(), err)
		}
		if len(entries) > 0 {
			startID = entries[0].ID
		} else {
			startID = "0"
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.subs.Add(1)
	return &stream{
		bus:    b,
		lastID: startID,
		ctx:    subCtx,
		cancel: cancel,
	}, nil
}

// Subscribers implements bus.Bus. The count covers this instance only; other
// relay instances sharing the stream track their own subscribers.
func (b *Bus) Subscribers() int {
	return int(b.subs.Load())
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

func (b *Bus) streamKey() string {
	return b.keyPrefix + "stream"
}

type stream struct {
	bus    *Bus
	lastID string
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Next implements bus.Stream. It polls the stream with short blocking reads
// so cancellation is observed within one block interval.
func (s *stream) Next(ctx context.Context) (bus.Envelope, error) {
	for {
		if s.closed.Load() || s.bus.closed.Load() {
			return bus.Envelope{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return bus.Envelope{}, err
		}
		if err := s.ctx.Err(); err != nil {
			return bus.Envelope{}, err
		}

		streams, err := s.bus.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.bus.streamKey(), s.lastID},
			Count:   1,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return bus.Envelope{}, ctx.Err()
			}
			return bus.Envelope{}, fmt.Errorf("failed to read from stream %s: %w", s.bus.streamKey(), err)
		}

		for _, str := range streams {
			for _, message := range str.Messages {
				s.lastID = message.ID

				data, ok := message.Values["data"].(string)
				if !ok {
					continue
				}
				return bus.Envelope{ID: message.ID, Data: []byte(data)}, nil
			}
		}
	}
}

// Close implements bus.Stream.
func (s *stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.subs.Add(-1)
		s.cancel()
	}
	return nil
}

// Compile-time interface checks.
var (
	_ bus.Bus    = (*Bus)(nil)
	_ bus.Stream = (*stream)(nil)
)
