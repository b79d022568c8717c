package bus

import (
	"context"

	"github.com/pipebridge/relay/internal/jsonrpc"
)

// Bus handles fan-out of engine output to every live subscriber. It is the
// only path from the engine's stdout to connected clients: the engine pump
// publishes each parsed line exactly once, and every subscriber observes the
// published messages in publish order.
type Bus interface {
	// Publish assigns the message a monotonically increasing event ID and
	// delivers it to every current subscriber. Delivery to an individual
	// subscriber is best-effort: a subscriber whose queue is full misses the
	// message rather than stalling delivery to the others.
	Publish(ctx context.Context, message jsonrpc.Message) (eventID string, err error)

	// Subscribe registers a new subscriber queue. If lastEventID is non-empty
	// the stream replays retained messages published after that ID before
	// delivering live messages. The subscription ends when the stream is
	// closed or ctx is cancelled.
	Subscribe(ctx context.Context, lastEventID string) (Stream, error)

	// Subscribers returns the current number of live subscriber queues.
	// Observability only; the count is racy by nature.
	Subscribers() int

	// Close tears down the bus. All open streams end with io.EOF.
	Close() error
}

// Stream is one subscriber's ordered view of the broadcast. Streams are safe
// for use by a single consumer.
type Stream interface {
	// Next blocks until the next message is available or ctx is cancelled.
	// Returns io.EOF when the stream is closed and drained.
	Next(ctx context.Context) (Envelope, error)

	// Close unregisters the subscriber. Safe to call more than once.
	Close() error
}

// Envelope wraps a broadcast message with its event ID. The ID doubles as the
// SSE event id, letting reconnecting clients resume with Last-Event-ID.
type Envelope struct {
	// ID is unique and monotonically increasing across the bus.
	ID string `json:"id"`
	// Data is the verbatim JSON-RPC message.
	Data []byte `json:"data"`
}
