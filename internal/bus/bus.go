// Package bus carries control-plane messages between the supervisor and the
// job executors.
//
// Delivery is at least once: a message is removed from its topic only after
// the handler returns nil. A handler error hands the message back for
// redelivery after a delay, so handlers must tolerate duplicates.
package bus

import (
	"context"
	"errors"
)

// Handler consumes one message payload.
type Handler func(ctx context.Context, payload []byte) error

// Bus publishes to and consumes from named topics. Each message on a topic is
// delivered to exactly one subscriber of that topic.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe blocks, feeding messages to handler until ctx is cancelled.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Recoverer is implemented by buses that keep in-flight messages across
// process restarts.
type Recoverer interface {
	Recover(ctx context.Context, topic string) (int, error)
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bus closed")
