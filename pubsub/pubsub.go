// Package pubsub is the cluster notification contract used to tell other
// nodes about session lifecycle events. Implementations live in the memory
// and redis subpackages.
package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("pubsub: store closed")

// Type selects the topic a message is published on.
type Type string

const (
	Connect    Type = "connect"
	Disconnect Type = "disconnect"
	Join       Type = "join"
	Leave      Type = "leave"
)

// Message describes a session event. NodeID identifies the publishing node so
// subscribers can ignore their own events.
type Message struct {
	SessionID string `msgpack:"sid" json:"sid"`
	NodeID    string `msgpack:"node" json:"node"`
	Namespace string `msgpack:"ns,omitempty" json:"ns,omitempty"`
	Room      string `msgpack:"room,omitempty" json:"room,omitempty"`
}

// Handler receives delivered messages. Handlers for one subscription are
// called sequentially in publish order.
type Handler func(ctx context.Context, msg Message)

// Store publishes and delivers session events.
type Store interface {
	// Publish sends msg to every subscriber of typ.
	Publish(ctx context.Context, typ Type, msg Message) error

	// Subscribe registers h for typ. It returns once the subscription is
	// active; delivery continues in the background until ctx is done or the
	// store is closed.
	Subscribe(ctx context.Context, typ Type, h Handler) error

	// Close ends every subscription and releases resources.
	Close() error
}
