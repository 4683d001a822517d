// Package pubsub is the topic fan-out used for call signaling and user notifications.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when publishing or subscribing on a closed broker.
var ErrClosed = errors.New("pubsub: broker closed")

// Handler receives one payload. Handlers for a single subscription run sequentially in
// transport order.
type Handler func(payload []byte)

// Subscription is a live topic registration. Close is idempotent, waits for an in-flight
// handler invocation to finish and, once it returns, no new handler invocation starts.
// A handler must not close its own subscription.
type Subscription interface {
	Topic() string
	Close() error
}

// Broker publishes to and subscribes on named topics. Delivery is best effort with no
// persistence: a subscriber only sees payloads published after Subscribe returned.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Close() error
}

// gate is embedded by subscriptions of both brokers.
type gate struct {
	topic   string
	handler Handler
	once    sync.Once

	mu     sync.Mutex // held while the handler runs
	closed bool
}

func (g *gate) Topic() string { return g.topic }

func (g *gate) deliver(payload []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.handler(payload)
}

// shut marks the gate closed and runs release exactly once.
func (g *gate) shut(release func() error) error {
	var err error
	g.once.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		err = release()
	})
	return err
}
