package pubsub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mossy-p/campus-signaling/pkg/logger"
)

const memoryQueueSize = 256

// MemoryBroker fans out in-process. It backs single-node deployments and tests.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
	closed bool
	log    *zap.Logger
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics: make(map[string]map[*memorySubscription]struct{}),
		log:    logger.WithModule("pubsub"),
	}
}

type memorySubscription struct {
	gate
	broker *MemoryBroker
	queue  chan []byte
	done   chan struct{}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for sub := range b.topics[topic] {
		data := append([]byte(nil), payload...)
		select {
		case sub.queue <- data:
		case <-sub.done:
		default:
			b.log.Warn("dropping payload, subscriber buffer full", zap.String("topic", topic))
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		gate:   gate{topic: topic, handler: handler},
		broker: b,
		queue:  make(chan []byte, memoryQueueSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			s.deliver(payload)
		}
	}
}

func (s *memorySubscription) Close() error {
	return s.shut(func() error {
		s.broker.remove(s)
		close(s.done)
		return nil
	})
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Close drops every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, topicSubs := range b.topics {
		for sub := range topicSubs {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
