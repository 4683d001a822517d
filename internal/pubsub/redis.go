package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mossy-p/campus-signaling/pkg/logger"
)

const redisChannelPrefix = "campus:"

// RedisBroker relays topics over Redis PUBLISH/SUBSCRIBE so every instance behind the
// load balancer sees every signal. The client stays owned by the caller.
type RedisBroker struct {
	client *redis.Client
	log    *zap.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client: client,
		log:    logger.WithModule("pubsub"),
		subs:   make(map[*redisSubscription]struct{}),
	}
}

type redisSubscription struct {
	gate
	broker *RedisBroker
	ps     *redis.PubSub
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := b.client.Publish(ctx, redisChannelPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, redisChannelPrefix+topic)
	// wait for the server to confirm so publishes after Subscribe returns are not missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{
		gate:   gate{topic: topic, handler: handler},
		broker: b,
		ps:     ps,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(ps.Channel())
	return sub, nil
}

func (s *redisSubscription) run(ch <-chan *redis.Message) {
	for msg := range ch {
		s.deliver([]byte(msg.Payload))
	}
}

func (s *redisSubscription) Close() error {
	return s.shut(func() error {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()

		if err := s.ps.Close(); err != nil {
			s.broker.log.Debug("closing redis subscription", zap.String("topic", s.topic), zap.Error(err))
		}
		return nil
	})
}

// Close releases every subscription opened through this broker.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
