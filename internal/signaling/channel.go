// Package signaling carries call signaling messages on a per-chat broadcast channel.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mossy-p/campus-signaling/internal/models"
	"github.com/mossy-p/campus-signaling/internal/pubsub"
	"github.com/mossy-p/campus-signaling/pkg/logger"
	"github.com/mossy-p/campus-signaling/pkg/metrics"
)

var ErrMissingChat = errors.New("signaling: chat id is required")

// Topic is the broker topic of a chat's signaling channel.
func Topic(chatID string) string {
	return "signal:" + chatID
}

// Channel publishes and subscribes SignalMessages on top of a pubsub.Broker.
type Channel struct {
	broker pubsub.Broker
	log    *zap.Logger
}

func NewChannel(broker pubsub.Broker) *Channel {
	return &Channel{broker: broker, log: logger.WithModule("signaling")}
}

// Publish validates msg, stamps it with chatID and sends it. It returns once the transport
// accepted the payload.
func (c *Channel) Publish(ctx context.Context, chatID string, msg models.SignalMessage) error {
	if chatID == "" {
		return ErrMissingChat
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	msg.ChatID = chatID

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signaling: encode message: %w", err)
	}
	if err := c.broker.Publish(ctx, Topic(chatID), data); err != nil {
		return err
	}
	metrics.SignalMessages.WithLabelValues(string(msg.Kind)).Inc()
	return nil
}

// Subscription is a live registration on a chat channel.
type Subscription struct {
	chatID string
	inner  pubsub.Subscription
	once   sync.Once
	err    error
}

func (s *Subscription) ChatID() string { return s.chatID }

// Close releases the channel. Safe to call repeatedly.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.err = s.inner.Close()
	})
	return s.err
}

// Subscribe calls onMessage for every valid message published on chatID, including the
// subscriber's own. Malformed frames are logged and dropped; they never end the subscription.
func (c *Channel) Subscribe(ctx context.Context, chatID string, onMessage func(models.SignalMessage)) (*Subscription, error) {
	if chatID == "" {
		return nil, ErrMissingChat
	}

	inner, err := c.broker.Subscribe(ctx, Topic(chatID), func(payload []byte) {
		msg, ok := c.decode(chatID, payload)
		if ok {
			onMessage(msg)
		}
	})
	if err != nil {
		return nil, err
	}
	return &Subscription{chatID: chatID, inner: inner}, nil
}

// Within subscribes for the duration of fn and releases the subscription on every return path.
func (c *Channel) Within(ctx context.Context, chatID string, onMessage func(models.SignalMessage), fn func(ctx context.Context) error) error {
	sub, err := c.Subscribe(ctx, chatID, onMessage)
	if err != nil {
		return err
	}
	defer sub.Close()
	return fn(ctx)
}

func (c *Channel) decode(chatID string, payload []byte) (models.SignalMessage, bool) {
	var msg models.SignalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.reject(chatID, "malformed", err)
		return msg, false
	}
	if msg.ChatID != chatID {
		c.reject(chatID, "wrong_chat", fmt.Errorf("message stamped for chat %q", msg.ChatID))
		return msg, false
	}
	if err := msg.Validate(); err != nil {
		c.reject(chatID, "invalid", err)
		return msg, false
	}
	return msg, true
}

func (c *Channel) reject(chatID, reason string, err error) {
	metrics.SignalRejected.WithLabelValues(reason).Inc()
	c.log.Warn("dropping signaling frame",
		zap.String("chat_id", chatID),
		zap.String("reason", reason),
		zap.Error(err),
	)
}
