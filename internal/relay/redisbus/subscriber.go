package redisbus

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"spacerelay/internal/event"
	"spacerelay/internal/metrics"
	"spacerelay/internal/topic"
)

// Delivery is one envelope copy arriving on one topic channel. An envelope
// published to N topics surfaces as N deliveries; receivers collapse them by
// dedup key.
type Delivery struct {
	Topic    string
	Envelope *event.Envelope
}

// Subscriber pattern-subscribes to every topic channel and feeds deliveries
// to the hub in redis channel order.
type Subscriber struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewSubscriber(rdb *redis.Client, log *zap.Logger) *Subscriber {
	return &Subscriber{rdb: rdb, log: log}
}

// Run blocks until ctx is cancelled or the pub/sub connection closes.
// Malformed payloads are logged and skipped; one bad envelope must not block
// the ones behind it.
func (s *Subscriber) Run(ctx context.Context, out chan<- Delivery) error {
	pubsub := s.rdb.PSubscribe(ctx, topic.ChannelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		s.log.Error("failed to confirm pattern subscription", zap.Error(err))
		return err
	}
	s.log.Info("subscribed to topic channels", zap.String("pattern", topic.ChannelPattern))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				s.log.Info("pub/sub channel closed")
				return nil
			}
			name, ok := topic.FromChannel(msg.Channel)
			if !ok {
				continue
			}
			env, err := event.Unmarshal([]byte(msg.Payload))
			if err != nil {
				s.log.Error("malformed envelope on bus",
					zap.String("channel", msg.Channel), zap.Error(err))
				metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
				continue
			}
			if err := env.Validate(); err != nil {
				s.log.Error("invalid envelope on bus",
					zap.String("channel", msg.Channel), zap.Error(err))
				metrics.EnvelopesDropped.WithLabelValues("invalid").Inc()
				continue
			}

			select {
			case out <- Delivery{Topic: name, Envelope: env}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
