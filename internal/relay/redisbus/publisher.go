package redisbus

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"spacerelay/internal/event"
	"spacerelay/internal/metrics"
	"spacerelay/internal/topic"
)

// Publisher writes envelopes onto the shared backing log. Every topic in the
// envelope gets a copy on its own redis channel; per-topic ordering is
// inherited from redis channel ordering, which also holds across
// horizontally scaled hub instances.
type Publisher struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewPublisher(rdb *redis.Client, log *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: log}
}

func (p *Publisher) Publish(ctx context.Context, env *event.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("refusing to publish envelope: %w", err)
	}

	payload, err := env.Marshal()
	if err != nil {
		p.log.Error("failed to marshal envelope",
			zap.String("event", env.Event), zap.String("dedupKey", env.DedupKey), zap.Error(err))
		return err
	}

	for _, name := range env.Topics {
		channel := topic.Channel(name)
		if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
			p.log.Error("failed to publish envelope",
				zap.String("event", env.Event), zap.String("channel", channel), zap.Error(err))
			return err
		}
	}

	metrics.EnvelopesPublished.Inc()
	return nil
}
