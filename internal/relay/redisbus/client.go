package redisbus

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// NewClient connects to redis and verifies the connection.
func NewClient(ctx context.Context, redisURL string, log *zap.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Error("failed to parse redis URL", zap.Error(err))
		return nil, err
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", zap.Error(err))
		return nil, err
	}

	log.Info("connected to redis")
	return rdb, nil
}
