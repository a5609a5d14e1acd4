// Package redisx dials the shared Redis client used by the redis job
// repository, leader election and the status stream.
package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClientWithBackoff dials Redis, retrying with exponential backoff
// until the ping succeeds or ctx is done. Startup ordering in compose
// environments makes the first few pings routinely fail.
func NewClientWithBackoff(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*redis.Client, error) {
	backoff := 200 * time.Millisecond
	const max = 5 * time.Second

	for {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		err := rdb.Ping(ctx).Err()
		if err == nil {
			return rdb, nil
		}
		_ = rdb.Close()
		log.Warnw("redis ping failed, retrying", "addr", cfg.Addr, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < max {
			backoff *= 2
			if backoff > max {
				backoff = max
			}
		}
	}
}
