package stream

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"timerd/internal/job"
)

// RedisPublisher appends each status change to a Redis Stream as a JSON
// snapshot under the "data" field, the shape downstream audit/index
// consumers read with XREADGROUP. Publish failures are logged and
// dropped; the stream is best-effort by contract.
type RedisPublisher struct {
	rdb     *redis.Client
	stream  string
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewRedisPublisher(rdb *redis.Client, streamName string, log *zap.SugaredLogger) *RedisPublisher {
	if streamName == "" {
		streamName = "timerd:status"
	}
	return &RedisPublisher{
		rdb:     rdb,
		stream:  streamName,
		timeout: 2 * time.Second,
		log:     log.Named("stream"),
	}
}

var _ Sink = (*RedisPublisher)(nil)

func (p *RedisPublisher) OnStatusChange(d *job.Details) {
	data, err := job.MarshalDetails(d)
	if err != nil {
		p.log.Warnw("status snapshot encode failed", "job_id", d.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		ID:     "*",
		Values: map[string]any{"data": string(data)},
	}).Err()
	if err != nil {
		p.log.Warnw("status publish failed", "job_id", d.ID, "status", d.Status, "error", err)
	}
}
