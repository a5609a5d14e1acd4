// Package leader elects a single active scheduling instance per cluster
// using a Redis key with SETNX and a TTL heartbeat.
package leader

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Listener is told about leadership transitions. BecomeActive is invoked
// once per term gained, BecomePassive once per term lost.
type Listener interface {
	BecomeActive(ctx context.Context)
	BecomePassive()
}

// redisCommands is the slice of the Redis API the coordinator needs.
type redisCommands interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Config struct {
	Key        string
	TTL        time.Duration
	Heartbeat  time.Duration
	InstanceID string
}

func DefaultConfig() Config {
	return Config{
		Key:       "timerd:leader",
		TTL:       10 * time.Second,
		Heartbeat: 3 * time.Second,
	}
}

// Coordinator runs the election loop. Exactly one instance holds the key
// at a time; holding it makes this instance the active scheduler.
type Coordinator struct {
	rdb      redisCommands
	cfg      Config
	listener Listener
	log      *zap.SugaredLogger

	isLeader atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewCoordinator(rdb redisCommands, cfg Config, listener Listener, log *zap.SugaredLogger) *Coordinator {
	def := DefaultConfig()
	if cfg.Key == "" {
		cfg.Key = def.Key
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = hostname()
	}
	return &Coordinator{
		rdb:      rdb,
		cfg:      cfg,
		listener: listener,
		log:      log.Named("leader"),
	}
}

// Start spawns the election loop. The first tick happens immediately so a
// lone instance does not wait a full heartbeat to become active.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			c.tick(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop resigns leadership, releasing the key so a standby can take over
// without waiting out the TTL.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if c.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if val, err := c.rdb.Get(ctx, c.cfg.Key).Result(); err == nil && val == c.cfg.InstanceID {
			_ = c.rdb.Del(ctx, c.cfg.Key).Err()
		}
		c.demote()
	}
}

func (c *Coordinator) IsLeader() bool { return c.isLeader.Load() }

func (c *Coordinator) tick(ctx context.Context) {
	if !c.isLeader.Load() {
		ok, err := c.rdb.SetNX(ctx, c.cfg.Key, c.cfg.InstanceID, c.cfg.TTL).Result()
		if err != nil {
			c.log.Warnw("leader acquire failed", "error", err)
			return
		}
		if ok {
			c.promote(ctx)
		}
		return
	}

	if err := c.rdb.PExpire(ctx, c.cfg.Key, c.cfg.TTL).Err(); err != nil {
		c.log.Warnw("leader renew failed", "error", err)
		c.demote()
		return
	}
	val, err := c.rdb.Get(ctx, c.cfg.Key).Result()
	if err != nil || val != c.cfg.InstanceID {
		c.demote()
	}
}

func (c *Coordinator) promote(ctx context.Context) {
	c.isLeader.Store(true)
	c.log.Infow("leadership acquired", "instance", c.cfg.InstanceID, "key", c.cfg.Key)
	c.listener.BecomeActive(ctx)
}

func (c *Coordinator) demote() {
	if !c.isLeader.Swap(false) {
		return
	}
	c.log.Warnw("leadership lost", "instance", c.cfg.InstanceID, "key", c.cfg.Key)
	c.listener.BecomePassive()
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "instance"
}
