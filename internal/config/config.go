// Package config loads process configuration from the environment. A
// .env file, when present, seeds variables that are not already set.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Backend names a job repository implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

type Config struct {
	// HTTPAddr is the REST listen address.
	HTTPAddr string
	// Backend selects the job repository implementation.
	Backend Backend
	// PostgresDSN is required when Backend is postgres.
	PostgresDSN string

	// RedisAddr and RedisPassword configure the shared Redis client used
	// for the redis backend, leader election and the status stream.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LeaderEnabled turns on Redis leader election. When off the single
	// instance is always active.
	LeaderEnabled bool
	LeaderKey     string
	LeaderTTL     time.Duration

	// StatusStream is the Redis Stream receiving job status events; empty
	// disables publishing.
	StatusStream string

	MaxRetries     int
	RetryBase      time.Duration
	RetryCap       time.Duration
	Workers        int
	RecoveryWindow time.Duration
	ScanInterval   time.Duration
	// ScheduleTolerance is how far in the past a fire time may lie and
	// still be accepted at submission.
	ScheduleTolerance time.Duration

	// RateLimit is the sustained request budget per second for the REST
	// front door; RateBurst is its burst allowance. Zero disables limiting.
	RateLimit float64
	RateBurst int

	LogLevel string
}

// Load reads the environment, optionally seeded from .env.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:      getenv("TIMERD_HTTP_ADDR", ":8080"),
		Backend:       Backend(getenv("TIMERD_BACKEND", string(BackendMemory))),
		PostgresDSN:   os.Getenv("TIMERD_POSTGRES_DSN"),
		RedisAddr:     getenv("TIMERD_REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("TIMERD_REDIS_PASSWORD"),
		LeaderKey:     getenv("TIMERD_LEADER_KEY", "timerd:leader"),
		StatusStream:  os.Getenv("TIMERD_STATUS_STREAM"),
		LogLevel:      getenv("TIMERD_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RedisDB, err = getint("TIMERD_REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.LeaderEnabled, err = getbool("TIMERD_LEADER_ENABLED", false); err != nil {
		return cfg, err
	}
	if cfg.LeaderTTL, err = getduration("TIMERD_LEADER_TTL", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = getint("TIMERD_MAX_RETRIES", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBase, err = getduration("TIMERD_RETRY_BASE", time.Second); err != nil {
		return cfg, err
	}
	if cfg.RetryCap, err = getduration("TIMERD_RETRY_CAP", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Workers, err = getint("TIMERD_WORKERS", 4); err != nil {
		return cfg, err
	}
	if cfg.RecoveryWindow, err = getduration("TIMERD_RECOVERY_WINDOW", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.ScanInterval, err = getduration("TIMERD_SCAN_INTERVAL", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ScheduleTolerance, err = getduration("TIMERD_SCHEDULE_TOLERANCE", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimit, err = getfloat("TIMERD_RATE_LIMIT", 0); err != nil {
		return cfg, err
	}
	if cfg.RateBurst, err = getint("TIMERD_RATE_BURST", 0); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("config: TIMERD_POSTGRES_DSN required for postgres backend")
		}
	default:
		return errors.Newf("config: unknown backend %q", c.Backend)
	}
	if c.MaxRetries < 0 {
		return errors.New("config: TIMERD_MAX_RETRIES must be >= 0")
	}
	if c.Workers <= 0 {
		return errors.New("config: TIMERD_WORKERS must be > 0")
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "config: %s", k)
	}
	return n, nil
}

func getbool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(err, "config: %s", k)
	}
	return b, nil
}

func getfloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "config: %s", k)
	}
	return f, nil
}

func getduration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "config: %s", k)
	}
	return d, nil
}
