package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerd/internal/job"
)

// These tests exercise the real backends and need infrastructure; they are
// skipped unless the corresponding DSN/addr is provided.

func postgresRepo(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TIMERD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set TIMERD_TEST_POSTGRES_DSN to run postgres repository tests")
	}
	db, err := sqlx.Connect("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`DELETE FROM job_details`)
	require.NoError(t, err)
	return NewPostgres(db)
}

func redisRepo(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("TIMERD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TIMERD_TEST_REDIS_ADDR to run redis repository tests")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb)
}

func runContractTests(t *testing.T, repo JobRepository) {
	ctx := context.Background()
	fireAt := time.Now().Add(time.Hour).UTC()

	saved, err := repo.Save(ctx, newJob("c1", 3, fireAt))
	require.NoError(t, err)
	require.Equal(t, job.StatusScheduled, saved.Status)

	_, err = repo.Save(ctx, newJob("c1", 3, fireAt))
	assert.ErrorIs(t, err, ErrExists)

	got, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got.Trigger)
	assert.Equal(t, fireAt.Truncate(time.Millisecond),
		got.Trigger.NextFireTime().Truncate(time.Millisecond))

	got.Retries = 2
	updated, err := repo.Update(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Retries)

	claimed, ok, err := repo.CompareAndTransition(ctx, "c1",
		job.StatusRunning, job.RunnableStatuses()...)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.StatusRunning, claimed.Status)

	_, ok, err = repo.CompareAndTransition(ctx, "c1",
		job.StatusRunning, job.RunnableStatuses()...)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	window, err := repo.FindByStatusBetweenDatesOrderByPriority(ctx,
		fireAt.Add(-time.Minute), fireAt.Add(time.Minute), job.StatusRunning)
	require.NoError(t, err)
	require.Len(t, window, 1)

	require.NoError(t, repo.Delete(ctx, "c1"))
	assert.ErrorIs(t, repo.Delete(ctx, "c1"), ErrNotFound)
}

func TestPostgresContract(t *testing.T) {
	runContractTests(t, postgresRepo(t))
}

func TestRedisContract(t *testing.T) {
	runContractTests(t, redisRepo(t))
}
