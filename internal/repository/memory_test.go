package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerd/internal/job"
	"timerd/internal/trigger"
)

func newJob(id string, priority int, fireAt time.Time) *job.Details {
	return &job.Details{
		ID:       id,
		Status:   job.StatusScheduled,
		Trigger:  trigger.NewPointInTime(fireAt),
		Priority: priority,
		Recipient: job.Recipient{
			Kind: job.RecipientKindHTTP,
			HTTP: &job.HTTPRecipient{URL: "http://example.test/cb"},
		},
	}
}

func TestMemorySaveGetDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	fireAt := time.Now().Add(time.Hour)

	saved, err := repo.Save(ctx, newJob("a", 0, fireAt))
	require.NoError(t, err)
	assert.False(t, saved.Created.IsZero())
	assert.False(t, saved.LastUpdate.IsZero())

	_, err = repo.Save(ctx, newJob("a", 0, fireAt))
	assert.ErrorIs(t, err, ErrExists)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	exists, err := repo.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, repo.Delete(ctx, "a"))
	_, err = repo.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "a"), ErrNotFound)
}

func TestMemoryUpdateUnknownJob(t *testing.T) {
	_, err := NewMemory().Update(context.Background(), newJob("ghost", 0, time.Now()))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySnapshotsDoNotAlias(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	fireAt := time.Now().Add(time.Hour)

	saved, err := repo.Save(ctx, newJob("a", 0, fireAt))
	require.NoError(t, err)

	// Mutating the returned trigger must not leak into the store.
	saved.Trigger.Advance(time.Now())

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.NotNil(t, got.Trigger.NextFireTime())
}

func TestMemoryFindByStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	fireAt := time.Now().Add(time.Hour)

	for i, status := range []job.Status{job.StatusScheduled, job.StatusRetry, job.StatusExecuted} {
		d := newJob(fmt.Sprintf("j%d", i), 0, fireAt)
		d.Status = status
		_, err := repo.Save(ctx, d)
		require.NoError(t, err)
	}

	found, err := repo.FindByStatus(ctx, job.StatusScheduled, job.StatusRetry)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryRecoveryQueryWindowAndOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	base := time.Now().Add(time.Minute).UTC()

	// Same window, different priorities; ids chosen to prove the id
	// tie-break is ascending and independent of insertion order.
	_, err := repo.Save(ctx, newJob("z-low", 1, base))
	require.NoError(t, err)
	_, err = repo.Save(ctx, newJob("b-high", 9, base.Add(time.Second)))
	require.NoError(t, err)
	_, err = repo.Save(ctx, newJob("a-high", 9, base.Add(2*time.Second)))
	require.NoError(t, err)
	// Outside the window.
	_, err = repo.Save(ctx, newJob("later", 9, base.Add(time.Hour)))
	require.NoError(t, err)
	// Right status, but window is half-open: next == to is excluded.
	_, err = repo.Save(ctx, newJob("edge", 9, base.Add(time.Minute)))
	require.NoError(t, err)

	found, err := repo.FindByStatusBetweenDatesOrderByPriority(
		ctx, base, base.Add(time.Minute), job.StatusScheduled, job.StatusRetry)
	require.NoError(t, err)

	ids := make([]string, len(found))
	for i, d := range found {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"a-high", "b-high", "z-low"}, ids)
}

func TestMemoryAtMostOneClaim(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	_, err := repo.Save(ctx, newJob("contested", 0, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	const racers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := repo.CompareAndTransition(ctx, "contested",
				job.StatusRunning, job.RunnableStatuses()...)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := repo.Get(ctx, "contested")
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
}

func TestMemoryClaimRespectsExpectedStatuses(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	d := newJob("done", 0, time.Now())
	d.Status = job.StatusExecuted
	_, err := repo.Save(ctx, d)
	require.NoError(t, err)

	current, ok, err := repo.CompareAndTransition(ctx, "done",
		job.StatusRunning, job.RunnableStatuses()...)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, job.StatusExecuted, current.Status)

	_, _, err = repo.CompareAndTransition(ctx, "missing",
		job.StatusRunning, job.RunnableStatuses()...)
	assert.ErrorIs(t, err, ErrNotFound)
}
