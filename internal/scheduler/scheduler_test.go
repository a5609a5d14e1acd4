package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"timerd/internal/dispatch"
	"timerd/internal/job"
	"timerd/internal/repository"
	"timerd/internal/trigger"
)

// stubDispatcher accepts everything and fails the first failures calls.
type stubDispatcher struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (d *stubDispatcher) Accepts(job.Recipient) bool { return true }

func (d *stubDispatcher) Timeout(*job.Details) time.Duration { return time.Second }

func (d *stubDispatcher) Execute(_ context.Context, details *job.Details) (*job.ExecutionResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failures {
		return nil, errors.New("recipient unavailable")
	}
	return &job.ExecutionResponse{JobID: details.ID, Code: "200"}, nil
}

func (d *stubDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// captureSink records every status transition in order.
type captureSink struct {
	mu       sync.Mutex
	statuses []job.Status
}

func (c *captureSink) OnStatusChange(d *job.Details) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, d.Status)
}

func (c *captureSink) seen() []job.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]job.Status, len(c.statuses))
	copy(out, c.statuses)
	return out
}

func newTestScheduler(t *testing.T, d dispatch.Dispatcher) (*Scheduler, repository.JobRepository, *captureSink) {
	t.Helper()
	repo := repository.NewMemory()
	sink := &captureSink{}
	cfg := Config{
		MaxRetries:        2,
		RetryBase:         5 * time.Millisecond,
		RetryCap:          20 * time.Millisecond,
		Workers:           2,
		RecoveryWindow:    time.Minute,
		ScanInterval:      0,
		ScheduleTolerance: time.Second,
	}
	s := New(repo, dispatch.NewRegistry(d), sink, job.DefaultExceptionRegistry(),
		cfg, zaptest.NewLogger(t).Sugar())
	s.Start(context.Background())
	s.BecomeActive(context.Background())
	t.Cleanup(s.Stop)
	return s, repo, sink
}

func oneShotJob(t *testing.T, fireIn time.Duration) *job.Details {
	t.Helper()
	return &job.Details{
		ID:        "job-1",
		Trigger:   trigger.NewPointInTime(time.Now().Add(fireIn)),
		Recipient: job.Recipient{Kind: job.RecipientKindHTTP, HTTP: &job.HTTPRecipient{URL: "http://recipient"}},
	}
}

func waitForStatus(t *testing.T, repo repository.JobRepository, id string, want job.Status) *job.Details {
	t.Helper()
	var got *job.Details
	require.Eventually(t, func() bool {
		d, err := repo.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = d
		return d.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func TestScheduleOneShotExecutes(t *testing.T) {
	d := &stubDispatcher{}
	s, repo, sink := newTestScheduler(t, d)

	stored, err := s.Schedule(context.Background(), oneShotJob(t, 10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, stored.Status)
	assert.NotEmpty(t, stored.ScheduledID)

	final := waitForStatus(t, repo, stored.ID, job.StatusExecuted)
	assert.Equal(t, 1, final.ExecutionCounter)
	assert.Equal(t, 1, d.callCount())

	require.Eventually(t, func() bool {
		seen := sink.seen()
		return len(seen) >= 3
	}, time.Second, 5*time.Millisecond)
	seen := sink.seen()
	assert.Equal(t, job.StatusScheduled, seen[0])
	assert.Contains(t, seen, job.StatusRunning)
	assert.Equal(t, job.StatusExecuted, seen[len(seen)-1])
}

func TestScheduleIntervalRunsAllOccurrences(t *testing.T) {
	d := &stubDispatcher{}
	s, repo, _ := newTestScheduler(t, d)

	iv, err := trigger.NewInterval(time.Now().Add(5*time.Millisecond), 10*time.Millisecond, 1, nil)
	require.NoError(t, err)
	details := oneShotJob(t, 0)
	details.Trigger = iv

	_, err = s.Schedule(context.Background(), details)
	require.NoError(t, err)

	final := waitForStatus(t, repo, details.ID, job.StatusExecuted)
	assert.Equal(t, 2, final.ExecutionCounter)
	assert.Equal(t, 2, d.callCount())
}

func TestRetryThenSuccess(t *testing.T) {
	d := &stubDispatcher{failures: 1}
	s, repo, sink := newTestScheduler(t, d)

	_, err := s.Schedule(context.Background(), oneShotJob(t, 5*time.Millisecond))
	require.NoError(t, err)

	final := waitForStatus(t, repo, "job-1", job.StatusExecuted)
	assert.Equal(t, 2, d.callCount())
	assert.Equal(t, 0, final.Retries, "retries reset on success")
	assert.Contains(t, sink.seen(), job.StatusRetry)
}

func TestRetriesExhaustedLandsInError(t *testing.T) {
	d := &stubDispatcher{failures: 100}
	s, repo, sink := newTestScheduler(t, d)

	_, err := s.Schedule(context.Background(), oneShotJob(t, 5*time.Millisecond))
	require.NoError(t, err)

	final := waitForStatus(t, repo, "job-1", job.StatusError)
	// MaxRetries retry cycles plus the original attempt.
	assert.Equal(t, 3, d.callCount())
	assert.Equal(t, 3, final.Retries)

	retryCount := 0
	for _, st := range sink.seen() {
		if st == job.StatusRetry {
			retryCount++
		}
	}
	assert.Equal(t, 2, retryCount)
}

func TestScheduleToleratesSlightlyPastFireTime(t *testing.T) {
	d := &stubDispatcher{}
	repo := repository.NewMemory()
	// Tolerance left unset, as a caller filling only the retry knobs would.
	s := New(repo, dispatch.NewRegistry(d), &captureSink{}, job.DefaultExceptionRegistry(),
		Config{MaxRetries: 2, RetryBase: 5 * time.Millisecond, RetryCap: 20 * time.Millisecond, Workers: 2},
		zaptest.NewLogger(t).Sugar())
	s.Start(context.Background())
	s.BecomeActive(context.Background())
	t.Cleanup(s.Stop)

	_, err := s.Schedule(context.Background(), oneShotJob(t, -50*time.Millisecond))
	require.NoError(t, err)
	waitForStatus(t, repo, "job-1", job.StatusExecuted)
	assert.Equal(t, 1, d.callCount())
}

func TestScheduleRejectsPastFireTime(t *testing.T) {
	s, _, _ := newTestScheduler(t, &stubDispatcher{})

	_, err := s.Schedule(context.Background(), oneShotJob(t, -time.Hour))
	require.ErrorIs(t, err, ErrInvalidScheduleTime)
}

func TestScheduleRejectsMissingTrigger(t *testing.T) {
	s, _, _ := newTestScheduler(t, &stubDispatcher{})

	details := oneShotJob(t, time.Minute)
	details.Trigger = nil
	_, err := s.Schedule(context.Background(), details)
	require.ErrorIs(t, err, ErrInvalidScheduleTime)
}

func TestCancelDisarmsBeforeFire(t *testing.T) {
	d := &stubDispatcher{}
	s, repo, _ := newTestScheduler(t, d)

	_, err := s.Schedule(context.Background(), oneShotJob(t, time.Hour))
	require.NoError(t, err)

	canceled, err := s.Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCanceled, canceled.Status)

	got, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCanceled, got.Status)
	assert.Zero(t, d.callCount())
}

// gateDispatcher parks each Execute until released, so a test can act
// while the job is mid-dispatch.
type gateDispatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (d *gateDispatcher) Accepts(job.Recipient) bool { return true }

func (d *gateDispatcher) Timeout(*job.Details) time.Duration { return 5 * time.Second }

func (d *gateDispatcher) Execute(ctx context.Context, details *job.Details) (*job.ExecutionResponse, error) {
	d.entered <- struct{}{}
	select {
	case <-d.release:
		return &job.ExecutionResponse{JobID: details.ID, Code: "200"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCancelRacesClaimedDispatch(t *testing.T) {
	d := &gateDispatcher{entered: make(chan struct{}), release: make(chan struct{})}
	s, repo, _ := newTestScheduler(t, d)

	_, err := s.Schedule(context.Background(), oneShotJob(t, 5*time.Millisecond))
	require.NoError(t, err)

	select {
	case <-d.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
	}

	// The claim to RUNNING already won; cancel must lose, not stack a
	// second terminal outcome on top of the dispatch.
	_, err = s.Cancel(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrNotFound)

	close(d.release)
	final := waitForStatus(t, repo, "job-1", job.StatusExecuted)
	assert.Equal(t, 1, final.ExecutionCounter)
}

func TestCancelTerminalJobNotFound(t *testing.T) {
	d := &stubDispatcher{}
	s, repo, _ := newTestScheduler(t, d)

	_, err := s.Schedule(context.Background(), oneShotJob(t, 5*time.Millisecond))
	require.NoError(t, err)
	waitForStatus(t, repo, "job-1", job.StatusExecuted)

	_, err = s.Cancel(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelUnknownJobNotFound(t *testing.T) {
	s, _, _ := newTestScheduler(t, &stubDispatcher{})

	_, err := s.Cancel(context.Background(), "no-such-job")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRescheduleReplacesTrigger(t *testing.T) {
	d := &stubDispatcher{}
	s, repo, _ := newTestScheduler(t, d)

	_, err := s.Schedule(context.Background(), oneShotJob(t, time.Hour))
	require.NoError(t, err)

	patch := oneShotJob(t, 10*time.Millisecond)
	updated, err := s.Reschedule(context.Background(), "job-1", patch)
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, updated.Status)

	waitForStatus(t, repo, "job-1", job.StatusExecuted)
	assert.Equal(t, 1, d.callCount())
}

func TestRescheduleTerminalJobNotFound(t *testing.T) {
	d := &stubDispatcher{}
	s, repo, _ := newTestScheduler(t, d)

	_, err := s.Schedule(context.Background(), oneShotJob(t, 5*time.Millisecond))
	require.NoError(t, err)
	waitForStatus(t, repo, "job-1", job.StatusExecuted)

	_, err = s.Reschedule(context.Background(), "job-1", oneShotJob(t, time.Minute))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPassiveInstanceDoesNotFire(t *testing.T) {
	d := &stubDispatcher{}
	s, repo, _ := newTestScheduler(t, d)
	s.BecomePassive()

	stored, err := s.Schedule(context.Background(), oneShotJob(t, 5*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, stored.Status)

	time.Sleep(50 * time.Millisecond)
	got, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, got.Status)
	assert.Zero(t, d.callCount())
}

func TestBecomeActiveRecoversDueJobs(t *testing.T) {
	d := &stubDispatcher{}
	s, repo, _ := newTestScheduler(t, d)
	s.BecomePassive()

	// Persisted while passive, including one already overdue.
	_, err := s.Schedule(context.Background(), oneShotJob(t, 5*time.Millisecond))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	s.BecomeActive(context.Background())
	waitForStatus(t, repo, "job-1", job.StatusExecuted)
	assert.Equal(t, 1, d.callCount())
}

func TestRecoveryIgnoresJobsOutsideWindow(t *testing.T) {
	d := &stubDispatcher{}
	s, repo, _ := newTestScheduler(t, d)
	s.BecomePassive()

	far := oneShotJob(t, 24*time.Hour)
	far.ID = "job-far"
	_, err := s.Schedule(context.Background(), far)
	require.NoError(t, err)

	s.BecomeActive(context.Background())
	time.Sleep(20 * time.Millisecond)

	got, err := repo.Get(context.Background(), "job-far")
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, got.Status)
	assert.False(t, s.armed("job-far"))
}

func TestDuplicateScheduleRejected(t *testing.T) {
	s, _, _ := newTestScheduler(t, &stubDispatcher{})

	_, err := s.Schedule(context.Background(), oneShotJob(t, time.Hour))
	require.NoError(t, err)
	_, err = s.Schedule(context.Background(), oneShotJob(t, time.Hour))
	require.ErrorIs(t, err, repository.ErrExists)
}

func TestOneShotHTTPJob(t *testing.T) {
	var (
		mu     sync.Mutex
		limits []string
	)
	recipient := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		limits = append(limits, r.URL.Query().Get("limit"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer recipient.Close()

	d := dispatch.NewHTTP(dispatch.HTTPConfig{}, zaptest.NewLogger(t).Sugar())
	s, repo, _ := newTestScheduler(t, d)

	details := oneShotJob(t, 10*time.Millisecond)
	details.Recipient = job.Recipient{Kind: job.RecipientKindHTTP, HTTP: &job.HTTPRecipient{URL: recipient.URL}}
	_, err := s.Schedule(context.Background(), details)
	require.NoError(t, err)

	waitForStatus(t, repo, details.ID, job.StatusExecuted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0"}, limits)
}

func TestPeriodicHTTPJob(t *testing.T) {
	var (
		mu     sync.Mutex
		limits []string
	)
	recipient := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		limits = append(limits, r.URL.Query().Get("limit"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer recipient.Close()

	d := dispatch.NewHTTP(dispatch.HTTPConfig{}, zaptest.NewLogger(t).Sugar())
	s, repo, _ := newTestScheduler(t, d)

	iv, err := trigger.NewInterval(time.Now().Add(5*time.Millisecond), 10*time.Millisecond, 1, nil)
	require.NoError(t, err)
	details := oneShotJob(t, 0)
	details.Trigger = iv
	details.Recipient = job.Recipient{Kind: job.RecipientKindHTTP, HTTP: &job.HTTPRecipient{URL: recipient.URL}}
	_, err = s.Schedule(context.Background(), details)
	require.NoError(t, err)

	final := waitForStatus(t, repo, details.ID, job.StatusExecuted)
	assert.Equal(t, 2, final.ExecutionCounter)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "0"}, limits)
}

func TestRetryDelayIsCapped(t *testing.T) {
	s := &Scheduler{cfg: Config{RetryBase: time.Second, RetryCap: 30 * time.Second}}

	assert.Equal(t, time.Second, s.retryDelay(1))
	assert.Equal(t, 2*time.Second, s.retryDelay(2))
	assert.Equal(t, 16*time.Second, s.retryDelay(5))
	assert.Equal(t, 30*time.Second, s.retryDelay(6))
	assert.Equal(t, 30*time.Second, s.retryDelay(50))
}
