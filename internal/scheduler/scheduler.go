// Package scheduler orchestrates job firing: it arms timers for trigger
// instants, claims due jobs, dispatches them to their recipients and
// drives the resulting state transitions.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"timerd/internal/dispatch"
	"timerd/internal/job"
	"timerd/internal/repository"
	"timerd/internal/stream"
)

var (
	ErrInvalidScheduleTime = errors.New("scheduler: trigger has no reachable fire time")
	ErrNotFound            = repository.ErrNotFound
)

// Config tunes the scheduling engine.
type Config struct {
	// MaxRetries is the number of RETRY cycles before a job lands in ERROR.
	MaxRetries int
	// RetryBase and RetryCap shape the exponential retry backoff.
	RetryBase time.Duration
	RetryCap  time.Duration
	// Workers bounds the pool running timer callbacks and dispatches.
	Workers int
	// RecoveryWindow is how far into the future the recovery scan arms
	// timers; jobs due later are picked up by subsequent scans.
	RecoveryWindow time.Duration
	// ScanInterval is the period of the sliding-window re-scan.
	ScanInterval time.Duration
	// ScheduleTolerance is how far in the past a first fire time may lie
	// and still be accepted (it fires immediately).
	ScheduleTolerance time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		RetryBase:         time.Second,
		RetryCap:          30 * time.Second,
		Workers:           4,
		RecoveryWindow:    time.Minute,
		ScanInterval:      30 * time.Second,
		ScheduleTolerance: 5 * time.Second,
	}
}

type fireRequest struct {
	jobID       string
	scheduledID string
}

type armedTimer struct {
	scheduledID string
	timer       *time.Timer
}

// Scheduler owns the in-process timers of the active instance. Exactly one
// instance per cluster is active at a time; see BecomeActive/BecomePassive.
type Scheduler struct {
	repo        repository.JobRepository
	dispatchers *dispatch.Registry
	sink        stream.Sink
	exceptions  *job.ExceptionRegistry
	cfg         Config
	log         *zap.SugaredLogger
	now         func() time.Time

	mu     sync.Mutex
	timers map[string]armedTimer
	active bool

	fireCh   chan fireRequest
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

func New(repo repository.JobRepository, dispatchers *dispatch.Registry, sink stream.Sink, exceptions *job.ExceptionRegistry, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultConfig().RetryCap
	}
	if cfg.ScheduleTolerance <= 0 {
		cfg.ScheduleTolerance = DefaultConfig().ScheduleTolerance
	}
	if sink == nil {
		sink = stream.NewLogging(log)
	}
	return &Scheduler{
		repo:        repo,
		dispatchers: dispatchers,
		sink:        sink,
		exceptions:  exceptions,
		cfg:         cfg,
		log:         log.Named("scheduler"),
		now:         time.Now,
		timers:      make(map[string]armedTimer),
		fireCh:      make(chan fireRequest, 64),
	}
}

// Start spawns the callback worker pool and the sliding-window scan loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	if s.cfg.ScanInterval > 0 {
		s.wg.Add(1)
		go s.scanLoop()
	}
}

// Stop disarms timers and waits for workers and in-flight dispatches.
func (s *Scheduler) Stop() {
	s.BecomePassive()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.inflight.Wait()
}

// Schedule validates, persists and (on the active instance) arms the job.
// The job arrives with status SCHEDULED regardless of its previous state.
func (s *Scheduler) Schedule(ctx context.Context, d *job.Details) (*job.Details, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	next, err := s.reachableFireTime(d)
	if err != nil {
		return nil, err
	}
	d.Status = job.StatusScheduled
	d.ScheduledID = uuid.NewString()

	stored, err := s.repo.Save(ctx, d)
	if err != nil {
		return nil, err
	}
	s.emit(stored)
	s.arm(stored.ID, stored.ScheduledID, *next)
	s.log.Infow("job scheduled", "job_id", stored.ID, "fire_at", next, "priority", stored.Priority)
	return stored, nil
}

// Reschedule replaces the trigger of an existing, non-terminal job and
// re-arms its timer. Only trigger fields may change.
func (s *Scheduler) Reschedule(ctx context.Context, id string, newTrigger *job.Details) (*job.Details, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, errors.Wrapf(ErrNotFound, "id %s already terminal", id)
	}
	current.Trigger = newTrigger.Trigger
	next, err := s.reachableFireTime(current)
	if err != nil {
		return nil, err
	}
	current.Status = job.StatusScheduled
	current.Retries = 0
	current.ScheduledID = uuid.NewString()

	s.disarm(id)
	updated, err := s.repo.Update(ctx, current)
	if err != nil {
		return nil, err
	}
	s.emit(updated)
	s.arm(updated.ID, updated.ScheduledID, *next)
	s.log.Infow("job rescheduled", "job_id", id, "fire_at", next)
	return updated, nil
}

// Cancel disarms and flips the job to CANCELED. A job already claimed by
// an in-flight dispatch (RUNNING) or already terminal answers not-found:
// the dispatch outcome wins the race.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*job.Details, error) {
	s.disarm(id)
	canceled, ok, err := s.repo.CompareAndTransition(ctx, id,
		job.StatusCanceled, job.RunnableStatuses()...)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %s not cancelable in status %s", id, canceled.Status)
	}
	s.emit(canceled)
	s.log.Infow("job canceled", "job_id", id)
	return canceled, nil
}

// Get fetches a job snapshot.
func (s *Scheduler) Get(ctx context.Context, id string) (*job.Details, error) {
	return s.repo.Get(ctx, id)
}

// reachableFireTime validates the trigger and returns its next instant.
func (s *Scheduler) reachableFireTime(d *job.Details) (*time.Time, error) {
	if d.Trigger == nil {
		return nil, errors.Wrap(ErrInvalidScheduleTime, "missing trigger")
	}
	next := d.Trigger.NextFireTime()
	if next == nil {
		return nil, errors.Wrap(ErrInvalidScheduleTime, "trigger exhausted")
	}
	if s.now().Sub(*next) > s.cfg.ScheduleTolerance {
		return nil, errors.Wrapf(ErrInvalidScheduleTime, "fire time %s is in the past", next)
	}
	return next, nil
}

// arm registers a timer firing the job at the given instant. Passive
// instances skip arming; the leader's recovery scan owns their jobs.
func (s *Scheduler) arm(jobID, scheduledID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	if existing, ok := s.timers[jobID]; ok {
		existing.timer.Stop()
	}
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	req := fireRequest{jobID: jobID, scheduledID: scheduledID}
	s.timers[jobID] = armedTimer{
		scheduledID: scheduledID,
		timer: time.AfterFunc(delay, func() {
			select {
			case s.fireCh <- req:
			case <-s.ctx.Done():
			}
		}),
	}
}

func (s *Scheduler) disarm(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if armed, ok := s.timers[jobID]; ok {
		armed.timer.Stop()
		delete(s.timers, jobID)
	}
}

// armed reports whether a live timer exists for the job (recovery skip).
func (s *Scheduler) armed(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[jobID]
	return ok
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.fireCh:
			s.processFire(req)
		}
	}
}

// processFire claims and executes one due occurrence. An unclaimable job
// is dropped silently: another owner handled it or it was canceled.
func (s *Scheduler) processFire(req fireRequest) {
	s.mu.Lock()
	armed, ok := s.timers[req.jobID]
	if ok && armed.scheduledID == req.scheduledID {
		delete(s.timers, req.jobID)
	} else if ok {
		// Stale timer from a superseded schedule.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx := s.ctx
	claimed, won, err := s.repo.CompareAndTransition(ctx, req.jobID,
		job.StatusRunning, job.RunnableStatuses()...)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Debugw("fire for unknown job dropped", "job_id", req.jobID)
			return
		}
		s.log.Errorw("claim failed", "job_id", req.jobID, "error", err)
		return
	}
	if !won {
		s.log.Debugw("fire dropped, job not claimable",
			"job_id", req.jobID, "status", claimed.Status)
		return
	}
	s.emit(claimed)

	s.inflight.Add(1)
	defer s.inflight.Done()
	s.execute(ctx, claimed)
}

// execute dispatches a claimed job and interprets the outcome.
func (s *Scheduler) execute(ctx context.Context, d *job.Details) {
	dispatcher, err := s.dispatchers.Lookup(d.Recipient)
	if err != nil {
		s.log.Errorw("no dispatcher for job", "job_id", d.ID, "kind", d.Recipient.Kind, "error", err)
		s.completeFailure(ctx, d, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, dispatcher.Timeout(d))
	response, err := dispatcher.Execute(callCtx, d)
	cancel()

	if err != nil {
		if details := s.exceptions.Extract(err); details != nil {
			s.log.Warnw("dispatch failed", "job_id", d.ID,
				"exception_class", details.Class, "exception_message", details.Message)
		} else {
			s.log.Warnw("dispatch failed", "job_id", d.ID, "error", err)
		}
		s.completeFailure(ctx, d, err)
		return
	}
	s.log.Infow("dispatch succeeded", "job_id", d.ID, "code", response.Code)
	s.completeSuccess(ctx, d)
}

// completeSuccess advances the trigger and either re-arms the next
// occurrence or marks the job EXECUTED.
func (s *Scheduler) completeSuccess(ctx context.Context, d *job.Details) {
	now := s.now()
	d.ExecutionCounter++
	d.Retries = 0
	d.Trigger.Advance(now)

	next := d.Trigger.NextFireTime()
	if next != nil {
		d.Status = job.StatusScheduled
		d.ScheduledID = uuid.NewString()
	} else {
		d.Status = job.StatusExecuted
		d.ScheduledID = ""
	}

	updated, err := s.repo.Update(ctx, d)
	if err != nil {
		s.failClosed(ctx, d, err)
		return
	}
	s.emit(updated)
	if next != nil {
		s.arm(updated.ID, updated.ScheduledID, *next)
	}
}

// completeFailure counts the attempt and either schedules a retry or
// parks the job in terminal ERROR for operator inspection.
func (s *Scheduler) completeFailure(ctx context.Context, d *job.Details, cause error) {
	d.Retries++
	if d.Retries <= s.cfg.MaxRetries {
		d.Status = job.StatusRetry
		d.ScheduledID = uuid.NewString()
	} else {
		d.Status = job.StatusError
		d.ScheduledID = ""
	}

	updated, err := s.repo.Update(ctx, d)
	if err != nil {
		s.failClosed(ctx, d, err)
		return
	}
	s.emit(updated)

	if updated.Status == job.StatusRetry {
		at := s.now().Add(s.retryDelay(updated.Retries))
		s.arm(updated.ID, updated.ScheduledID, at)
		s.log.Infow("retry scheduled", "job_id", d.ID,
			"retries", updated.Retries, "max_retries", s.cfg.MaxRetries)
	} else {
		s.log.Errorw("retries exhausted", "job_id", d.ID,
			"retries", updated.Retries, "error", cause)
	}
}

// failClosed handles a persistence failure after a successful claim: the
// job must not be left RUNNING with no owner, so the occurrence is treated
// as failed and pushed onto the retry track.
func (s *Scheduler) failClosed(ctx context.Context, d *job.Details, cause error) {
	s.log.Errorw("post-claim persistence failed, failing closed",
		"job_id", d.ID, "error", cause)
	scheduledID := uuid.NewString()
	recovered, ok, err := s.repo.CompareAndTransition(ctx, d.ID,
		job.StatusRetry, job.StatusRunning)
	if err != nil || !ok {
		s.log.Errorw("could not move job to retry", "job_id", d.ID, "error", err)
		return
	}
	s.emit(recovered)
	s.arm(d.ID, scheduledID, s.now().Add(s.retryDelay(recovered.Retries+1)))
}

// retryDelay is an exponential backoff on the attempt count, capped.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	delay := s.cfg.RetryBase * time.Duration(1<<shift)
	if delay > s.cfg.RetryCap {
		delay = s.cfg.RetryCap
	}
	return delay
}

// emit hands a snapshot to the status sink without blocking the caller.
func (s *Scheduler) emit(d *job.Details) {
	snapshot := d.Copy()
	go s.sink.OnStatusChange(snapshot)
}
