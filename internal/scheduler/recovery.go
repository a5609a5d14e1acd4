package scheduler

import (
	"context"
	"time"

	"timerd/internal/job"
)

// BecomeActive puts the instance in charge of firing jobs. It loads every
// runnable job due inside the recovery window and arms timers for them;
// the scan loop keeps sliding that window forward while active.
func (s *Scheduler) BecomeActive(ctx context.Context) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()

	s.log.Infow("instance became active")
	s.recoverWindow(ctx)
}

// BecomePassive stops firing: every armed timer is dropped. In-flight
// dispatches run to completion; their jobs are RUNNING and protected from
// double execution by the claim.
func (s *Scheduler) BecomePassive() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	for id, armed := range s.timers {
		armed.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.log.Infow("instance became passive")
}

// Active reports whether this instance currently owns the timers.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) scanLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.Active() {
				s.recoverWindow(s.ctx)
			}
		}
	}
}

// recoverWindow arms every runnable job due before now+window, highest
// priority first. Overdue jobs are included; their timers fire at once.
// Jobs that already carry a live timer are left alone.
func (s *Scheduler) recoverWindow(ctx context.Context) {
	now := s.now()
	to := now.Add(s.cfg.RecoveryWindow)
	due, err := s.repo.FindByStatusBetweenDatesOrderByPriority(ctx, time.Time{}, to,
		job.StatusScheduled, job.StatusRetry)
	if err != nil {
		s.log.Errorw("recovery scan failed", "error", err)
		return
	}
	armedCount := 0
	for _, d := range due {
		if s.armed(d.ID) {
			continue
		}
		next := d.Trigger.NextFireTime()
		if next == nil {
			continue
		}
		s.arm(d.ID, d.ScheduledID, *next)
		armedCount++
	}
	if armedCount > 0 {
		s.log.Infow("recovery scan armed jobs", "count", armedCount, "window_end", to)
	}
}
