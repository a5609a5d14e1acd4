// Package job defines the persisted job model and its state machine.
package job

import (
	"time"

	"timerd/internal/trigger"
)

// Status is the job state machine:
//
//	SCHEDULED → RUNNING → {EXECUTED | RETRY | ERROR | CANCELED}
//
// RETRY loops back to RUNNING up to the configured retry ceiling, after
// which the job lands in ERROR. EXECUTED, ERROR and CANCELED are terminal;
// a repeating trigger with remaining occurrences goes back to SCHEDULED
// instead of EXECUTED after a successful dispatch.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusExecuted  Status = "EXECUTED"
	StatusRetry     Status = "RETRY"
	StatusError     Status = "ERROR"
	StatusCanceled  Status = "CANCELED"
)

// RunnableStatuses are the states from which a timer fire may claim a job.
// The claim (the shouldRun check-and-flip to RUNNING) is the single mutual
// exclusion point that prevents double-firing one occurrence.
func RunnableStatuses() []Status {
	return []Status{StatusScheduled, StatusRetry}
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusError, StatusCanceled:
		return true
	}
	return false
}

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusExecuted,
		StatusRetry, StatusError, StatusCanceled:
		return true
	}
	return false
}

// TimeUnit qualifies ExecutionTimeout.
type TimeUnit string

const (
	UnitMilliseconds TimeUnit = "MILLISECONDS"
	UnitSeconds      TimeUnit = "SECONDS"
	UnitMinutes      TimeUnit = "MINUTES"
	UnitHours        TimeUnit = "HOURS"
)

// Details is the persisted unit of work.
//
// ID and CorrelationID are immutable after creation; ID doubles as the
// idempotency key recipients deduplicate on. The trigger is owned
// exclusively by the job and mutated in place as occurrences fire. Retries
// and ExecutionCounter are touched only by the scheduler; LastUpdate and
// Created are set by the repository on write.
type Details struct {
	ID               string          `json:"id"`
	CorrelationID    string          `json:"correlationId,omitempty"`
	Status           Status          `json:"status"`
	Trigger          trigger.Trigger `json:"-"`
	Recipient        Recipient       `json:"recipient"`
	Priority         int             `json:"priority"`
	Retries          int             `json:"retries"`
	ExecutionCounter int             `json:"executionCounter"`
	ExecutionTimeout *int64          `json:"executionTimeout,omitempty"`
	TimeoutUnit      TimeUnit        `json:"executionTimeoutUnit,omitempty"`
	LastUpdate       time.Time       `json:"lastUpdate"`
	Created          time.Time       `json:"created"`
	ScheduledID      string          `json:"scheduledId,omitempty"`
}

// EffectiveTimeout resolves the per-dispatch timeout: the job override when
// present, otherwise def; either way capped by max when max is positive.
func (d *Details) EffectiveTimeout(def, max time.Duration) time.Duration {
	timeout := def
	if d.ExecutionTimeout != nil {
		timeout = time.Duration(*d.ExecutionTimeout) * d.TimeoutUnit.duration()
	}
	if max > 0 && timeout > max {
		timeout = max
	}
	return timeout
}

func (u TimeUnit) duration() time.Duration {
	switch u {
	case UnitSeconds:
		return time.Second
	case UnitMinutes:
		return time.Minute
	case UnitHours:
		return time.Hour
	default:
		return time.Millisecond
	}
}

// Copy returns a deep-enough copy for handing snapshots to sinks: the
// trigger is re-encoded so sink consumers cannot mutate scheduler state.
func (d *Details) Copy() *Details {
	cp := *d
	if d.Trigger != nil {
		if data, err := trigger.Marshal(d.Trigger); err == nil {
			if tr, err := trigger.Unmarshal(data); err == nil {
				cp.Trigger = tr
			}
		}
	}
	return &cp
}

// ExecutionResponse is the normalized outcome of one dispatch attempt.
type ExecutionResponse struct {
	JobID   string `json:"jobId"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
