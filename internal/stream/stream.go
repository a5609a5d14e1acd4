// Package stream publishes job status-change notifications to external
// consumers. Delivery is fire-and-forget: sinks must never block the
// scheduler and consumers must tolerate duplicates and gaps.
package stream

import (
	"go.uber.org/zap"

	"timerd/internal/job"
)

// Sink receives a snapshot of the job at each state transition.
type Sink interface {
	OnStatusChange(d *job.Details)
}

// Multi fans one notification out to several sinks in order.
type Multi []Sink

func (m Multi) OnStatusChange(d *job.Details) {
	for _, s := range m {
		s.OnStatusChange(d)
	}
}

// Logging writes transitions to the structured log; it doubles as the
// default sink when no external stream is configured.
type Logging struct {
	log *zap.SugaredLogger
}

func NewLogging(log *zap.SugaredLogger) *Logging {
	return &Logging{log: log.Named("stream")}
}

func (l *Logging) OnStatusChange(d *job.Details) {
	l.log.Infow("job status change",
		"job_id", d.ID,
		"status", d.Status,
		"retries", d.Retries,
		"execution_counter", d.ExecutionCounter,
	)
}
