// Package trigger computes when a job is next due and tracks repeat progress.
// Triggers are pure values: they perform no I/O and are mutated only by the
// scheduler through Advance, exactly once per fired occurrence.
package trigger

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Kind discriminates concrete trigger variants in the wire encoding.
type Kind string

const (
	KindPointInTime Kind = "pointInTime"
	KindInterval    Kind = "interval"
	KindCron        Kind = "cron"
)

// CatchUpPolicy controls what happens to occurrences missed while the
// process was down: skip them and compute the next future instant, or
// replay each missed period once.
type CatchUpPolicy string

const (
	CatchUpSkip   CatchUpPolicy = "skip"
	CatchUpReplay CatchUpPolicy = "replay"
)

var (
	ErrInvalidPeriod     = errors.New("trigger: period must be positive")
	ErrInvalidExpression = errors.New("trigger: invalid cron expression")
	ErrUnknownKind       = errors.New("trigger: unknown kind")
)

// Trigger is the contract shared by all variants.
//
// NextFireTime peeks at the next due instant without mutating; nil means
// the trigger is exhausted. Advance records the occurrence that just fired
// and computes the new next instant (or exhausts the trigger). Remaining
// reports how many occurrences are still scheduled after the current one:
// 0 for a final/one-shot occurrence, -1 for unbounded triggers.
type Trigger interface {
	Kind() Kind
	NextFireTime() *time.Time
	Advance(now time.Time)
	Remaining() int
}
