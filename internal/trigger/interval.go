package trigger

import "time"

// Interval fires every Period starting at StartTime.
//
// RepeatLimit bounds the total number of occurrences: -1 means unbounded,
// 0 means fire once, N means N+1 fires in total. The trigger is exhausted
// once RepeatCount exceeds a non-negative RepeatLimit or EndTime has
// passed. NextFire carries the persisted next due instant so a trigger
// survives serialization round-trips mid-flight.
type Interval struct {
	StartTime   time.Time
	EndTime     *time.Time
	Period      time.Duration
	RepeatLimit int
	RepeatCount int
	NextFire    *time.Time
	CatchUp     CatchUpPolicy
}

// NewInterval arms an interval trigger with its first occurrence at start.
func NewInterval(start time.Time, period time.Duration, repeatLimit int, endTime *time.Time) (*Interval, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	first := start.UTC()
	return &Interval{
		StartTime:   first,
		EndTime:     endTime,
		Period:      period,
		RepeatLimit: repeatLimit,
		NextFire:    &first,
		CatchUp:     CatchUpSkip,
	}, nil
}

func (t *Interval) Kind() Kind { return KindInterval }

func (t *Interval) NextFireTime() *time.Time {
	if t.exhausted() {
		return nil
	}
	return t.NextFire
}

// Advance records the occurrence that just fired and computes the next one.
// Under the skip policy an instant that already lies in the past is pushed
// forward by whole periods so the trigger never hands out a fire time more
// than one period behind now; under replay each missed period fires once.
func (t *Interval) Advance(now time.Time) {
	if t.NextFire == nil {
		return
	}
	t.RepeatCount++
	if t.exhausted() {
		t.NextFire = nil
		return
	}
	next := t.NextFire.Add(t.Period)
	if t.CatchUp != CatchUpReplay {
		for !next.After(now) {
			next = next.Add(t.Period)
		}
	}
	if t.EndTime != nil && next.After(*t.EndTime) {
		t.NextFire = nil
		return
	}
	t.NextFire = &next
}

func (t *Interval) Remaining() int {
	if t.RepeatLimit < 0 {
		return -1
	}
	rem := t.RepeatLimit - t.RepeatCount
	if rem < 0 {
		rem = 0
	}
	return rem
}

func (t *Interval) exhausted() bool {
	if t.RepeatLimit >= 0 && t.RepeatCount > t.RepeatLimit {
		return true
	}
	if t.EndTime != nil && t.NextFire != nil && t.NextFire.After(*t.EndTime) {
		return true
	}
	return false
}
