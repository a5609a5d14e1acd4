package trigger

import "time"

// PointInTime fires exactly once at FireTime and is exhausted afterwards.
type PointInTime struct {
	FireTime time.Time
	Fired    bool
}

func NewPointInTime(at time.Time) *PointInTime {
	return &PointInTime{FireTime: at.UTC()}
}

func (t *PointInTime) Kind() Kind { return KindPointInTime }

func (t *PointInTime) NextFireTime() *time.Time {
	if t.Fired {
		return nil
	}
	ft := t.FireTime
	return &ft
}

func (t *PointInTime) Advance(time.Time) { t.Fired = true }

func (t *PointInTime) Remaining() int { return 0 }
