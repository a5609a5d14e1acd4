package trigger

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Wire encoding is a tagged union: a "kind" discriminant selects the
// payload shape, decoded by an explicit switch. Durations travel as
// milliseconds, instants as RFC 3339.

type envelope struct {
	Kind Kind `json:"kind"`

	// pointInTime
	FireTime *time.Time `json:"fireTime,omitempty"`
	Fired    bool       `json:"fired,omitempty"`

	// interval
	StartTime    *time.Time    `json:"startTime,omitempty"`
	PeriodMillis int64         `json:"periodMillis,omitempty"`
	RepeatLimit  *int          `json:"repeatLimit,omitempty"`
	RepeatCount  int           `json:"repeatCount,omitempty"`
	CatchUp      CatchUpPolicy `json:"catchUpPolicy,omitempty"`

	// cron
	Expression string `json:"expression,omitempty"`

	// shared
	EndTime  *time.Time `json:"endTime,omitempty"`
	NextFire *time.Time `json:"nextFireTime,omitempty"`
}

// Marshal encodes a trigger into its tagged-union JSON form.
func Marshal(t Trigger) ([]byte, error) {
	var env envelope
	switch v := t.(type) {
	case *PointInTime:
		ft := v.FireTime
		env = envelope{Kind: KindPointInTime, FireTime: &ft, Fired: v.Fired}
	case *Interval:
		limit := v.RepeatLimit
		st := v.StartTime
		env = envelope{
			Kind:         KindInterval,
			StartTime:    &st,
			PeriodMillis: v.Period.Milliseconds(),
			RepeatLimit:  &limit,
			RepeatCount:  v.RepeatCount,
			CatchUp:      v.CatchUp,
			EndTime:      v.EndTime,
			NextFire:     v.NextFire,
		}
	case *Cron:
		env = envelope{
			Kind:       KindCron,
			Expression: v.Expression,
			EndTime:    v.EndTime,
			NextFire:   v.NextFire,
		}
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%T", t)
	}
	return json.Marshal(env)
}

// Unmarshal decodes the tagged-union JSON form back into a trigger,
// rebuilding derived state (like the parsed cron schedule) that does not
// travel on the wire.
func Unmarshal(data []byte) (Trigger, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "trigger: decode envelope")
	}
	switch env.Kind {
	case KindPointInTime:
		if env.FireTime == nil {
			return nil, errors.New("trigger: pointInTime requires fireTime")
		}
		return &PointInTime{FireTime: env.FireTime.UTC(), Fired: env.Fired}, nil

	case KindInterval:
		if env.StartTime == nil {
			return nil, errors.New("trigger: interval requires startTime")
		}
		if env.PeriodMillis <= 0 {
			return nil, ErrInvalidPeriod
		}
		limit := -1
		if env.RepeatLimit != nil {
			limit = *env.RepeatLimit
		}
		catchUp := env.CatchUp
		if catchUp == "" {
			catchUp = CatchUpSkip
		}
		t := &Interval{
			StartTime:   env.StartTime.UTC(),
			EndTime:     env.EndTime,
			Period:      time.Duration(env.PeriodMillis) * time.Millisecond,
			RepeatLimit: limit,
			RepeatCount: env.RepeatCount,
			CatchUp:     catchUp,
		}
		if env.NextFire != nil {
			nf := env.NextFire.UTC()
			t.NextFire = &nf
		} else if env.RepeatCount == 0 {
			// Freshly created trigger: first occurrence is the start time.
			st := t.StartTime
			t.NextFire = &st
		}
		return t, nil

	case KindCron:
		sched, err := cronParser.Parse(env.Expression)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidExpression, "%q: %v", env.Expression, err)
		}
		t := &Cron{
			Expression: env.Expression,
			EndTime:    env.EndTime,
			schedule:   sched,
		}
		if env.NextFire != nil {
			nf := env.NextFire.UTC()
			t.NextFire = &nf
		} else {
			first := sched.Next(time.Now().UTC())
			if !first.IsZero() {
				t.NextFire = &first
			}
		}
		return t, nil

	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%q", env.Kind)
	}
}
