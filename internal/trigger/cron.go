package trigger

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field form (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Cron fires on a cron expression, unbounded unless EndTime is set.
type Cron struct {
	Expression string
	EndTime    *time.Time
	NextFire   *time.Time

	schedule cron.Schedule
}

// NewCron parses the expression and arms the first occurrence after from.
func NewCron(expression string, from time.Time, endTime *time.Time) (*Cron, error) {
	sched, err := cronParser.Parse(expression)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidExpression, "%q: %v", expression, err)
	}
	first := sched.Next(from.UTC())
	t := &Cron{
		Expression: expression,
		EndTime:    endTime,
		schedule:   sched,
	}
	if !first.IsZero() {
		t.NextFire = &first
	}
	return t, nil
}

func (t *Cron) Kind() Kind { return KindCron }

func (t *Cron) NextFireTime() *time.Time {
	if t.NextFire == nil {
		return nil
	}
	if t.EndTime != nil && t.NextFire.After(*t.EndTime) {
		return nil
	}
	return t.NextFire
}

// Advance computes the occurrence after the later of the fired instant and
// now, so occurrences missed across downtime are skipped rather than
// replayed. Cron expressions re-derive every instant from the clock, so a
// replay policy has no meaning here.
func (t *Cron) Advance(now time.Time) {
	if t.NextFire == nil {
		return
	}
	ref := *t.NextFire
	if now.After(ref) {
		ref = now
	}
	next := t.schedule.Next(ref.UTC())
	if next.IsZero() || (t.EndTime != nil && next.After(*t.EndTime)) {
		t.NextFire = nil
		return
	}
	t.NextFire = &next
}

func (t *Cron) Remaining() int { return -1 }
