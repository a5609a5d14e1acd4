package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointInTimeFiresOnce(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := NewPointInTime(at)

	next := tr.NextFireTime()
	require.NotNil(t, next)
	assert.Equal(t, at, *next)
	assert.Equal(t, 0, tr.Remaining())

	tr.Advance(at)
	assert.Nil(t, tr.NextFireTime())
}

func TestIntervalMonotonicity(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tr, err := NewInterval(start, time.Minute, 10, nil)
	require.NoError(t, err)

	prev := *tr.NextFireTime()
	for i := 1; i <= 10; i++ {
		tr.Advance(prev)
		assert.Equal(t, i, tr.RepeatCount)
		next := tr.NextFireTime()
		require.NotNil(t, next)
		assert.True(t, next.After(prev), "fire times must strictly increase")
		prev = *next
	}
}

func TestIntervalExhaustion(t *testing.T) {
	// repeatLimit = N yields exactly N+1 occurrences.
	const limit = 3
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tr, err := NewInterval(start, time.Second, limit, nil)
	require.NoError(t, err)

	fires := 0
	for {
		next := tr.NextFireTime()
		if next == nil {
			break
		}
		fires++
		tr.Advance(*next)
	}
	assert.Equal(t, limit+1, fires)
	assert.Nil(t, tr.NextFireTime())
}

func TestIntervalFireOnceWhenLimitZero(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tr, err := NewInterval(start, time.Second, 0, nil)
	require.NoError(t, err)

	require.NotNil(t, tr.NextFireTime())
	assert.Equal(t, 0, tr.Remaining())
	tr.Advance(start)
	assert.Nil(t, tr.NextFireTime())
}

func TestIntervalSkipCatchUp(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tr, err := NewInterval(start, time.Minute, -1, nil)
	require.NoError(t, err)

	// The process was down for an hour: missed occurrences are skipped,
	// the next instant lies in the future relative to now.
	now := start.Add(time.Hour)
	tr.Advance(now)
	next := tr.NextFireTime()
	require.NotNil(t, next)
	assert.True(t, next.After(now))
	assert.Equal(t, 1, tr.RepeatCount)
	// Alignment to the start grid is preserved.
	assert.Zero(t, next.Sub(start)%time.Minute)
}

func TestIntervalReplayCatchUp(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tr, err := NewInterval(start, time.Minute, -1, nil)
	require.NoError(t, err)
	tr.CatchUp = CatchUpReplay

	now := start.Add(10 * time.Minute)
	tr.Advance(now)
	next := tr.NextFireTime()
	require.NotNil(t, next)
	// Replay: the next occurrence is the one immediately after the fired
	// instant, even though it is already in the past.
	assert.Equal(t, start.Add(time.Minute), *next)
}

func TestIntervalEndTimeStopsFiring(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	tr, err := NewInterval(start, time.Minute, -1, &end)
	require.NoError(t, err)

	first := *tr.NextFireTime()
	tr.Advance(first)
	second := tr.NextFireTime()
	require.NotNil(t, second)
	tr.Advance(*second)
	assert.Nil(t, tr.NextFireTime())
}

func TestIntervalRejectsNonPositivePeriod(t *testing.T) {
	_, err := NewInterval(time.Now(), 0, -1, nil)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestIntervalRemaining(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tr, err := NewInterval(start, time.Second, 2, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, tr.Remaining())
	tr.Advance(start)
	assert.Equal(t, 1, tr.Remaining())
	tr.Advance(start.Add(time.Second))
	assert.Equal(t, 0, tr.Remaining())

	unbounded, err := NewInterval(start, time.Second, -1, nil)
	require.NoError(t, err)
	assert.Equal(t, -1, unbounded.Remaining())
}

func TestCronNextFire(t *testing.T) {
	from := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	tr, err := NewCron("0 * * * *", from, nil)
	require.NoError(t, err)

	next := tr.NextFireTime()
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), *next)
	assert.Equal(t, -1, tr.Remaining())

	tr.Advance(*next)
	next = tr.NextFireTime()
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), *next)
}

func TestCronRejectsBadExpression(t *testing.T) {
	_, err := NewCron("not cron", time.Now(), nil)
	assert.ErrorIs(t, err, ErrInvalidExpression)
}

func TestCodecRoundTrip(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	interval, err := NewInterval(start, 250*time.Millisecond, 5, nil)
	require.NoError(t, err)
	interval.Advance(start) // mid-flight state must survive

	cronTr, err := NewCron("*/5 * * * *", start, nil)
	require.NoError(t, err)

	for _, tr := range []Trigger{NewPointInTime(start), interval, cronTr} {
		data, err := Marshal(tr)
		require.NoError(t, err)

		decoded, err := Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, tr.Kind(), decoded.Kind())
		assert.Equal(t, tr.NextFireTime(), decoded.NextFireTime())
		assert.Equal(t, tr.Remaining(), decoded.Remaining())
	}
}

func TestCodecRejectsUnknownKind(t *testing.T) {
	_, err := Unmarshal([]byte(`{"kind":"lunar"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}
