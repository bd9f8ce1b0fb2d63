package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock advances only when told.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTimed(c *fakeClock) *Timed {
	t := NewTimed()
	t.now = c.now
	return t
}

func TestCounter(t *testing.T) {
	var c Counter
	assert.Equal(t, 0.0, c.Ratio())

	c.Inc(false)
	c.Inc(false)
	c.Inc(true)
	c.Inc(false)

	assert.Equal(t, int64(4), c.Total())
	assert.Equal(t, int64(1), c.Errors())
	assert.InDelta(t, 0.75, c.Ratio(), 1e-9)
}

func TestTimedHappyCycle(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTimed(clock)

	assert.Equal(t, StatusStopped, tm.Status())

	tm.Started()
	assert.Equal(t, StatusStarted, tm.Status())

	clock.advance(2 * time.Second)
	tm.Warmup()
	assert.Equal(t, StatusOn, tm.Status())
	assert.Equal(t, []time.Duration{2 * time.Second}, tm.WarmupSamples())

	clock.advance(30 * time.Second)
	assert.Equal(t, 30*time.Second, tm.Measure())
	assert.Equal(t, 30*time.Second, tm.Total())
	assert.InDelta(t, 1.0, tm.Ratio(), 1e-9)

	tm.Uptime()
	assert.Equal(t, StatusStopped, tm.Status())
	assert.Equal(t, 30*time.Second, tm.Measure())
}

func TestTimedDeathAccruesDowntime(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTimed(clock)

	tm.Started()
	clock.advance(time.Second)
	tm.Warmup()
	clock.advance(10 * time.Second)

	tm.Died()
	assert.Equal(t, StatusDied, tm.Status())
	assert.Equal(t, 1, tm.DeathCount())
	assert.Equal(t, 10*time.Second, tm.Measure())

	// Downtime accrues while dead.
	clock.advance(5 * time.Second)
	assert.Equal(t, 10*time.Second, tm.Measure())
	assert.Equal(t, 15*time.Second, tm.Total())
	assert.InDelta(t, 10.0/15.0, tm.Ratio(), 1e-9)

	// Restart folds the downtime into the total.
	tm.Started()
	assert.Equal(t, 15*time.Second, tm.Total())
	assert.Equal(t, StatusStarted, tm.Status())
}

func TestTimedWarmupWindow(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTimed(clock)

	for i := 0; i < 15; i++ {
		tm.Started()
		clock.advance(time.Duration(i+1) * time.Second)
		tm.Warmup()
		tm.Uptime()
	}

	samples := tm.WarmupSamples()
	assert.Len(t, samples, 10)
	assert.Equal(t, 6*time.Second, samples[0])
	assert.Equal(t, 15*time.Second, samples[9])
	assert.Equal(t, 10500*time.Millisecond, tm.WarmupMean())
}

func TestTimedWarmupIgnoredWhenNotStarted(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTimed(clock)

	tm.Warmup()
	assert.Empty(t, tm.WarmupSamples())
	assert.Equal(t, StatusStopped, tm.Status())
}

func TestTimedMeasureNeverExceedsTotal(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTimed(clock)

	check := func() {
		assert.LessOrEqual(t, time.Duration(0), tm.Measure())
		assert.LessOrEqual(t, tm.Measure(), tm.Total())
		r := tm.Ratio()
		assert.GreaterOrEqual(t, r, 0.0)
		assert.LessOrEqual(t, r, 1.0)
	}

	check()
	tm.Started()
	check()
	clock.advance(time.Second)
	tm.Warmup()
	check()
	clock.advance(7 * time.Second)
	tm.Died()
	check()
	clock.advance(3 * time.Second)
	check()
	tm.Started()
	clock.advance(time.Second)
	tm.Warmup()
	clock.advance(4 * time.Second)
	tm.Uptime()
	check()
}

func TestStreamReport(t *testing.T) {
	clock := newFakeClock()
	s := NewStream()
	s.Timed.now = clock.now

	s.Thumbnail.Inc(false)
	s.Thumbnail.Inc(true)

	s.Timed.Started()
	clock.advance(time.Second)
	s.Timed.Warmup()
	clock.advance(9 * time.Second)

	r := s.Report()
	assert.Equal(t, "on", r.Status)
	assert.InDelta(t, 9.0, r.Measure, 1e-9)
	assert.InDelta(t, 9.0, r.Total, 1e-9)
	assert.InDelta(t, 1.0, r.UptimeRatio, 1e-9)
	assert.InDelta(t, 1.0, r.WarmupMean, 1e-9)
	assert.InDelta(t, 50.0, r.Thumbnail, 1e-9)
	assert.Equal(t, int64(1), r.ThumbnailErrs)
}
