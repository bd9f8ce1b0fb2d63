// Package stats tracks per-stream health counters: thumbnail success
// ratios and the uptime/warmup state machine fed by process lifecycle
// and RTMP publish events.
package stats

import (
	"sync"
	"time"
)

// warmupWindow caps the number of warmup samples kept per stream.
const warmupWindow = 10

// Status is the lifecycle state of a timed measurement.
type Status int

const (
	// StatusStopped means no process is being measured.
	StatusStopped Status = iota
	// StatusStarted means the process spawned but has not published yet.
	StatusStarted
	// StatusOn means the stream is publishing; uptime accrues.
	StatusOn
	// StatusDied means the process exited unexpectedly; downtime accrues.
	StatusDied
)

// String returns the lowercase status name used in stats reports.
func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusOn:
		return "on"
	case StatusDied:
		return "died"
	default:
		return "stopped"
	}
}

// Counter counts attempts and failures of a repeated operation.
type Counter struct {
	mu     sync.Mutex
	total  int64
	errors int64
}

// Inc records one attempt, failed or not.
func (c *Counter) Inc(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if failed {
		c.errors++
	}
}

// Total returns the number of attempts.
func (c *Counter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Errors returns the number of failed attempts.
func (c *Counter) Errors() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Ratio returns successes over attempts, in [0,1]. Zero when nothing
// has been counted yet.
func (c *Counter) Ratio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == 0 {
		return 0
	}
	return float64(c.total-c.errors) / float64(c.total)
}

// Timed measures stream uptime against total observed time and records
// warmup samples (spawn to publish latency). All methods are safe for
// concurrent use.
type Timed struct {
	mu sync.Mutex

	status       Status
	lastStart    time.Time
	lastShutdown time.Time
	measure      time.Duration
	total        time.Duration
	deathCount   int
	warmups      []time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewTimed creates a timed measurement in the stopped state.
func NewTimed() *Timed {
	return &Timed{now: time.Now}
}

// Started records a process spawn.
func (t *Timed) Started() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.foldDowntime()
	t.lastStart = t.now()
	t.status = StatusStarted
}

// Warmup records the publish event: the time since the last start is
// appended to the warmup samples and uptime begins to accrue.
func (t *Timed) Warmup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusStarted {
		return
	}
	sample := t.now().Sub(t.lastStart)
	t.warmups = append(t.warmups, sample)
	if len(t.warmups) > warmupWindow {
		t.warmups = t.warmups[len(t.warmups)-warmupWindow:]
	}
	t.lastStart = t.now()
	t.status = StatusOn
}

// Uptime folds the accrued uptime into the stored counters and stops
// measuring. Called on publish_stop and clean shutdown.
func (t *Timed) Uptime() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusOn {
		up := t.now().Sub(t.lastStart)
		t.measure += up
		t.total += up
	}
	t.status = StatusStopped
}

// Died records an unexpected process exit. Accrued uptime is folded in
// and downtime starts accruing until the next Started.
func (t *Timed) Died() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusOn {
		up := t.now().Sub(t.lastStart)
		t.measure += up
		t.total += up
	}
	t.deathCount++
	t.lastShutdown = t.now()
	t.status = StatusDied
}

// foldDowntime moves pending downtime into the total. Callers hold the
// mutex.
func (t *Timed) foldDowntime() {
	if t.status == StatusDied {
		t.total += t.now().Sub(t.lastShutdown)
	}
}

func (t *Timed) currentUptime() time.Duration {
	if t.status == StatusOn {
		return t.now().Sub(t.lastStart)
	}
	return 0
}

func (t *Timed) currentDowntime() time.Duration {
	if t.status == StatusDied {
		return t.now().Sub(t.lastShutdown)
	}
	return 0
}

// Status returns the current lifecycle state.
func (t *Timed) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Measure returns the total measured uptime, including the running
// interval while publishing.
func (t *Timed) Measure() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.measure + t.currentUptime()
}

// Total returns the total observed time, up and down.
func (t *Timed) Total() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total + t.currentUptime() + t.currentDowntime()
}

// Ratio returns uptime over total time, in [0,1].
func (t *Timed) Ratio() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.total + t.currentUptime() + t.currentDowntime()
	if total == 0 {
		return 0
	}
	return float64(t.measure+t.currentUptime()) / float64(total)
}

// DeathCount returns the number of unexpected exits.
func (t *Timed) DeathCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deathCount
}

// WarmupSamples returns a copy of the recorded warmup samples, newest
// last, at most ten.
func (t *Timed) WarmupSamples() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.warmups))
	copy(out, t.warmups)
	return out
}

// WarmupMean returns the mean of the recorded warmup samples, zero when
// none exist.
func (t *Timed) WarmupMean() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.warmups) == 0 {
		return 0
	}
	var sum time.Duration
	for _, w := range t.warmups {
		sum += w
	}
	return sum / time.Duration(len(t.warmups))
}

// Stream bundles the counters kept for one stream.
type Stream struct {
	Thumbnail *Counter
	Timed     *Timed
}

// NewStream creates a fresh stats bundle.
func NewStream() *Stream {
	return &Stream{
		Thumbnail: &Counter{},
		Timed:     NewTimed(),
	}
}

// Report is the JSON shape served by the stats routes.
type Report struct {
	Status        string  `json:"status"`
	Measure       float64 `json:"measure"`
	Total         float64 `json:"total"`
	UptimeRatio   float64 `json:"uptime_ratio"`
	DeathCount    int     `json:"death_count"`
	WarmupMean    float64 `json:"warmup_mean"`
	Thumbnail     float64 `json:"thumbnail"`
	ThumbnailErrs int64   `json:"thumbnail_errors"`
}

// Report snapshots all counters into the served shape. Durations are
// reported in seconds.
func (s *Stream) Report() Report {
	return Report{
		Status:        s.Timed.Status().String(),
		Measure:       s.Timed.Measure().Seconds(),
		Total:         s.Timed.Total().Seconds(),
		UptimeRatio:   s.Timed.Ratio(),
		DeathCount:    s.Timed.DeathCount(),
		WarmupMean:    s.Timed.WarmupMean().Seconds(),
		Thumbnail:     s.Thumbnail.Ratio() * 100,
		ThumbnailErrs: s.Thumbnail.Errors(),
	}
}
