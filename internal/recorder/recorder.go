// Package recorder drives the upstream RTMP server's recorders: on an
// interval boundary it stops the running recorder for every stream of a
// provider, renames the finished file with a timestamp, and starts the
// next recorder so the capture continues without gaps.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/provider"
)

// ControlClient issues record control calls against the upstream
// server.
type ControlClient interface {
	RecordAction(ctx context.Context, action, app, name, rec string) (string, error)
}

// alignedSchedule fires on wall clock multiples of the interval, so an
// hourly recorder splits on the hour regardless of when it started.
type alignedSchedule struct {
	interval time.Duration
}

func (s alignedSchedule) Next(t time.Time) time.Time {
	return t.Truncate(s.interval).Add(s.interval)
}

// Recorder splits the recordings of one provider's streams.
type Recorder struct {
	provider  provider.Provider
	client    ControlClient
	app       string
	interval  time.Duration
	format    string
	logger    *slog.Logger
	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once

	mu        sync.Mutex
	recorders []string
	stamp     string
}

// New creates a recorder for the provider, applying its per-provider
// overrides on top of the defaults.
func New(cfg config.RecorderConfig, override *config.RecordConfig, p provider.Provider, client ControlClient, app string, logger *slog.Logger) (*Recorder, error) {
	if len(cfg.Recorders) == 0 {
		return nil, fmt.Errorf("no recorder configured")
	}

	interval := cfg.Interval
	format := cfg.Format
	if override != nil {
		if override.Interval > 0 {
			interval = override.Interval
		}
		if override.Format != "" {
			format = override.Format
		}
	}
	if interval <= 0 {
		return nil, fmt.Errorf("recorder interval must be positive")
	}

	return &Recorder{
		provider:  p,
		client:    client,
		app:       app,
		interval:  interval,
		format:    format,
		logger:    logger.With(slog.String("component", "recorder"), slog.String("provider", p.Name())),
		cron:      cron.New(),
		recorders: append([]string(nil), cfg.Recorders...),
	}, nil
}

// Start opens the first recording segment and schedules the splits.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		r.split(true)
		r.cron.Schedule(alignedSchedule{r.interval}, cron.FuncJob(func() { r.split(true) }))
		r.cron.Start()
		r.logger.Info("recorder started", slog.Duration("interval", r.interval))
	})
}

// Stop halts the schedule and closes the open segment.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		<-r.cron.Stop().Done()
		r.split(false)
		r.logger.Info("recorder stopped")
	})
}

// split rotates the recorders for every stream of the provider. The
// recorder list is reversed afterwards so the next split stops what
// this one started.
func (r *Recorder) split(start bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stamp = time.Now().Format(r.format)
	for _, id := range r.provider.Streams() {
		r.splitOne(id, start)
	}
	for i, j := 0, len(r.recorders)-1; i < j; i, j = i+1, j-1 {
		r.recorders[i], r.recorders[j] = r.recorders[j], r.recorders[i]
	}
	r.logger.Info("recordings split", slog.String("stamp", r.stamp))
}

// splitOne rotates one stream. With a single recorder the segment is
// closed before the next opens; with two the next opens first so no
// frames are lost in between.
func (r *Recorder) splitOne(id string, start bool) {
	rec := r.recorders
	if len(rec) == 1 {
		r.stopRecorder(id, rec[0])
		if start {
			r.startRecorder(id, rec[0])
		}
		return
	}
	if start {
		r.startRecorder(id, rec[1])
	}
	r.stopRecorder(id, rec[0])
}

func (r *Recorder) startRecorder(id, rec string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := r.client.RecordAction(ctx, "start", r.app, id, rec); err != nil {
		r.logger.Warn("record start failed",
			slog.String("stream", id),
			slog.String("recorder", rec),
			slog.Any("error", err),
		)
	}
}

// stopRecorder closes the segment and renames the reported file to
// <dir>/<id>-<stamp><ext>.
func (r *Recorder) stopRecorder(id, rec string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	file, err := r.client.RecordAction(ctx, "stop", r.app, id, rec)
	if err != nil {
		r.logger.Warn("record stop failed",
			slog.String("stream", id),
			slog.String("recorder", rec),
			slog.Any("error", err),
		)
		return
	}
	if file == "" {
		return
	}

	name := filepath.Join(filepath.Dir(file), id+"-"+r.stamp+filepath.Ext(file))
	if err := os.Rename(file, name); err != nil {
		r.logger.Warn("recording rename failed",
			slog.String("from", file),
			slog.String("to", name),
			slog.Any("error", err),
		)
		return
	}
	r.logger.Debug("recording saved", slog.String("file", name))
}

// Manager owns one recorder per provider that enables recording.
type Manager struct {
	recorders []*Recorder
	logger    *slog.Logger
}

// NewManager builds recorders for the configured providers. Providers
// without a record block, or with recording disabled, are skipped.
func NewManager(cfg config.RecorderConfig, configured []config.ProviderConfig, providers *provider.Registry, client ControlClient, app string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{logger: logger}

	for _, pc := range configured {
		if pc.Record == nil {
			continue
		}
		if pc.Record.Enabled != nil && !*pc.Record.Enabled {
			continue
		}
		p, err := providers.Get(pc.Identifier)
		if err != nil {
			// Disabled providers carry no recorder.
			continue
		}
		r, err := New(cfg, pc.Record, p, client, app, logger)
		if err != nil {
			return nil, fmt.Errorf("recorder for provider %q: %w", pc.Name, err)
		}
		m.recorders = append(m.recorders, r)
	}
	return m, nil
}

// Start starts every recorder.
func (m *Manager) Start() {
	for _, r := range m.recorders {
		r.Start()
	}
}

// Stop stops every recorder and closes their open segments.
func (m *Manager) Stop() {
	for _, r := range m.recorders {
		r.Stop()
	}
}

// Count reports how many recorders are active.
func (m *Manager) Count() int { return len(m.recorders) }
