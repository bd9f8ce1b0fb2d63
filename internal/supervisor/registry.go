package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cetrio/dss/internal/provider"
	"github.com/cetrio/dss/internal/rtmpstats"
)

// Registry is the process-wide map of stream id to supervisor.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream
	run     bool

	providers *provider.Registry
	runner    Runner
	grace     time.Duration
	reload    time.Duration
	logger    *slog.Logger
}

// NewRegistry creates the supervisor registry. grace and reload carry
// the per-stream shutdown and respawn timings.
func NewRegistry(providers *provider.Registry, runner Runner, grace, reload time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		streams:   make(map[string]*Stream),
		run:       true,
		providers: providers,
		runner:    runner,
		grace:     grace,
		reload:    reload,
		logger:    logger.With(slog.String("component", "supervisor")),
	}
}

// Get returns the supervisor for id, creating it on first use. The id
// is validated against its provider.
func (r *Registry) Get(id string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[id]; ok {
		return s, nil
	}

	p, err := r.providers.Select(id)
	if err != nil {
		return nil, err
	}
	if _, err := p.OriginStream(id); err != nil {
		return nil, err
	}

	argv := func() ([]string, error) { return p.BuildCmd(id) }
	s := NewStream(id, argv, r.runner, r.grace, r.reload, r.logger)
	r.streams[id] = s
	return s, nil
}

// Peek returns the supervisor for id only if it already exists.
func (r *Registry) Peek(id string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[id]
}

// Start registers k viewers on id, spawning the transcoder when needed.
// httpWait > 0 arms the HTTP pseudo-client instead.
func (r *Registry) Start(id string, k int, httpWait time.Duration) error {
	r.mu.Lock()
	running := r.run
	r.mu.Unlock()
	if !running {
		return fmt.Errorf("registry is shut down")
	}

	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Inc(k, httpWait)
	return nil
}

// Stop unregisters one viewer from id.
func (r *Registry) Stop(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Dec(false)
	return nil
}

// Streams snapshots the known supervisors, sorted by id.
func (r *Registry) Streams() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StreamsForPrefix snapshots the supervisors whose id starts with the
// provider prefix.
func (r *Registry) StreamsForPrefix(prefix string) []*Stream {
	var out []*Stream
	for _, s := range r.Streams() {
		if strings.HasPrefix(s.ID, prefix) {
			out = append(out, s)
		}
	}
	return out
}

// IsAlive reports whether id currently has a running (or restarting)
// transcoder. Unknown ids are simply not alive.
func (r *Registry) IsAlive(id string) bool {
	s := r.Peek(id)
	return s != nil && s.Alive()
}

// RecordThumbnail counts one thumbnail attempt on id's stats, creating
// the supervisor when needed so counters survive the stream being idle.
func (r *Registry) RecordThumbnail(id string, failed bool) {
	s, err := r.Get(id)
	if err != nil {
		return
	}
	s.Stats().Thumbnail.Inc(failed)
}

// Bootstrap pre-populates supervisors from the upstream RTMP server's
// statistics: every stream with subscribers beyond its publisher gets a
// supervisor with that viewer count. An unreachable upstream is logged
// and skipped so the server still starts.
func (r *Registry) Bootstrap(ctx context.Context, client *rtmpstats.Client, app string) {
	doc, err := client.Fetch(ctx)
	if err != nil {
		r.logger.Warn("stats bootstrap skipped", slog.Any("error", err))
		return
	}

	application := doc.Application(app)
	if application == nil {
		r.logger.Warn("stats bootstrap: application not listed", slog.String("app", app))
		return
	}

	for _, stream := range application.Live.Streams {
		n := stream.Subscribers()
		if n <= 0 {
			continue
		}
		if err := r.Start(stream.Name, n, 0); err != nil {
			// Stale upstream entries must not abort startup.
			r.logger.Warn("stats bootstrap: skipping stream",
				slog.String("stream", stream.Name),
				slog.Any("error", err),
			)
			continue
		}
		r.logger.Info("stats bootstrap: stream resumed",
			slog.String("stream", stream.Name),
			slog.Int("clients", n),
		)
	}
}

// AutoStart spawns the configured always-on streams: explicit ids plus
// every stream of the named provider prefixes.
func (r *Registry) AutoStart(ids, prefixes []string) {
	for _, id := range ids {
		if err := r.Start(id, 1, 0); err != nil {
			r.logger.Warn("auto start failed", slog.String("stream", id), slog.Any("error", err))
		}
	}
	for _, prefix := range prefixes {
		p, err := r.providers.Get(prefix)
		if err != nil {
			r.logger.Warn("auto start: unknown provider", slog.String("prefix", prefix))
			continue
		}
		for _, id := range p.Streams() {
			if err := r.Start(id, 1, 0); err != nil {
				r.logger.Warn("auto start failed", slog.String("stream", id), slog.Any("error", err))
			}
		}
	}
}

// TerminateAll kills every supervised process and waits for their
// workers. New starts are refused afterwards.
func (r *Registry) TerminateAll() {
	r.mu.Lock()
	r.run = false
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	for _, s := range streams {
		s.ProcStop(true)
	}
	for _, s := range streams {
		s.Wait()
	}
	r.logger.Info("all transcoders terminated", slog.Int("count", len(streams)))
}
