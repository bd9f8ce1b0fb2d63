// Package thumbnail periodically captures still frames from every
// provider stream with a bounded pool of FFmpeg jobs.
package thumbnail

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/ffmpeg"
	"github.com/cetrio/dss/internal/provider"
	"github.com/cetrio/dss/internal/supervisor"
)

// FileNames returns the output paths for one stream id: the full-size
// image first, then one per configured size variant.
func FileNames(cfg config.ThumbnailConfig, id string) ([]string, []config.SizeSpec) {
	sizes := cfg.ParsedSizes()
	out := make([]string, 0, len(sizes)+1)
	out = append(out, filepath.Join(cfg.Dir, fmt.Sprintf("%s.%s", id, cfg.Format)))
	for _, s := range sizes {
		out = append(out, filepath.Join(cfg.Dir, fmt.Sprintf("%s-%s.%s", id, s.Name, cfg.Format)))
	}
	return out, sizes
}

// Path returns the full-size thumbnail path for one stream id.
func Path(cfg config.ThumbnailConfig, id string) string {
	return filepath.Join(cfg.Dir, fmt.Sprintf("%s.%s", id, cfg.Format))
}

// Scheduler sweeps all provider streams every interval, capturing one
// frame per stream with at most Workers concurrent FFmpeg jobs.
type Scheduler struct {
	cfg       config.ThumbnailConfig
	composer  *ffmpeg.Composer
	providers *provider.Registry
	registry  *supervisor.Registry
	runner    supervisor.Runner
	logger    *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewScheduler creates a thumbnail scheduler. Call Start to begin the
// periodic sweeps.
func NewScheduler(
	cfg config.ThumbnailConfig,
	composer *ffmpeg.Composer,
	providers *provider.Registry,
	registry *supervisor.Registry,
	runner supervisor.Runner,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		composer:  composer,
		providers: providers,
		registry:  registry,
		runner:    runner,
		logger:    logger.With(slog.String("component", "thumbnail")),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the scheduler loop.
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop requests termination and waits for the current round to finish.
// In-flight jobs are killed.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)

	if s.cfg.StartAfter > 0 {
		select {
		case <-time.After(s.cfg.StartAfter):
		case <-s.stop:
			return
		}
	}

	for {
		if s.stopped() {
			return
		}

		start := time.Now()
		errored := s.round()

		// Deleting while stopping could remove files from rounds that
		// never got a chance to refresh them.
		if !s.stopped() {
			s.deleteOldThumbnails(errored)
		}

		elapsed := time.Since(start)
		wait := s.cfg.Interval - elapsed
		if wait < 0 {
			if !s.stopped() {
				s.logger.Warn("thumbnail round delayed",
					slog.Duration("behind", -wait))
			}
			wait = 0
		}

		select {
		case <-time.After(wait):
		case <-s.stop:
			return
		}
	}
}

// round captures one frame per stream and returns the ids that failed.
func (s *Scheduler) round() []string {
	var streams []string
	for _, p := range s.providers.All() {
		streams = append(streams, p.Streams()...)
	}

	var (
		mu      sync.Mutex
		errored []string
	)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, id := range streams {
		g.Go(func() error {
			failed := s.capture(id)
			s.registry.RecordThumbnail(id, failed)
			if failed {
				mu.Lock()
				errored = append(errored, id)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if !s.stopped() {
		s.logger.Info("thumbnail round finished",
			slog.String("fetched", fmt.Sprintf("%d/%d", len(streams)-len(errored), len(streams))))
		if len(errored) > 0 {
			s.logger.Warn("thumbnails not fetched",
				slog.String("streams", strings.Join(errored, ", ")))
		}
	}
	return errored
}

// capture grabs one frame (plus size variants) for a single stream.
// Returns true when the job failed or was cut short.
func (s *Scheduler) capture(id string) bool {
	if s.stopped() {
		return true
	}

	p, err := s.providers.Select(id)
	if err != nil {
		s.logger.Warn("thumbnail: unknown stream", slog.String("stream", id))
		return true
	}

	// Prefer the local republish when the stream is already running;
	// seek past the first second to skip the pre-roll.
	var input string
	outputOpt := s.cfg.OutputOpt
	if p.ThumbnailLocal() && s.registry.IsAlive(id) {
		input = p.OutputURL(id)
		outputOpt += " -ss 1"
	} else {
		input, err = p.InputURL(id)
		if err != nil {
			s.logger.Warn("thumbnail: no input for stream", slog.String("stream", id))
			return true
		}
	}

	outputs, sizes := FileNames(s.cfg, id)
	resize := make([]string, 0, len(sizes)+1)
	resize = append(resize, "")
	for _, size := range sizes {
		resize = append(resize, strings.ReplaceAll(s.cfg.ResizeOpt, "{0}", size.Scale))
	}

	argv, err := s.composer.BuildCmdOutputs(s.cfg.InputOpt, input, outputOpt, resize, outputs)
	if err != nil {
		s.logger.Error("thumbnail: building argv", slog.String("stream", id), slog.Any("error", err))
		return true
	}

	proc, err := s.runner.Run(id, argv, "thumb")
	if err != nil {
		s.logger.Error("thumbnail: spawning job", slog.String("stream", id), slog.Any("error", err))
		return true
	}

	// First of: job finished, per-job timeout, global stop. Whichever
	// fires, the job is killed and awaited.
	select {
	case <-proc.Done():
	case <-time.After(s.cfg.Timeout):
	case <-s.stop:
	}
	_ = proc.Close()

	return proc.Wait() != nil
}

// deleteOldThumbnails unlinks every size variant of the errored ids
// whose full-size file is older than delete_after.
func (s *Scheduler) deleteOldThumbnails(errored []string) {
	if s.cfg.DeleteAfter <= 0 {
		return
	}

	var deleted []string
	for _, id := range errored {
		names, _ := FileNames(s.cfg, id)
		info, err := os.Stat(names[0])
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) <= s.cfg.DeleteAfter {
			continue
		}
		for _, name := range names {
			_ = os.Remove(name)
		}
		deleted = append(deleted, id)
	}

	if len(deleted) > 0 {
		s.logger.Info("deleted stale thumbnails",
			slog.String("streams", strings.Join(deleted, ", ")))
	}
}
