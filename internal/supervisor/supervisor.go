// Package supervisor owns the lifetime of one transcoder process per
// stream: viewer reference counting, grace-period shutdown, respawn on
// crash, and the HTTP pseudo-client that keeps a stream warm for
// HTTP-only viewers.
package supervisor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cetrio/dss/internal/stats"
)

// Process is the running child as seen by the supervisor.
type Process interface {
	// Wait blocks until the process exits.
	Wait() error
	// Close kills the process if still alive and releases its resources.
	// Must be idempotent.
	Close() error
	// Pid is the OS process id.
	Pid() int
	// Done is closed when the process exits.
	Done() <-chan struct{}
}

// Runner spawns transcoder processes.
type Runner interface {
	Run(id string, argv []string, mode string) (Process, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(id string, argv []string, mode string) (Process, error)

// Run implements Runner.
func (f RunnerFunc) Run(id string, argv []string, mode string) (Process, error) {
	return f(id, argv, mode)
}

// ArgvFunc rebuilds the transcoder argument vector. It is called before
// every spawn so configuration reloads take effect on respawn.
type ArgvFunc func() ([]string, error)

// Stream supervises the transcoder for a single stream id.
type Stream struct {
	ID string

	mu      sync.Mutex
	viewers int
	procRun bool
	proc    Process

	grace  time.Duration
	reload time.Duration

	buildArgv ArgvFunc
	runner    Runner
	stats     *stats.Stream
	http      *httpClient
	logger    *slog.Logger

	// wg tracks the lifecycle loop and grace-stop workers.
	wg sync.WaitGroup

	// quit aborts sleeping workers on final shutdown.
	quit     chan struct{}
	quitOnce sync.Once
}

// NewStream creates a supervisor for one stream. grace is how long a
// stream outlives its last viewer; reload is the pause before a crashed
// transcoder is respawned.
func NewStream(id string, argv ArgvFunc, runner Runner, grace, reload time.Duration, logger *slog.Logger) *Stream {
	s := &Stream{
		ID:        id,
		grace:     grace,
		reload:    reload,
		buildArgv: argv,
		runner:    runner,
		stats:     stats.NewStream(),
		logger:    logger.With(slog.String("stream", id)),
		quit:      make(chan struct{}),
	}
	s.http = newHTTPClient(s)
	return s
}

// Stats exposes the stream's counters.
func (s *Stream) Stats() *stats.Stream { return s.stats }

// Clients is the effective viewer count: RTMP viewers plus one when the
// HTTP pseudo-client is armed.
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientsLocked()
}

func (s *Stream) clientsLocked() int {
	n := s.viewers
	if s.http.Active() {
		n++
	}
	return n
}

// Alive reports whether a process is present or supposed to be.
func (s *Stream) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil || s.procRun
}

// Pid returns the transcoder pid, 0 when no process is running.
func (s *Stream) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Inc registers viewers. With httpWait > 0 the HTTP pseudo-client is
// armed (or its countdown reset) instead of touching the viewer count.
// A process is spawned if none is running.
func (s *Stream) Inc(k int, httpWait time.Duration) {
	s.mu.Lock()
	if httpWait > 0 {
		s.http.Refresh(httpWait)
	} else {
		s.viewers += k
	}
	start := s.proc == nil && !s.procRun
	// A killed process may not have been reaped yet; procRun tells the
	// lifecycle loop to respawn for this viewer instead of exiting.
	s.procRun = true
	clients := s.clientsLocked()
	s.mu.Unlock()

	if start {
		s.wg.Add(1)
		go s.lifecycle()
	}
	s.logger.Info("viewer joined", slog.Int("clients", clients))
}

// Dec unregisters one viewer, saturating at zero. With http=true only
// the pseudo-client is cleared. When the last client leaves, a
// grace-period stop is scheduled.
func (s *Stream) Dec(http bool) {
	s.mu.Lock()
	if !http && s.viewers > 0 {
		s.viewers--
	}
	clients := s.clientsLocked()
	s.mu.Unlock()

	s.logger.Info("viewer left", slog.Int("clients", clients))
	if clients == 0 {
		s.ProcStop(false)
	}
}

// ProcStop stops the transcoder. With now=true the process is killed
// immediately; otherwise the stop happens after the grace period unless
// a client shows up in the meantime.
func (s *Stream) ProcStop(now bool) {
	s.mu.Lock()
	if now {
		s.procRun = false
		s.killLocked()
		s.mu.Unlock()
		s.quitOnce.Do(func() { close(s.quit) })
		return
	}

	if !s.procRun {
		s.mu.Unlock()
		return
	}
	s.procRun = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.graceStop()
}

func (s *Stream) graceStop() {
	defer s.wg.Done()

	select {
	case <-time.After(s.grace):
	case <-s.quit:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientsLocked() == 0 {
		s.killLocked()
	} else {
		// A client came back during the grace period.
		s.procRun = true
	}
}

// killLocked terminates the current process. Callers hold s.mu; the
// lifecycle loop observes procRun=false and exits.
func (s *Stream) killLocked() {
	if s.proc != nil {
		_ = s.proc.Close()
	}
}

// Wait blocks until all of the stream's workers have finished. Used on
// shutdown after ProcStop(true).
func (s *Stream) Wait() {
	s.wg.Wait()
}

// lifecycle runs the transcoder, respawning it while procRun holds.
func (s *Stream) lifecycle() {
	defer s.wg.Done()

	restarted := false
	for {
		argv, err := s.buildArgv()
		if err != nil {
			s.logger.Error("building transcoder argv", slog.Any("error", err))
			s.setProcRun(false)
			return
		}

		proc, err := s.runner.Run(s.ID, argv, "fetch")
		if err != nil {
			s.logger.Error("spawning transcoder", slog.Any("error", err))
			s.setProcRun(false)
			return
		}

		s.mu.Lock()
		s.proc = proc
		s.mu.Unlock()

		s.stats.Timed.Started()
		msg := "transcoder started"
		if restarted {
			msg = "transcoder restarted"
		}
		s.logger.Info(msg, slog.Int("pid", proc.Pid()))

		_ = proc.Wait()
		pid := proc.Pid()
		_ = proc.Close()

		s.mu.Lock()
		s.proc = nil
		run := s.procRun
		s.mu.Unlock()

		if run {
			// Should be running, but isn't.
			s.stats.Timed.Died()
			s.logger.Warn("transcoder died", slog.Int("pid", pid))
			select {
			case <-time.After(s.reload):
			case <-s.quit:
			}
			if s.procRunNow() {
				restarted = true
				continue
			}
		}

		s.stats.Timed.Uptime()
		s.logger.Info("transcoder stopped", slog.Int("pid", pid))
		return
	}
}

func (s *Stream) setProcRun(v bool) {
	s.mu.Lock()
	s.procRun = v
	s.mu.Unlock()
}

func (s *Stream) procRunNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procRun
}

// httpClient emulates an RTMP client for HTTP viewers: while refreshed
// within its timeout it counts as one client; on expiry it decrements
// the parent exactly once.
type httpClient struct {
	parent *Stream

	mu      sync.Mutex
	active  bool
	refresh chan time.Duration
}

func newHTTPClient(parent *Stream) *httpClient {
	return &httpClient{
		parent:  parent,
		refresh: make(chan time.Duration, 1),
	}
}

// Active reports whether the pseudo-client currently counts as a viewer.
func (h *httpClient) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Refresh arms the pseudo-client for d, resetting the countdown when it
// is already armed.
func (h *httpClient) Refresh(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active {
		// Drop a stale reset so the newest timeout wins.
		select {
		case <-h.refresh:
		default:
		}
		h.refresh <- d
		return
	}

	h.active = true
	h.parent.wg.Add(1)
	go h.worker(d)
}

func (h *httpClient) worker(d time.Duration) {
	defer h.parent.wg.Done()

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-h.parent.quit:
			h.mu.Lock()
			h.active = false
			h.mu.Unlock()
			return
		case nd := <-h.refresh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(nd)
		case <-timer.C:
			h.mu.Lock()
			// A reset that raced the expiry still wins.
			select {
			case nd := <-h.refresh:
				h.mu.Unlock()
				timer.Reset(nd)
				continue
			default:
			}
			h.active = false
			h.mu.Unlock()
			h.parent.Dec(true)
			return
		}
	}
}
