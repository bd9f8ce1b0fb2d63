package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

// Runner errors.
var (
	// ErrSpawn wraps failures to start a child process.
	ErrSpawn = errors.New("spawning process")
	// ErrProcessLog wraps failures to open the per-process log file.
	ErrProcessLog = errors.New("opening process log")
)

// Runner spawns child processes with stderr redirected to a per-process log
// file and stdout piped for optional reading.
type Runner struct {
	// LogDir is where <mode>-<id> log files are written.
	LogDir string

	// EnableLog controls whether stderr goes to a log file or is discarded.
	EnableLog bool

	Logger *slog.Logger
}

// NewRunner creates a process runner.
func NewRunner(logDir string, enableLog bool, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{LogDir: logDir, EnableLog: enableLog, Logger: logger}
}

// Run starts argv with stderr appended to <log_dir>/<mode>-<id>. The
// returned Process must be closed to release the log file and avoid
// zombies.
func (r *Runner) Run(id string, argv []string, mode string) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrSpawn)
	}

	var logFile *os.File
	if r.EnableLog {
		name := filepath.Join(r.LogDir, fmt.Sprintf("%s-%s", mode, id))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProcessLog, err)
		}
		logFile = f
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if logFile != nil {
		cmd.Stderr = logFile
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeQuiet(logFile)
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		closeQuiet(logFile)
		closeQuiet(stdout)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	p := &Process{
		cmd:     cmd,
		Stdout:  stdout,
		logFile: logFile,
		done:    make(chan struct{}),
	}

	// A single goroutine owns cmd.Wait; everyone else waits on done.
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	r.Logger.Debug("process started",
		slog.String("id", id),
		slog.String("mode", mode),
		slog.Int("pid", cmd.Process.Pid),
	)

	return p, nil
}

func closeQuiet(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// Process is one running child with its log file.
type Process struct {
	cmd     *exec.Cmd
	logFile *os.File

	// Stdout is the child's standard output, available for optional reading.
	Stdout io.ReadCloser

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done returns a channel closed when the child exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the child exits and returns its wait error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Alive reports whether the child has not exited yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Kill terminates the child (if still running) and awaits its exit.
func (p *Process) Kill() {
	if p.Alive() {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
}

// ExitCode returns the child's exit code, or -1 if it has not exited.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Close kills the child if it is still alive, awaits it, and releases the
// stdout pipe and log file. Safe to call more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.Kill()
		closeQuiet(p.Stdout)
		closeQuiet(p.logFile)
	})
	return nil
}

// Usage is a snapshot of the child's resource consumption.
type Usage struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Usage reports CPU and memory usage of the running child, or an error when
// the process has already exited.
func (p *Process) Usage() (*Usage, error) {
	if !p.Alive() {
		return nil, errors.New("process has exited")
	}

	proc, err := process.NewProcess(int32(p.Pid()))
	if err != nil {
		return nil, fmt.Errorf("inspecting process: %w", err)
	}

	usage := &Usage{PID: p.Pid()}
	if cpu, err := proc.CPUPercent(); err == nil {
		usage.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		usage.RSSBytes = mem.RSS
	}
	return usage, nil
}
