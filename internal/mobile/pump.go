package mobile

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Pump errors.
var (
	// ErrQueueFull means the muxer is consuming slower than the device
	// produces; the session must abort.
	ErrQueueFull = errors.New("media queue full")
	// ErrLowBandwidth means the device stopped delivering media within
	// the wait timeout.
	ErrLowBandwidth = errors.New("no media received within timeout")
)

// Pump moves media chunks from a bounded queue into one FIFO. Exactly
// one pump writes to a given FIFO; the muxer is its only reader.
type Pump struct {
	name    string
	fd      int
	timeout time.Duration
	onError func(error)
	logger  *slog.Logger

	queue chan []byte

	// writeMu serializes FIFO writes against teardown's drain.
	writeMu sync.Mutex

	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewPump creates a pump over an open FIFO descriptor. onError is
// called once when the pump aborts; it must not block.
func NewPump(name string, fd, queueLimit int, timeout time.Duration, onError func(error), logger *slog.Logger) *Pump {
	return &Pump{
		name:    name,
		fd:      fd,
		timeout: timeout,
		onError: onError,
		logger:  logger.With(slog.String("pump", name)),
		queue:   make(chan []byte, queueLimit),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the pump worker.
func (p *Pump) Start() *Pump {
	go p.run()
	return p
}

// Add queues one chunk without blocking. A full queue aborts the pump:
// the producer has outrun the muxer.
func (p *Pump) Add(data []byte) error {
	select {
	case p.queue <- data:
		return nil
	default:
		p.logger.Warn("queue full, aborting")
		p.onError(fmt.Errorf("%s: %w", p.name, ErrQueueFull))
		return ErrQueueFull
	}
}

func (p *Pump) run() {
	defer close(p.done)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.timeout)

		select {
		case <-p.stop:
			return
		case data := <-p.queue:
			p.writeMu.Lock()
			err := writeAll(p.fd, data)
			p.writeMu.Unlock()
			if err != nil {
				p.onError(fmt.Errorf("%s: writing pipe: %w", p.name, err))
				return
			}
		case <-timer.C:
			p.logger.Warn("low bandwidth, aborting")
			p.onError(fmt.Errorf("%s: %w", p.name, ErrLowBandwidth))
			return
		}
	}
}

// Stop halts the worker, unblocks a write stuck on a full FIFO by
// draining it, and closes the descriptor. Safe to call more than once.
func (p *Pump) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.releasePipe()
	})
	<-p.done
	p.closeOnce.Do(func() { _ = unix.Close(p.fd) })
}

// releasePipe drains the FIFO non-blockingly until the worker's pending
// write (if any) completes. The FIFO is opened O_RDWR exactly so this
// end can read its own backlog.
func (p *Pump) releasePipe() {
	if err := unix.SetNonblock(p.fd, true); err != nil {
		return
	}

	buf := make([]byte, defaultPipeSize)
	total := 0
	for {
		if p.writeMu.TryLock() {
			p.writeMu.Unlock()
			break
		}
		n, err := unix.Read(p.fd, buf)
		if n > 0 {
			total += n
		}
		if err != nil || n <= 0 {
			break
		}
	}
	if total > 0 {
		p.logger.Debug("drained pipe", slog.Int("bytes", total))
	}
}

func writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}
