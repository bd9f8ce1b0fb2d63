package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/ffmpeg"
	"github.com/cetrio/dss/internal/repository"
	"github.com/cetrio/dss/internal/supervisor"
	"github.com/cetrio/dss/internal/thumbnail"
	"github.com/cetrio/dss/internal/ws"
)

// StreamPrefix marks republished mobile streams.
const StreamPrefix = "M"

// StreamName is the RTMP stream name for a session id.
func StreamName(id string) string {
	return StreamPrefix + "_" + id
}

// handshakeContent is the body of the first metadata frame.
type handshakeContent struct {
	ID string `json:"id"`
}

// Session is one mobile device connection: handshake, two media pumps
// feeding FIFOs, a data worker, and the muxer process.
type Session struct {
	conn     *FramedConn
	cfg      config.MobileConfig
	thumb    config.ThumbnailConfig
	rtmp     config.RTMPConfig
	repo     repository.MobileStreamRepository
	location *ws.Broadcaster
	runner   supervisor.Runner
	composer *ffmpeg.Composer
	running  func() bool
	logger   *slog.Logger

	id            string
	name          string
	tmpdir        string
	thumbnailPath string

	audio *Pump
	video *Pump
	data  *DataProc
	muxer supervisor.Process

	timerAlarm chan struct{}
	timer      *time.Timer

	errMu sync.Mutex
	errs  []error

	cleanupOnce sync.Once
}

// newSession wires a session for one accepted connection.
func newSession(conn *FramedConn, srv *Server) *Session {
	return &Session{
		conn:       conn,
		cfg:        srv.cfg,
		thumb:      srv.thumb,
		rtmp:       srv.rtmp,
		repo:       srv.repo,
		location:   srv.location,
		runner:     srv.runner,
		composer:   srv.composer,
		running:    srv.Running,
		logger:     srv.logger,
		timerAlarm: make(chan struct{}),
	}
}

// setError records a worker failure; the frame loop stops on the first.
func (s *Session) setError(err error) {
	s.errMu.Lock()
	s.errs = append(s.errs, err)
	s.errMu.Unlock()
}

func (s *Session) failed() bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return len(s.errs) > 0
}

// Handle runs the session to completion. Cleanup is exactly-once and
// runs on every exit path.
func (s *Session) Handle() {
	defer s.cleanup()

	if err := s.handshake(); err != nil {
		s.logger.Warn("mobile handshake failed", slog.Any("error", err))
		return
	}

	if err := s.setup(); err != nil {
		s.setError(err)
		s.logger.Error("mobile session setup failed", slog.Any("error", err))
		return
	}

	s.frameLoop()
}

// handshake reads the first frame, which must carry metadata with the
// session id (or an empty one), registers the session, and replies with
// the assigned id.
func (s *Session) handshake() error {
	typ, payload, err := s.conn.ReadFrame()
	if err != nil {
		return err
	}
	if typ != FrameMetadata {
		return fmt.Errorf("first frame is %s, expected metadata", typ)
	}

	env, err := DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	var content handshakeContent
	// A malformed or absent id means a fresh session.
	if len(env.Content) > 0 {
		_ = decodeContent(env.Content, &content)
	}

	id, err := s.repo.StartSession(context.Background(), content.ID)
	if err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	s.id = id
	s.name = StreamName(id)
	s.logger = s.logger.With(slog.String("session", id))

	if err := s.conn.WriteMetadata("meta", map[string]string{"id": id}); err != nil {
		return fmt.Errorf("sending handshake reply: %w", err)
	}
	return nil
}

// setup creates the FIFOs, starts the pumps and data worker, and spawns
// the muxer.
func (s *Session) setup() error {
	tmpdir, err := os.MkdirTemp(orDefault(s.cfg.Dir, os.TempDir()), "mobile-")
	if err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	s.tmpdir = tmpdir

	audioPath := filepath.Join(tmpdir, "audio.ts")
	videoPath := filepath.Join(tmpdir, "video.ts")
	if err := unix.Mkfifo(audioPath, 0o600); err != nil {
		return fmt.Errorf("creating audio fifo: %w", err)
	}
	if err := unix.Mkfifo(videoPath, 0o600); err != nil {
		return fmt.Errorf("creating video fifo: %w", err)
	}

	// O_RDWR so the open does not block waiting for the muxer, and so
	// teardown can drain this end.
	audioFD, err := unix.Open(audioPath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening audio fifo: %w", err)
	}
	videoFD, err := unix.Open(videoPath, unix.O_RDWR, 0)
	if err != nil {
		_ = unix.Close(audioFD)
		return fmt.Errorf("opening video fifo: %w", err)
	}
	setPipeMaxSize(audioFD, videoFD)

	s.audio = NewPump("audio", audioFD, s.cfg.AudioQueueLimit, s.cfg.WaitTimeout, s.setError, s.logger).Start()
	s.video = NewPump("video", videoFD, s.cfg.VideoQueueLimit, s.cfg.WaitTimeout, s.setError, s.logger).Start()
	s.data = NewDataProc(s.id, s.name, s.repo, s.location, s.setError, s.logger).Start()

	destination := strings.TrimRight(s.rtmp.Addr, "/") + "/" + s.rtmp.App + "/" + s.name
	s.thumbnailPath = thumbnail.Path(s.thumb, s.name)

	// Second output refreshes a single thumbnail image at a slow rate.
	interval := s.thumb.MobileInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	thumbRate := fmt.Sprintf("1/%d", int(interval.Seconds()))

	argv, err := s.composer.BuildCmdInputsOutputs(
		"-y -re",
		[]string{audioPath, videoPath},
		"",
		[]string{
			"-c:v copy -c:a copy -bsf:a aac_adtstoasc -f flv",
			"-r " + thumbRate + " -update 1 -an",
		},
		[]string{destination, s.thumbnailPath},
	)
	if err != nil {
		return fmt.Errorf("building muxer argv: %w", err)
	}

	muxer, err := s.runner.Run(s.name, argv, "mobile")
	if err != nil {
		return fmt.Errorf("spawning muxer: %w", err)
	}
	s.muxer = muxer

	if s.cfg.TimeLimit > 0 {
		s.timer = time.AfterFunc(s.cfg.TimeLimit, func() { close(s.timerAlarm) })
	}

	s.logger.Info("new mobile stream", slog.String("destination", destination))
	return nil
}

// frameLoop routes incoming frames until the client stops, a worker
// fails, the muxer dies, the deadline fires, or the server shuts down.
func (s *Session) frameLoop() {
	for s.running() && !s.failed() && !s.expired() && s.muxerAlive() {
		typ, payload, err := s.conn.ReadFrame()
		if err != nil {
			if !errors.Is(err, ErrSocketClosed) {
				s.setError(err)
			}
			s.logger.Info("mobile stream input ended", slog.Any("reason", err))
			return
		}

		switch typ {
		case FrameMetadata, FrameUserdata:
			s.data.Add(typ, payload)
		case FrameVideo:
			if s.video.Add(payload) != nil {
				return
			}
		case FrameAudio:
			if s.audio.Add(payload) != nil {
				return
			}
		default:
			s.logger.Warn("unknown content received",
				slog.String("type", typ.String()),
				slog.Int("bytes", len(payload)),
			)
		}
	}

	if s.expired() {
		s.logger.Info("stream finished due to time limit",
			slog.Duration("limit", s.cfg.TimeLimit))
	}
}

func (s *Session) expired() bool {
	select {
	case <-s.timerAlarm:
		return true
	default:
		return false
	}
}

func (s *Session) muxerAlive() bool {
	select {
	case <-s.muxer.Done():
		return false
	default:
		return true
	}
}

// cleanup releases every session resource: workers, muxer, database
// record, temp directory, and thumbnail. Runs exactly once.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		var errs []error
		collect := func(err error) {
			if err != nil {
				errs = append(errs, err)
			}
		}

		if s.timer != nil {
			s.timer.Stop()
		}
		if s.audio != nil {
			s.audio.Stop()
		}
		if s.video != nil {
			s.video.Stop()
		}
		if s.data != nil {
			s.data.Stop()
		}
		if s.muxer != nil {
			collect(s.muxer.Close())
		}

		if s.id != "" {
			collect(s.repo.EndSession(context.Background(), s.id))
		}
		if s.tmpdir != "" {
			collect(os.RemoveAll(s.tmpdir))
		}
		if s.thumbnailPath != "" {
			if err := os.Remove(s.thumbnailPath); err != nil && !os.IsNotExist(err) {
				collect(err)
			}
		}

		if s.id != "" && s.location != nil {
			s.location.Broadcast(map[string]any{
				"name": s.name,
				"info": "finished",
			})
		}

		_ = s.conn.Close()

		s.errMu.Lock()
		errs = append(errs, s.errs...)
		s.errMu.Unlock()
		if err := errors.Join(errs...); err != nil {
			s.logger.Warn("errors during mobile session cleanup", slog.Any("error", err))
		}
		s.logger.Info("mobile stream ended")
	})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func decodeContent(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
