package mobile

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/ffmpeg"
	"github.com/cetrio/dss/internal/repository"
	"github.com/cetrio/dss/internal/supervisor"
	"github.com/cetrio/dss/internal/ws"
)

// Server accepts mobile device connections on a plain TCP port and runs
// one Session per connection.
type Server struct {
	addr     string
	cfg      config.MobileConfig
	thumb    config.ThumbnailConfig
	rtmp     config.RTMPConfig
	repo     repository.MobileStreamRepository
	location *ws.Broadcaster
	runner   supervisor.Runner
	composer *ffmpeg.Composer
	logger   *slog.Logger

	listener net.Listener
	running  atomic.Bool
	sessions sync.WaitGroup
}

// NewServer creates the mobile ingest server.
func NewServer(
	addr string,
	cfg config.MobileConfig,
	thumb config.ThumbnailConfig,
	rtmp config.RTMPConfig,
	repo repository.MobileStreamRepository,
	location *ws.Broadcaster,
	runner supervisor.Runner,
	composer *ffmpeg.Composer,
	logger *slog.Logger,
) *Server {
	return &Server{
		addr:     addr,
		cfg:      cfg,
		thumb:    thumb,
		rtmp:     rtmp,
		repo:     repo,
		location: location,
		runner:   runner,
		composer: composer,
		logger:   logger.With(slog.String("component", "mobile")),
	}
}

// Running reports whether the server accepts and serves sessions.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Start binds the TCP port and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding mobile ingest port: %w", err)
	}
	s.listener = ln
	s.running.Store(true)

	go s.acceptLoop()
	s.logger.Info("mobile ingest listening", slog.String("addr", s.addr))
	return nil
}

// Addr is the bound listen address, useful when the port was 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.Running() {
				s.logger.Error("accepting mobile connection", slog.Any("error", err))
			}
			return
		}

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			sess := newSession(NewFramedConn(conn, s.cfg.WaitTimeout), s)
			sess.Handle()
		}()
	}
}

// Stop closes the listener and waits for active sessions to tear down.
// Sessions notice the stop at their next frame read, bounded by the
// wait timeout.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.sessions.Wait()
	s.logger.Info("mobile ingest stopped")
}
