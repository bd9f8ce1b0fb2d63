package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/database"
	"github.com/cetrio/dss/internal/ffmpeg"
	internalhttp "github.com/cetrio/dss/internal/http"
	"github.com/cetrio/dss/internal/mobile"
	"github.com/cetrio/dss/internal/provider"
	"github.com/cetrio/dss/internal/recorder"
	"github.com/cetrio/dss/internal/repository"
	"github.com/cetrio/dss/internal/rtmpstats"
	"github.com/cetrio/dss/internal/supervisor"
	"github.com/cetrio/dss/internal/thumbnail"
	"github.com/cetrio/dss/internal/version"
	"github.com/cetrio/dss/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dss server",
	Long: `Start the stream server.

The server provides:
- HTTP control routes for starting and stopping transcoders
- Stream statistics and provider info routes
- A TCP ingest endpoint for mobile devices
- Periodic thumbnails and recording splits`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "HTTP port to listen on")
	serveCmd.Flags().Int("tcp-port", 8898, "TCP port for mobile ingest")
	serveCmd.Flags().String("database", "dss.db", "Database DSN")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("server.tcp_port", serveCmd.Flags().Lookup("tcp-port"))
	mustBindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database and repositories.
	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	if err := db.CheckVersion(ctx); err != nil {
		return fmt.Errorf("checking database version: %w", err)
	}

	mobileRepo := repository.NewMobileStreamRepository(db.DB)
	providerRepo := repository.NewProviderRepository(db.DB)
	staticRepo := repository.NewStaticStreamRepository(db.DB)

	// Sessions left active by a previous run are stale.
	if n, err := mobileRepo.DeactivateAll(ctx); err != nil {
		logger.Warn("failed to deactivate stale mobile sessions", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("deactivated stale mobile sessions", slog.Int64("count", n))
	}

	// Transcoder plumbing.
	composer := &ffmpeg.Composer{Bin: cfg.FFmpeg.Bin, Probe: cfg.FFmpeg.Probe}
	procRunner := ffmpeg.NewRunner(cfg.ProcessLog.Dir, cfg.ProcessLog.Enabled, logger)
	runner := supervisor.RunnerFunc(func(id string, argv []string, mode string) (supervisor.Process, error) {
		return procRunner.Run(id, argv, mode)
	})

	loader := &provider.Loader{
		Composer:   composer,
		RTMP:       cfg.RTMP,
		Providers:  providerRepo,
		StaticRepo: staticRepo,
		Logger:     logger,
	}
	providers, err := loader.Load(ctx, cfg.Providers)
	if err != nil {
		return fmt.Errorf("loading providers: %w", err)
	}

	registry := supervisor.NewRegistry(providers, runner, cfg.FFmpeg.Timeout, cfg.FFmpeg.Reload, logger)
	defer registry.TerminateAll()

	// Resume supervisors for streams the upstream already serves, then
	// spawn the always-on ones.
	upstream := rtmpstats.NewClient(cfg.Upstream)
	registry.Bootstrap(ctx, upstream, cfg.RTMP.App)
	registry.AutoStart(cfg.General.AutoStart, cfg.General.AutoStartProvider)

	// Websocket hub.
	hub := ws.NewHub(logger)
	defer hub.StopAll()

	location, err := hub.Register(mobile.LocationChannel)
	if err != nil {
		return fmt.Errorf("registering broadcast channel: %w", err)
	}

	// Thumbnails.
	thumbs := thumbnail.NewScheduler(cfg.Thumbnail, composer, providers, registry, runner, logger)
	thumbs.Start()
	defer thumbs.Stop()

	// Recording splits.
	recorders, err := recorder.NewManager(cfg.Recorder, cfg.Providers, providers, upstream, cfg.RTMP.App, logger)
	if err != nil {
		return fmt.Errorf("initializing recorders: %w", err)
	}
	recorders.Start()
	defer recorders.Stop()

	// Mobile ingest.
	ingest := mobile.NewServer(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.TCPPort),
		cfg.Mobile,
		cfg.Thumbnail,
		cfg.RTMP,
		mobileRepo,
		location,
		runner,
		composer,
		logger,
	)
	if err := ingest.Start(); err != nil {
		return fmt.Errorf("starting mobile ingest: %w", err)
	}
	defer ingest.Stop()

	// HTTP control surface.
	server := internalhttp.NewServer(cfg.Server, internalhttp.Deps{
		Streams:   registry,
		Providers: providers,
		Mobile:    mobileRepo,
		Hub:       hub,
	}, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting dss server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.Int("tcp_port", cfg.Server.TCPPort),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}
