package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"triptrack/internal/config"
	"triptrack/internal/fix"
	"triptrack/internal/history"
	"triptrack/internal/metrics"
	"triptrack/internal/session"
	"triptrack/internal/stream"
	"triptrack/internal/web"
)

var replayPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracker with its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&replayPath, "replay", "", "Replay fixes from a CSV file instead of the configured source")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if replayPath != "" {
		cfg.Tracking.Source = "replay"
		cfg.Tracking.ReplayPath = replayPath
	}
	logger := log.Logger
	logger.Info().Str("version", version).Str("config", configPath).Msg("Starting triptrack")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prefs, err := config.OpenPreferences(cfg.Tracking.PreferencesPath)
	if err != nil {
		return fmt.Errorf("failed to open preferences: %w", err)
	}

	store, closeStore, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStore()
	logger.Info().Str("driver", cfg.Storage.Driver).Msg("Storage initialized")

	source, err := openSource(cfg.Tracking, logger)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Snapshot relay enabled")
	}
	hubCtx, cancelHub := context.WithCancel(ctx)
	hub := stream.NewHub(hubCtx, rdb, logger)
	defer stopRelay(cancelHub, hub, rdb, logger)

	controller, err := session.New(ctx, session.Deps{
		Source:      source,
		Store:       store,
		Preferences: prefs,
		Publisher:   hub,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer controller.Close()

	hist, err := history.New(store, cfg.Tracking.HistoryCacheSize, logger)
	if err != nil {
		return err
	}

	server := web.NewServer(web.Deps{
		Tracker:     controller,
		History:     hist,
		Preferences: prefs,
		Hub:         hub,
		Logger:      logger,
	})

	metricsServer := metrics.NewServer(cfg.Server.MetricsAddr, logger)
	listeners, err := activation.ListenersWithNames()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read systemd listeners")
	}
	if lns := listeners["metrics"]; len(lns) > 0 {
		metricsServer.SetListener(lns[0])
	}
	metricsServer.Start()

	serveErr := make(chan error, 1)
	go func() {
		if lns := listeners["http"]; len(lns) > 0 {
			logger.Info().Msg("Using socket-activated HTTP listener")
			serveErr <- server.App.Listener(lns[0])
			return
		}
		logger.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server started")
		serveErr <- server.App.Listen(cfg.Server.Addr)
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else if ok {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.App.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping HTTP server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}
	logger.Info().Msg("triptrack stopped")
	return nil
}

func openSource(cfg config.TrackingConfig, logger zerolog.Logger) (fix.Source, error) {
	if cfg.Source == "replay" {
		f, err := os.Open(cfg.ReplayPath)
		if err != nil {
			return nil, fmt.Errorf("open replay file: %w", err)
		}
		defer f.Close()
		fixes, err := fix.LoadCSV(f)
		if err != nil {
			return nil, fmt.Errorf("load replay file: %w", err)
		}
		logger.Info().Int("fixes", len(fixes)).Str("path", cfg.ReplayPath).Msg("Replaying recorded fixes")
		return fix.NewReplay(fixes), nil
	}
	return fix.NewSimulator(fix.SimulatorConfig{
		OriginLat: cfg.OriginLat,
		OriginLon: cfg.OriginLon,
		SpeedMps:  cfg.SimulatedSpeed,
	}, logger), nil
}

// stopRelay ends the hub's redis relay and only then closes the client.
func stopRelay(cancel context.CancelFunc, hub *stream.Hub, rdb *redis.Client, logger zerolog.Logger) {
	cancel()
	if rdb == nil {
		return
	}
	select {
	case <-hub.Done():
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Snapshot relay did not stop in time")
	}
	if err := rdb.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing redis client")
	}
}
