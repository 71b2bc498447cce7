package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tatsugg/tatsuq/internal/config"
	"github.com/tatsugg/tatsuq/internal/observability"
	"github.com/tatsugg/tatsuq/internal/server"
	"github.com/tatsugg/tatsuq/internal/server/handlers"
	servermw "github.com/tatsugg/tatsuq/internal/server/middleware"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shared rate-limited proxy",
	Long: `Run an HTTP proxy that funnels every caller through one scheduler, so
many processes can share a single Tatsu token without overrunning its quota.

Routes:
  GET   /v1/users/{userID}/profile
  GET   /v1/guilds/{guildID}/rankings?page=N
  GET   /v1/guilds/{guildID}/rankings/members/{userID}
  PATCH /v1/guilds/{guildID}/members/{userID}/score
  GET   /v1/status

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload log level from config`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen := map[string]any{}
		if cmd.Flags().Changed("host") {
			listen["host"] = serverHost
		}
		if cmd.Flags().Changed("port") {
			listen["port"] = serverPort
		}

		cfg, err := loadConfig(cmd.Context(), map[string]any{"server": listen})
		if err != nil {
			return err
		}

		return runServer(cmd.Context(), cfg)
	},
}

func runServer(ctx context.Context, cfg *config.Config) error {
	observability.InitServerLogger(config.AppName, cfg.Logging.Level, config.AppName)
	logger := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port, config.AppName); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return err
		}
	}

	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("scheduler", handlers.SchedulerChecker(sess.client.Status))
	if sess.store != nil {
		health.RegisterChecker("store", sess.store)
	}
	if cfg.Metrics.Enabled {
		health.RegisterChecker("telemetry", telemetryHealthChecker{})
	}

	opts := server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		API:          sess.client,
		Health:       health,
		AdminToken:   os.Getenv(config.EnvPrefix + "ADMIN_TOKEN"),
	}
	if cfg.Throttle.Enabled {
		opts.Throttle = servermw.NewThrottle(cfg.Throttle.Rate, cfg.Throttle.Burst, cfg.Throttle.IdleTTL)
	}
	srv := server.New(opts)

	logger.Info("Initializing server",
		zap.String("version", versionInfo.Version),
		zap.String("credential", sess.client.Fingerprint()),
		zap.String("gate", cfg.Scheduler.Gate),
		zap.Bool("persist_quota", cfg.Store.PersistQuota),
		zap.Bool("throttle", cfg.Throttle.Enabled),
		zap.Int("metrics_port", observability.GetMetricsPort()))

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	// Shutdown handlers run LIFO: server, then scheduler and store, then logger.
	signals.OnShutdown(func(ctx context.Context) error {
		if err := logger.Sync(); err != nil {
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		status := sess.client.Status()
		logger.Info("Closing scheduler",
			zap.Int("queued", status.QueueLength),
			zap.Int("in_flight", status.InFlight))
		return sess.Close()
	})

	signals.OnShutdown(func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info("HTTP server stopped gracefully")
		return nil
	})

	signals.OnReload(func(ctx context.Context) error {
		reloaded, err := loadConfig(ctx)
		if err != nil {
			logger.Error("Failed to reload config", zap.Error(err))
			return err
		}
		observability.InitServerLogger(config.AppName, reloaded.Logging.Level, config.AppName)
		logger = observability.ServerLogger
		logger.Info("Configuration reloaded",
			zap.String("log_level", reloaded.Logging.Level))
		return nil
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go func() {
		if err := signals.Listen(ctx); err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := <-errChan; err != nil {
		_ = sess.Close()
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")
}
