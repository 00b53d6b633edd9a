package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaymux/relaymux/internal/infrastructure/config"
	"github.com/relaymux/relaymux/internal/infrastructure/logger"
	"github.com/relaymux/relaymux/internal/infrastructure/persistence"
	httpiface "github.com/relaymux/relaymux/internal/interfaces/http"
	"github.com/relaymux/relaymux/internal/routing"
	"github.com/relaymux/relaymux/pkg/safego"
)

const (
	appName    = "relaymux"
	appVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "relaymux is a local LLM API gateway",
		Long:  "relaymux translates between provider wire formats and load-balances requests across configured upstream channels.",
		RunE:  runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting relaymux",
		zap.String("version", appVersion),
		zap.String("database", cfg.Database.Type),
	)

	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	store := persistence.NewStore(db)

	applyRuntimeSettings(store, cfg, log)

	circuit := routing.NewCircuitBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)
	balancer := routing.NewBalancer(store, circuit)

	server := httpiface.NewServer(httpiface.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Mode:            cfg.Server.Mode,
		Version:         appVersion,
		UpstreamTimeout: cfg.Proxy.UpstreamTimeout,
		MaxBodyBytes:    cfg.Proxy.MaxBodyBytes,
	}, store, balancer, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}

	startRetentionSweeper(ctx, store, cfg.Log.RetentionDays, log)

	cfg.Watch(log, func(next *config.Config) {
		// Listener and database settings need a restart; only log tuning
		// applies live today.
		log.Info("runtime config updated", zap.String("log_level", next.Log.Level))
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Gateway stopped")
	return nil
}

// applyRuntimeSettings overlays operator settings from the app_config
// table onto the file configuration, seeding defaults on first boot.
func applyRuntimeSettings(store *persistence.Store, cfg *config.Config, log *zap.Logger) {
	ctx := context.Background()

	if val, ok, err := store.GetAppConfig(ctx, "server_port"); err != nil {
		log.Warn("failed to read app_config", zap.Error(err))
	} else if ok {
		if port, err := strconv.Atoi(val); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	} else if err := store.SetAppConfig(ctx, "server_port", strconv.Itoa(cfg.Server.Port)); err != nil {
		log.Warn("failed to seed app_config", zap.Error(err))
	}

	if val, ok, err := store.GetAppConfig(ctx, "log_retention_days"); err != nil {
		log.Warn("failed to read app_config", zap.Error(err))
	} else if ok {
		if days, err := strconv.Atoi(val); err == nil && days > 0 {
			cfg.Log.RetentionDays = days
		}
	} else if err := store.SetAppConfig(ctx, "log_retention_days", strconv.Itoa(cfg.Log.RetentionDays)); err != nil {
		log.Warn("failed to seed app_config", zap.Error(err))
	}
}

// startRetentionSweeper purges old request logs at boot and then daily.
func startRetentionSweeper(ctx context.Context, store *persistence.Store, retentionDays int, log *zap.Logger) {
	if retentionDays <= 0 {
		return
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour

	sweep := func() {
		purged, err := store.PurgeRequestLogs(context.Background(), retention)
		if err != nil {
			log.Error("request log purge failed", zap.Error(err))
			return
		}
		if purged > 0 {
			log.Info("purged request logs", zap.Int64("rows", purged))
		}
	}

	safego.Go(log, "log-retention-sweeper", func() {
		sweep()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	})
}
