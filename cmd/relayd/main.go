package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"relay/internal/config"
	"relay/internal/logging"
	"relay/internal/server/app"
	relayhttp "relay/internal/server/http"
	"relay/internal/storage"
)

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "Task relay for asynchronous render/export jobs",
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "directory containing relay-config.(yaml|json)")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := logging.NewComponentLogger("Relayd")

	taskLog, err := storage.OpenTaskLog(filepath.Join(cfg.Storage.DataDir, "tasks.log"), logger)
	if err != nil {
		return err
	}
	defer taskLog.Close()

	blobs, err := storage.NewBlobStore(filepath.Join(cfg.Storage.DataDir, "artifacts"))
	if err != nil {
		return err
	}
	shares, err := storage.OpenShareStore(filepath.Join(cfg.Storage.DataDir, "shares.json"))
	if err != nil {
		return err
	}

	store := app.NewTaskStore(taskLog, blobs, logging.NewComponentLogger("TaskStore"))
	hub := app.NewBroadcastHub(cfg.Watch.BufferSize, cfg.Watch.CloseGrace, logging.NewComponentLogger("BroadcastHub"))

	webhooks := app.NewWebhookDispatcher(app.WebhookDispatcherConfig{
		URL:         cfg.Webhook.URL,
		Timeout:     cfg.Webhook.Timeout,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		RetryDelay:  cfg.Webhook.RetryDelay,
		QueueSize:   cfg.Webhook.QueueSize,
	}, logging.NewComponentLogger("WebhookDispatcher"))
	webhooks.Start()

	sweeper := app.NewSweeper(store, shares, hub, app.SweeperConfig{
		MaxArtifacts: cfg.Retention.MaxArtifacts,
		TTLDays:      cfg.Retention.TTLDays,
		CronSpec:     cfg.Retention.CronSpec,
		MinInterval:  cfg.Retention.MinInterval,
	}, logging.NewComponentLogger("RetentionSweep"))

	// Establish a consistent baseline before serving any artifact read.
	if _, err := sweeper.Run(context.Background(), true); err != nil {
		return fmt.Errorf("startup retention sweep: %w", err)
	}
	if err := sweeper.Start(); err != nil {
		return err
	}

	packager := app.NewPackager(store, app.PackagerConfig{
		BulkMaxIDs:   cfg.Limits.BulkMaxIDs,
		BulkMaxBytes: cfg.Limits.BulkMaxBytes,
	}, logging.NewComponentLogger("Packager"))

	baseURL := cfg.Server.PublicBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	shareService := app.NewShareService(shares, store, baseURL, cfg.Limits.ShareDefaultTTL, logging.NewComponentLogger("ShareService"))

	coordinator := app.NewCoordinator(store, hub, webhooks, sweeper, packager, shareService,
		cfg.Limits.CompareMaxBytes, baseURL, logging.NewComponentLogger("Coordinator"))

	router := relayhttp.NewRouter(coordinator, relayhttp.RouterConfig{
		Environment:    cfg.Server.Environment,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Limits.MaxTaskBodyBytes,
		RateLimit: relayhttp.RateLimitConfig{
			RequestsPerMinute: cfg.Limits.RequestsPerMinute,
			Burst:             cfg.Limits.RateBurst,
		},
		SSE: relayhttp.SSEConfig{
			Heartbeat:         cfg.Watch.Heartbeat,
			InactivityTimeout: cfg.Watch.InactivityTimeout,
		},
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("Relay listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sweeper.Stop()
		webhooks.Close(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
