package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"commonpurse/internal/amqp"
	"commonpurse/internal/config"
	apphttp "commonpurse/internal/http"
	"commonpurse/internal/ledger"
	applog "commonpurse/internal/log"
	"commonpurse/internal/report"
	"commonpurse/internal/session"
	"commonpurse/internal/storage"
	"commonpurse/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := applog.New(applog.DefaultConfig())
	applog.SetDefault(logger)

	logger.Info("Starting commonpurse")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	stamps := ledger.NewVersionStamps(repo)
	groupLedger := ledger.New(repo, stamps)
	sessions := session.NewCaches(cfg.SessionCacheSize, repo)

	renderer := report.NewHTTPRenderer(cfg.RendererURL)
	correlator := report.NewCorrelator(renderer, cfg.ArtifactDir, cfg.ReportRetention)

	if err := os.MkdirAll(cfg.ArtifactDir, 0755); err != nil {
		logger.Error("Failed to create artifact directory", "error", err, "dir", cfg.ArtifactDir)
		os.Exit(1)
	}

	var amqpClient *amqp.Client
	var publisher apphttp.Publisher
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPReportQueue, cfg.AMQPExportQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", "error", err)
			os.Exit(1)
		}
		defer amqpClient.Close()
		publisher = amqpClient
	} else {
		logger.Info("AMQP disabled, export rows rely on the worker's backup sweep")
	}

	srv := apphttp.NewServer(":"+cfg.Port, groupLedger, repo, sessions, correlator, publisher, cfg.DispatchTimeout)
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	var notifier worker.Notifier = worker.LogNotifier{}
	if cfg.NotifyURL != "" {
		notifier = worker.NewWebhookNotifier(cfg.NotifyURL)
	}
	reportWorker := worker.NewReportWorker(correlator, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// The completion consumer and the sweeper share the server's correlator,
	// so they run in this process.
	if amqpClient != nil {
		g.Go(func() error {
			err := amqpClient.ConsumeReportReady(ctx, reportWorker.HandleReportReady)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		reportWorker.RunSweeper(ctx, cfg.SweepInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}
