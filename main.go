// Package main is the entry point for the Monzo snapshot service
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/baely/monzo/internal/amqp"
	"github.com/baely/monzo/internal/api"
	"github.com/baely/monzo/internal/auth"
	"github.com/baely/monzo/internal/categories"
	"github.com/baely/monzo/internal/common/logger"
	"github.com/baely/monzo/internal/config"
	"github.com/baely/monzo/internal/monzo"
	"github.com/baely/monzo/internal/sensor"
	"github.com/baely/monzo/internal/server"
	"github.com/baely/monzo/internal/snapshot"
	"github.com/baely/monzo/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(
		logger.WithLevel(logger.ParseLevel(cfg.LogLevel)),
		logger.WithFormat(cfg.LogFormat),
	)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize services
	client := monzo.NewClient(&monzo.ClientConfig{
		BaseURL: cfg.MonzoAPIURL,
		Auth:    auth.FromConfig(cfg, logger.WithComponent(log, "auth")),
		Logger:  logger.WithComponent(log, "monzo"),
	})

	snapshots := snapshot.NewCoordinator(&snapshot.Config{
		API:              client,
		Interval:         cfg.RefreshInterval,
		Timeout:          cfg.RefreshTimeout,
		PrimaryAccountID: cfg.PrimaryAccountID,
		Logger:           logger.WithComponent(log, "snapshot"),
	})

	// the first snapshot decides which accounts get webhooks and listeners
	if err := snapshots.Refresh(ctx); err != nil {
		log.Warn("Initial refresh failed, continuing with an empty snapshot", "error", err)
	}

	tracked := categories.DefaultTracked()
	if cfg.CategoriesFile != "" {
		loaded, err := categories.LoadTracked(cfg.CategoriesFile)
		if err != nil {
			return err
		}
		tracked = loaded
	}

	categoryAccount := snapshots.PrimaryAccountID
	if cfg.CategoryAccountID != "" {
		categoryAccount = func() (string, error) { return cfg.CategoryAccountID, nil }
	}
	cats := categories.NewCoordinator(&categories.Config{
		Source:    client,
		AccountID: categoryAccount,
		Tracked:   tracked,
		Interval:  cfg.CategoryRefreshInterval,
		Timeout:   cfg.CategoryRefreshTimeout,
		Logger:    logger.WithComponent(log, "categories"),
	})

	correlator := webhook.New(&webhook.Config{
		Refresher: snapshots,
		Secret:    cfg.WebhookSecret,
		Logger:    logger.WithComponent(log, "webhook"),
	})

	// Register event handlers. Events are recorded for every account,
	// including ones that appear after startup.
	events := sensor.NewEvents(func() webhook.PotNamer {
		return snapshots.Snapshot()
	}, logger.WithComponent(log, "events"))
	correlator.RegisterHandler(events)

	if cfg.AMQPURL != "" {
		publisher, err := amqp.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger.WithComponent(log, "amqp"))
		if err != nil {
			return err
		}
		defer publisher.Close()
		correlator.RegisterHandler(publisher)
	}

	if cfg.WebhookURL != "" {
		if err := snapshots.RegisterWebhooks(ctx, correlator.CallbackURL(cfg.WebhookURL)); err != nil {
			log.Error("Failed to register webhooks", "error", err)
		}
	}

	apiService := api.New(&api.Config{
		Primary:    snapshots,
		Categories: cats,
		Webhooks:   client,
		Events:     events,
		Secret:     cfg.APISecret,
		Logger:     logger.WithComponent(log, "api"),
	})

	// Register domain handlers
	s := server.New(cfg.Port)
	if cfg.WebhookDomain != "" {
		s.RegisterDomain(cfg.WebhookDomain, correlator.Chi())
	}
	fallback := chi.NewRouter()
	if cfg.APISecret != "" {
		if cfg.APIDomain != "" {
			s.RegisterDomain(cfg.APIDomain, apiService.Chi())
		}
		fallback.Mount("/api", apiService.Chi())
	} else {
		log.Warn("API_SECRET not set, control API disabled")
	}
	fallback.Mount("/", correlator.Chi())
	s.RegisterDomain("", fallback)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return snapshots.Run(gctx) })
	g.Go(func() error { return cats.Run(gctx) })
	g.Go(func() error { return correlator.Run(gctx) })
	g.Go(func() error {
		log.Info("Starting server", "addr", s.Addr)
		return s.Run(gctx)
	})

	err := g.Wait()

	// Tear down webhooks even if the signal context is already done
	teardown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snapshots.UnregisterWebhooks(teardown)
	correlator.Wait()

	log.Info("Stopped")
	return err
}
