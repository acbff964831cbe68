package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Priya8975/hoa-notifier/internal/api"
	"github.com/Priya8975/hoa-notifier/internal/channel"
	"github.com/Priya8975/hoa-notifier/internal/compliance"
	"github.com/Priya8975/hoa-notifier/internal/config"
	"github.com/Priya8975/hoa-notifier/internal/engine"
	"github.com/Priya8975/hoa-notifier/internal/gateway"
	"github.com/Priya8975/hoa-notifier/internal/ingest"
	"github.com/Priya8975/hoa-notifier/internal/ledger"
	"github.com/Priya8975/hoa-notifier/internal/maintenance"
	"github.com/Priya8975/hoa-notifier/internal/metrics"
	"github.com/Priya8975/hoa-notifier/internal/queue"
	"github.com/Priya8975/hoa-notifier/internal/store"
	"github.com/Priya8975/hoa-notifier/internal/template"
	ws "github.com/Priya8975/hoa-notifier/internal/websocket"
)

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx); err != nil {
		return err
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	metrics.Init()

	adapters, err := providerAdapters(cfg, logger)
	if err != nil {
		return err
	}
	providers := make([]string, 0, len(adapters))
	for _, a := range adapters {
		providers = append(providers, a.Name())
	}

	breaker := engine.NewCircuitBreaker(redisStore.Client(), logger)
	gate := compliance.NewGate(pgStore, logger, compliance.Options{
		Bypass:   cfg.Bypass,
		Location: cfg.Location(),
	})
	deliveries := ledger.New(pgStore, logger)
	renderer := template.NewRenderer(redisStore, logger)

	gw := gateway.New(renderer, gate, deliveries, adapters, logger, gateway.Options{
		Bypass:            cfg.Bypass,
		ProviderRateLimit: cfg.ProviderRateLimitPerSecond,
		Sender: gateway.SenderDefaults{
			CompanyName:    cfg.Company.Name,
			CompanyAddress: cfg.Company.Address,
			SupportEmail:   cfg.Company.SupportEmail,
			UnsubscribeURL: cfg.Company.UnsubscribeURL,
		},
		Breaker:  breaker,
		Throttle: engine.NewRateLimiter(redisStore.Client(), logger),
	})

	broker := queue.NewRedisBroker(redisStore.Client(), logger, queue.BrokerOptions{
		PollInterval:  cfg.Queue.PollInterval,
		LeaseDuration: cfg.Queue.LeaseDuration,
	}, queue.DefaultQueues(queue.Concurrency{
		Immediate: cfg.Queue.ImmediateConcurrency,
		Bulk:      cfg.Queue.BulkConcurrency,
		Scheduled: cfg.Queue.ScheduledConcurrency,
	})...)

	scheduler, err := queue.NewScheduler(broker, gw, logger, queue.SchedulerOptions{
		BulkBatchSize: cfg.Queue.BulkBatchSize,
	})
	if err != nil {
		return err
	}

	hub := ws.NewHub(logger)
	janitor := maintenance.NewJanitor(deliveries, scheduler, logger, maintenance.Options{
		Interval:      cfg.MaintenanceInterval,
		RetentionDays: cfg.LedgerRetentionDays,
	})

	router := api.NewRouter(api.Deps{
		Sender:        gw,
		Scheduler:     scheduler,
		Ledger:        deliveries,
		Gate:          gate,
		Breaker:       breaker,
		Hub:           hub,
		Providers:     providers,
		WebhookSecret: cfg.WebhookSecret,
		HealthChecks: map[string]api.HealthCheck{
			"postgres": pgStore.Ping,
			"redis":    redisStore.Ping,
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	events := broker.Events().Subscribe()
	g.Go(func() error {
		hub.Relay(gctx, events)
		return nil
	})
	g.Go(func() error {
		janitor.Start(gctx)
		return nil
	})

	scheduler.Start(gctx)

	if cfg.Kafka.Enabled() {
		group, err := ingest.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID)
		if err != nil {
			scheduler.Stop()
			return err
		}
		consumer := ingest.NewConsumer(cfg.Kafka.Topic, group, scheduler, logger)
		g.Go(func() error {
			if err := consumer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "providers", providers)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		// The relay has stopped reading, so keep the subscription drained
		// until the bus closes it. Detach before Stop shuts the bus down.
		go func() {
			for range events {
			}
		}()
		broker.Events().Unsubscribe(events)

		// Drain in-flight jobs after the HTTP side stops accepting work.
		scheduler.Stop()
		return err
	})

	return g.Wait()
}

// providerAdapters builds the configured provider adapters. A channel with
// no provider credentials is left without an adapter and its sends fail
// with 503. Any other constructor error stops startup.
func providerAdapters(cfg *config.Config, logger *slog.Logger) ([]channel.Adapter, error) {
	var adapters []channel.Adapter

	email, err := channel.NewEmailAdapter(channel.EmailConfig{
		APIKey:    cfg.Email.APIKey,
		FromEmail: cfg.Email.FromEmail,
		FromName:  cfg.Email.FromName,
		BaseURL:   cfg.Email.BaseURL,
		TPS:       cfg.Email.TPS,
	})
	switch {
	case errors.Is(err, channel.ErrNotConfigured):
		logger.Warn("email channel disabled", "error", err)
	case err != nil:
		return nil, err
	default:
		adapters = append(adapters, email)
	}

	sms, err := channel.NewSMSAdapter(channel.SMSConfig{
		AccountSID:        cfg.SMS.AccountSID,
		AuthToken:         cfg.SMS.AuthToken,
		FromNumber:        cfg.SMS.FromNumber,
		BaseURL:           cfg.SMS.BaseURL,
		StatusCallbackURL: cfg.SMS.StatusCallbackURL,
		TPS:               cfg.SMS.TPS,
	})
	switch {
	case errors.Is(err, channel.ErrNotConfigured):
		logger.Warn("sms channel disabled", "error", err)
	case err != nil:
		return nil, err
	default:
		adapters = append(adapters, sms)
	}

	return adapters, nil
}
