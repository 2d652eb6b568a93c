package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lawflow_backend/internal/clio"
	"lawflow_backend/internal/config"
	"lawflow_backend/internal/email"
	"lawflow_backend/internal/events"
	"lawflow_backend/internal/scheduler"
	"lawflow_backend/internal/taskgen"
	"lawflow_backend/platform/db"
	"lawflow_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	eventBus := events.NewInMemoryBus(log)

	sender, err := email.NewSender(cfg)
	if err != nil {
		log.Error("failed to initialize email sender", "error", err)
		panic("failed to initialize email sender: " + err.Error())
	}

	tokens := clio.NewDBTokenSource(pool, clio.OAuthConfig{
		TokenURL:     cfg.ClioTokenURL,
		ClientID:     cfg.ClioClientID,
		ClientSecret: cfg.ClioClientSecret,
	})
	clioClient := clio.New(clio.Config{
		BaseURL:       cfg.ClioBaseURL,
		RetryAttempts: cfg.APIRetryAttempts,
		RetryDelay:    cfg.APIRetryDelay,
	}, tokens, log)

	repo := taskgen.NewRepository(pool)
	retention := time.Duration(cfg.TrackingRetentionDays) * 24 * time.Hour

	jobs := []scheduler.Job{
		scheduler.NewTokenRefreshJob(tokens, cfg.TokenRefreshMargin, sender, eventBus, log),
		scheduler.NewSubscriptionRenewalJob(clioClient, cfg.SubscriptionRenewAhead, cfg.SubscriptionExtendBy, log),
		scheduler.NewStaleMattersJob(repo, clioClient, cfg.StageStaleAfter, sender, eventBus, log),
		scheduler.NewTrackingCleanupJob(repo, retention, log),
	}

	client, err := scheduler.NewClient(cfg, log)
	if err != nil {
		log.Error("failed to initialize scheduler client", "error", err)
		panic("failed to initialize scheduler client: " + err.Error())
	}
	defer func() { _ = client.Close() }()

	go client.RunPeriodic(ctx, []scheduler.PeriodicJob{
		{Job: scheduler.JobTokenRefresh, Every: cfg.TokenRefreshInterval},
		{Job: scheduler.JobSubscriptionRenewal, Every: cfg.SubscriptionRenewalInterval},
		{Job: scheduler.JobStaleMatters, Every: cfg.StaleMattersInterval},
		{Job: scheduler.JobTrackingCleanup, Every: cfg.TrackingCleanupInterval},
	})

	worker, err := scheduler.NewWorker(cfg, jobs, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	worker.Run(ctx)
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
