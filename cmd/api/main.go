package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lawflow_backend/internal/admin"
	"lawflow_backend/internal/clio"
	"lawflow_backend/internal/config"
	"lawflow_backend/internal/errorlog"
	"lawflow_backend/internal/events"
	apphttp "lawflow_backend/internal/http"
	"lawflow_backend/internal/http/router"
	"lawflow_backend/internal/ledger"
	"lawflow_backend/internal/queue"
	"lawflow_backend/internal/scheduler"
	"lawflow_backend/internal/taskgen"
	"lawflow_backend/internal/webhook"
	"lawflow_backend/internal/workflows"
	"lawflow_backend/migrations"
	"lawflow_backend/platform/db"
	"lawflow_backend/platform/logger"
	"lawflow_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, migrations.FS)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

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
	log.Info("database connection established")

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	// Shared validator instance for dependency injection
	val := validator.New()

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

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
	errlogRepo := errorlog.NewRepository(pool, log)

	calc := taskgen.NewCalculator(cfg.TimezoneOffset, log)
	resolver := taskgen.NewResolver(repo, cfg.VAUserID, cfg.VAUserName)
	engine := taskgen.NewEngine(clioClient, repo, repo, repo, resolver, calc, errlogRepo, taskgen.Config{
		RollbackWindow:   cfg.RollbackWindow,
		FallbackUserID:   cfg.FallbackUserID,
		FallbackUserName: cfg.FallbackUserName,
	}, log)
	verifier := taskgen.NewVerifier(engine, repo, taskgen.VerifyConfig{
		SettleDelay: cfg.VerificationSettleDelay,
		Window:      cfg.VerificationWindow,
	}, log)

	workQueue := queue.NewRateAwareQueue(queue.NewEntityQueue(log), clioClient, queue.RateAwareConfig{
		Threshold:         cfg.RateLimitThreshold,
		WaitMax:           cfg.RateLimitWaitMax,
		InterRequestDelay: cfg.InterRequestDelay,
	}, log)

	led := ledger.New(ledger.NewRepository(pool), log)

	processor := workflows.NewProcessor(led, workQueue, clioClient, engine, verifier, repo, repo, repo, repo, eventBus, log)

	webhookModule := webhook.NewModule(processor, cfg.WebhookSharedSecret, val, log)

	// Admin's run-now endpoints need Redis; without it they answer 503
	// while the rest of the surface stays up.
	var jobs admin.JobEnqueuer
	if cfg.RedisURL != "" {
		schedClient, err := scheduler.NewClient(cfg, log)
		if err != nil {
			log.Error("failed to initialize scheduler client", "error", err)
			panic("failed to initialize scheduler client: " + err.Error())
		}
		defer schedClient.Close()
		jobs = schedClient
	} else {
		log.Warn("REDIS_URL not configured; manual job runs disabled")
	}
	adminModule := admin.NewModule(processor, jobs, errlogRepo, log)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   db.NewPoolAdapter(pool),
		EventBus: eventBus,
		Modules: []apphttp.Module{
			webhookModule,
			adminModule,
		},
	}

	engineHTTP := router.New(app)

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- engineHTTP.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = shutdownCtx
	case err := <-srvErr:
		if err != nil {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
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
