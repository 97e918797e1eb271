// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/outreach-engine/internal/batch"
	batchpostgres "github.com/bissquit/outreach-engine/internal/batch/postgres"
	"github.com/bissquit/outreach-engine/internal/businesshours"
	"github.com/bissquit/outreach-engine/internal/config"
	"github.com/bissquit/outreach-engine/internal/content"
	contentopenai "github.com/bissquit/outreach-engine/internal/content/openai"
	"github.com/bissquit/outreach-engine/internal/content/website"
	"github.com/bissquit/outreach-engine/internal/delivery"
	"github.com/bissquit/outreach-engine/internal/delivery/smtp"
	"github.com/bissquit/outreach-engine/internal/delivery/webhook"
	"github.com/bissquit/outreach-engine/internal/dlq"
	dlqpostgres "github.com/bissquit/outreach-engine/internal/dlq/postgres"
	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/followup"
	followuppostgres "github.com/bissquit/outreach-engine/internal/followup/postgres"
	"github.com/bissquit/outreach-engine/internal/lifecycle"
	lifecyclepostgres "github.com/bissquit/outreach-engine/internal/lifecycle/postgres"
	"github.com/bissquit/outreach-engine/internal/outreach"
	"github.com/bissquit/outreach-engine/internal/pkg/ctxlog"
	"github.com/bissquit/outreach-engine/internal/pkg/distlock"
	"github.com/bissquit/outreach-engine/internal/pkg/httputil"
	"github.com/bissquit/outreach-engine/internal/pkg/metrics"
	"github.com/bissquit/outreach-engine/internal/pkg/postgres"
	"github.com/bissquit/outreach-engine/internal/pkg/token"
	"github.com/bissquit/outreach-engine/internal/quota"
	quotapostgres "github.com/bissquit/outreach-engine/internal/quota/postgres"
	"github.com/bissquit/outreach-engine/internal/version"
	"github.com/bissquit/outreach-engine/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	worker        *outreach.Worker
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)
	metrics.BuildInfo.WithLabelValues(version.Version, version.GitCommit).Set(1)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(migrations.FS, cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = connectRedis(connectCtx, cfg.Redis.URL)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		redis:         redisClient,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, worker, err := app.setupRouter()
	if err != nil {
		app.closeStores()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}
	app.worker = worker

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("connected to redis", "addr", opts.Addr)
	return client, nil
}

// Run starts the worker and the HTTP servers.
func (a *App) Run(ctx context.Context) error {
	if a.worker != nil {
		a.worker.Start(ctx)
	}

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	if a.worker != nil {
		a.worker.Stop()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.closeStores()

	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	a.db.Close()
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter() (*chi.Mux, *outreach.Worker, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	if len(a.config.Server.CORSAllowedOrigins) > 0 {
		r.Use(httputil.CORSMiddleware(a.config.Server.CORSAllowedOrigins))
	}
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	tokens, err := token.NewManager(a.config.Auth.Secret)
	if err != nil {
		return nil, nil, fmt.Errorf("create token manager: %w", err)
	}

	queueWindow, err := a.config.BusinessHours.Queue.Window()
	if err != nil {
		return nil, nil, fmt.Errorf("queue window: %w", err)
	}
	followupWindow, err := a.config.BusinessHours.Followup.Window()
	if err != nil {
		return nil, nil, fmt.Errorf("follow-up window: %w", err)
	}

	leadStore := lifecyclepostgres.NewRepository(a.db)
	scheduler := followup.NewScheduler(followuppostgres.NewRepository(a.db))
	machine := lifecycle.NewMachine(leadStore, scheduler)
	batches := batch.NewTracker(batchpostgres.NewRepository(a.db))
	quotaTracker := quota.NewTracker(quotapostgres.NewRepository(a.db), batches, quota.Config{
		DailyLimit: a.config.Quota.DailyLimit,
		LockTTL:    a.config.Quota.LockTTL,
	})

	gateway, err := a.newGateway()
	if err != nil {
		return nil, nil, err
	}

	resolver, err := a.newResolver(leadStore)
	if err != nil {
		return nil, nil, err
	}

	// One limiter paces every outbound email, first sends and retries alike.
	throttle := rate.NewLimiter(rate.Every(a.config.Delivery.SendInterval), 1)

	deadLetters := dlq.NewService(dlqpostgres.NewRepository(a.db), gateway, machine, throttle, dlq.Config{
		MaxAttempts: a.config.DLQ.MaxAttempts,
		Backoff:     a.config.DLQ.Backoff,
		BatchSize:   a.config.DLQ.BatchSize,
	})

	orchestrator := outreach.NewOrchestrator(outreach.Deps{
		Oracle:      businesshours.New(),
		Content:     resolver,
		Messages:    leadStore,
		Gateway:     gateway,
		Lifecycle:   machine,
		Quota:       quotaTracker,
		Batches:     batches,
		Followups:   scheduler,
		DeadLetters: deadLetters,
		Throttle:    throttle,
	}, outreach.Config{
		QueueWindow:    queueWindow,
		FollowupWindow: followupWindow,
		DailyBatchSize: a.config.Quota.DailyBatchSize,
		SweepLimit:     a.config.Quota.SweepLimit,
		MaxManualLeads: a.config.Quota.MaxManualLeads,
	})

	handler := outreach.NewHandler(outreach.HandlerDeps{
		Runner:      orchestrator,
		Leads:       machine,
		Followups:   scheduler,
		Batches:     batches,
		DeadLetters: deadLetters,
		Quota:       quotaTracker,
	})

	var worker *outreach.Worker
	if a.config.Worker.Enabled {
		locks := func(key string, ttl time.Duration) distlock.DistLock {
			return distlock.NewLock(a.redis, a.db, key, ttl)
		}
		worker = outreach.NewWorker(outreach.WorkerConfig{
			SweepInterval: a.config.Worker.SweepInterval,
			DailyInterval: a.config.Worker.DailyInterval,
			DailyEnabled:  a.config.Worker.DailyEnabled,
			LockTTL:       a.config.Worker.LockTTL,
		}, orchestrator, locks, deadLetters)
	} else {
		slog.Warn("outreach worker is disabled: sweeps and daily batches run only on request")
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(tokens))

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleViewer))
			handler.RegisterReadRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleOperator))
			handler.RegisterOperatorRoutes(r)
		})
	})

	return r, worker, nil
}

func (a *App) newGateway() (delivery.Gateway, error) {
	cfg := a.config.Delivery
	switch cfg.Provider {
	case config.ProviderSMTP:
		sender, err := smtp.NewSender(smtp.Config{
			Enabled:     true,
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			FromAddress: cfg.SMTP.FromAddress,
			FromName:    cfg.SMTP.FromName,
			Timeout:     cfg.SMTP.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create smtp sender: %w", err)
		}
		return sender, nil
	default:
		sender, err := webhook.NewSender(webhook.Config{
			InitialURL:         cfg.Webhook.InitialURL,
			FollowupFiveDayURL: cfg.Webhook.Followup5URL,
			FollowupTenDayURL:  cfg.Webhook.Followup10URL,
			Timeout:            cfg.Webhook.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create webhook sender: %w", err)
		}
		return sender, nil
	}
}

func (a *App) newResolver(store content.MessageStore) (*content.Resolver, error) {
	cfg := a.config.Content

	templates, err := content.NewTemplates()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	var generator content.Generator
	if cfg.OpenAI.Enabled {
		g, err := contentopenai.NewGenerator(contentopenai.Config{
			Enabled:      true,
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			Model:        cfg.OpenAI.Model,
			Timeout:      cfg.OpenAI.Timeout,
			MaxTokens:    cfg.OpenAI.MaxTokens,
			MaxSiteChars: cfg.OpenAI.MaxSiteChars,
		})
		if err != nil {
			return nil, fmt.Errorf("create content generator: %w", err)
		}
		generator = g
	} else {
		slog.Warn("content generation is disabled: every message uses the static templates")
	}

	var fetcher content.WebsiteFetcher
	if cfg.Website.Enabled {
		var cache website.Cache
		if a.redis != nil {
			cache = website.NewRedisCache(a.redis)
		}
		f, err := website.NewFetcher(website.Config{
			Enabled:  true,
			BaseURL:  cfg.Website.BaseURL,
			APIKey:   cfg.Website.APIKey,
			Timeout:  cfg.Website.Timeout,
			CacheTTL: cfg.Website.CacheTTL,
		}, cache)
		if err != nil {
			return nil, fmt.Errorf("create website fetcher: %w", err)
		}
		fetcher = f
	}

	return content.NewResolver(content.Config{
		SenderName:            cfg.SenderName,
		MinPersonalizedLength: cfg.MinPersonalizedLength,
	}, store, templates, generator, fetcher), nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
