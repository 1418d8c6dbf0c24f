package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/basket/internal/catalog"
	"github.com/foxzi/basket/internal/config"
	"github.com/foxzi/basket/internal/crm"
	"github.com/foxzi/basket/internal/lock"
	"github.com/foxzi/basket/internal/mailer"
	"github.com/foxzi/basket/internal/metrics"
	"github.com/foxzi/basket/internal/news"
	"github.com/foxzi/basket/internal/queue"
	"github.com/foxzi/basket/internal/ratelimit"
	"github.com/foxzi/basket/internal/tasks"
	"github.com/foxzi/basket/internal/template"
)

// App is the main application
type App struct {
	config        *config.Config
	logger        *slog.Logger
	storage       *queue.BoltStorage
	contacts      *crm.Store
	catalog       catalog.Lister
	postgres      *catalog.Postgres
	redis         *redis.Client
	limiter       *ratelimit.Limiter
	engine        *news.Engine
	upserter      *tasks.Upserter
	processor     *queue.Processor
	cleaner       *queue.Cleaner
	collector     *metrics.Collector
	metricsServer *metrics.Server
}

// New creates a new application. Nothing runs until Run is called, so the
// CLI can use the same wiring for one-off commands.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	a := &App{
		config: cfg,
		logger: logger,
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.config
	logger := a.logger

	storage, err := queue.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	a.storage = storage

	contacts, err := crm.NewStore(storage.DB())
	if err != nil {
		return fmt.Errorf("failed to create contact store: %w", err)
	}
	a.contacts = contacts

	switch cfg.Catalog.Source {
	case "postgres":
		pg, err := catalog.OpenPostgres(cfg.Catalog.DatabaseURL, cfg.Catalog.Table)
		if err != nil {
			return fmt.Errorf("failed to open newsletter catalog: %w", err)
		}
		a.postgres = pg
		a.catalog = pg
		logger.Info("newsletter catalog from postgres", "table", cfg.Catalog.Table)
	default:
		a.catalog = catalog.NewStatic(cfg.Newsletters)
		logger.Info("newsletter catalog from config", "newsletters", len(cfg.Newsletters))
	}

	var locker lock.Locker = lock.Nop{}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = lock.NewRedis(a.redis, cfg.Subscribe.LockTTL)
		logger.Info("per-user locking enabled", "redis", cfg.Redis.Addr, "ttl", cfg.Subscribe.LockTTL)
	}

	var limiter queue.Limiter
	if cfg.Confirm.RateLimit.Enabled() {
		rl, err := ratelimit.NewLimiter(storage.DB(), &cfg.Confirm.RateLimit)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.limiter = rl
		limiter = rl
		logger.Info("confirmation rate limits enabled")
	}

	dispatcher := queue.NewDispatcher(storage, limiter, logger.With("component", "dispatcher"))

	a.engine = news.NewEngine(news.Options{
		Catalog:           a.catalog,
		Lookup:            contacts,
		CRM:               contacts,
		Confirmer:         dispatcher,
		UnknownSlugs:      cfg.Subscribe.UnknownSlugs,
		SendConfirmations: cfg.SendConfirmations(),
		DefaultLang:       cfg.Subscribe.DefaultLang,
		Logger:            logger.With("component", "engine"),
	})

	a.upserter = tasks.NewUpserter(a.engine, locker, tasks.Config{
		MaxAttempts: cfg.Subscribe.MaxAttempts,
		RetryDelay:  cfg.Subscribe.RetryDelay,
	}, logger.With("component", "upsert"))

	sender, err := a.confirmSender()
	if err != nil {
		return err
	}

	a.processor = queue.NewProcessor(
		storage,
		sender,
		queue.ProcessorConfig{
			Workers:         cfg.Queue.Workers,
			RetryInterval:   cfg.Queue.RetryInterval,
			MaxRetries:      cfg.Queue.MaxRetries,
			ProcessInterval: cfg.Queue.ProcessInterval,
			SendTimeout:     cfg.Queue.SendTimeout,
		},
		mailer.IsTemporaryError,
		logger.With("component", "processor"),
	)

	a.cleaner = queue.NewCleaner(storage, queue.CleanerConfig{
		DeliveredMaxAge: cfg.Queue.DeliveredMaxAge,
		DLQMaxAge:       cfg.Queue.DLQMaxAge,
		DLQMaxCount:     cfg.Queue.DLQMaxCount,
		Interval:        cfg.Queue.CleanupInterval,
	}, logger.With("component", "cleaner"))

	if cfg.Metrics.Enabled {
		if err := a.setupMetrics(); err != nil {
			return err
		}
	}

	return nil
}

// confirmSender builds the template set and mailer delivering confirmations
func (a *App) confirmSender() (*mailer.ConfirmSender, error) {
	cfg := a.config

	overrides := make(map[string]*template.Template, len(cfg.Confirm.Templates))
	for key, t := range cfg.Confirm.Templates {
		overrides[key] = &template.Template{Subject: t.Subject, HTML: t.HTML, Text: t.Text}
	}
	templates, err := template.NewSet(cfg.Confirm.BaseURL, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load confirmation templates: %w", err)
	}

	var signer *mailer.Signer
	if cfg.Mailer.DKIM.Enabled {
		signer, err = mailer.NewSignerFromFile(cfg.Mailer.DKIM.KeyFile, cfg.Mailer.DKIM.Domain, cfg.Mailer.DKIM.Selector)
		if err != nil {
			return nil, err
		}
		a.logger.Info("DKIM signing enabled", "domain", signer.Domain(), "selector", signer.Selector())
	}

	m := mailer.New(mailer.Config{
		Addr:     cfg.Mailer.Addr,
		Username: cfg.Mailer.Username,
		Password: cfg.Mailer.Password,
		Hostname: cfg.Server.Hostname,
		Timeout:  cfg.Mailer.Timeout,
	}, signer, a.logger.With("component", "mailer"))

	return mailer.NewConfirmSender(templates, m, cfg.Confirm.From, m.Hostname()), nil
}

func (a *App) setupMetrics() error {
	cfg := a.config

	m := metrics.New()
	metrics.SetGlobal(m)

	collector, err := metrics.NewCollector(
		a.storage.DB(),
		m,
		queueStats{a.storage},
		contactStats{a.contacts},
		cfg.Storage.Path,
		cfg.Metrics.FlushInterval,
	)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	a.collector = collector

	checks := map[string]metrics.HealthCheck{
		"storage": a.storage.Ping,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	if a.postgres != nil {
		checks["catalog"] = a.postgres.Ping
	}

	a.metricsServer = metrics.NewServer(m, metrics.ServerOptions{
		Addr:       cfg.Metrics.ListenAddr,
		Path:       cfg.Metrics.Path,
		AllowedIPs: cfg.Metrics.AllowedIPs,
		Checks:     checks,
		Logger:     a.logger.With("component", "metrics"),
	})
	return nil
}

// Upserter returns the subscription task runner
func (a *App) Upserter() *tasks.Upserter {
	return a.upserter
}

// Contacts returns the CRM store
func (a *App) Contacts() *crm.Store {
	return a.contacts
}

// Catalog returns the newsletter catalog
func (a *App) Catalog() catalog.Lister {
	return a.catalog
}

// Queue returns the confirmation queue storage
func (a *App) Queue() *queue.BoltStorage {
	return a.storage
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting basket",
		"hostname", a.config.Server.Hostname,
		"storage", a.config.Storage.Path,
		"catalog", a.config.Catalog.Source,
		"relay", a.config.Mailer.Addr,
		"send_confirmations", a.config.SendConfirmations(),
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Messages claimed by a worker before a crash are sent again
	requeued, err := a.storage.RequeueSending(ctx)
	if err != nil {
		a.logger.Error("failed to requeue interrupted messages", "error", err)
	} else if requeued > 0 {
		a.logger.Warn("requeued interrupted messages", "count", requeued)
	}

	a.processor.Start(ctx)
	a.cleaner.Start(ctx)

	errCh := make(chan error, 1)

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop processor first (stop accepting new work)
	a.processor.Stop()
	a.cleaner.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Stop collector before storage closes (persists counters)
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.Close()

	a.logger.Info("shutdown complete")
	return nil
}

// Close releases storage and network clients without stopping workers.
// It is used directly by one-off CLI commands.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if a.postgres != nil {
		if err := a.postgres.Close(); err != nil {
			a.logger.Error("catalog close error", "error", err)
		}
	}
	if a.limiter != nil {
		if err := a.limiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
	}
}

// queueStats adapts the queue storage to the metrics collector
type queueStats struct {
	storage *queue.BoltStorage
}

func (q queueStats) Stats(ctx context.Context) (*metrics.QueueStats, error) {
	s, err := q.storage.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.QueueStats{
		Pending:   s.Pending,
		Sending:   s.Sending,
		Deferred:  s.Deferred,
		Delivered: s.Delivered,
		Failed:    s.Failed,
		Total:     s.Total,
	}, nil
}

// contactStats adapts the CRM store to the metrics collector
type contactStats struct {
	store *crm.Store
}

func (c contactStats) ContactStats(ctx context.Context) (*metrics.ContactStats, error) {
	s, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.ContactStats{
		Contacts:    s.Contacts,
		Subscribers: s.Subscribers,
	}, nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
