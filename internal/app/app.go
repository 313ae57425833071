package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/pushline/internal/api"
	"github.com/foxzi/pushline/internal/campaign"
	"github.com/foxzi/pushline/internal/config"
	"github.com/foxzi/pushline/internal/content"
	"github.com/foxzi/pushline/internal/delivery"
	"github.com/foxzi/pushline/internal/engine"
	"github.com/foxzi/pushline/internal/history"
	"github.com/foxzi/pushline/internal/media"
	"github.com/foxzi/pushline/internal/metrics"
	"github.com/foxzi/pushline/internal/queue"
	"github.com/foxzi/pushline/internal/ratelimit"
	"github.com/foxzi/pushline/internal/sandbox"
)

// App is the main application
type App struct {
	config           *config.Config
	storage          *queue.BoltStorage
	engine           *engine.Engine
	apiServer        *api.Server
	mediaStore       *media.Store
	rateLimiter      *ratelimit.Limiter
	sandboxSender    *sandbox.Sender
	metricsServer    *metrics.Server
	metricsCollector *metrics.Collector
	logger           *slog.Logger

	shutdownOnce sync.Once
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	// Setup logger
	logger := SetupLogger(cfg.Logging)

	// Create storage
	storage, err := queue.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{
		config:  cfg,
		storage: storage,
		logger:  logger,
	}

	if err := a.init(); err != nil {
		if a.rateLimiter != nil {
			a.rateLimiter.Stop()
		}
		storage.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) init() error {
	cfg := a.config
	logger := a.logger
	db := a.storage.DB()

	// Metrics are registered first so restored counters are visible
	// to every component
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		collector, err := metrics.NewCollector(db, m, a.storage, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsCollector = collector
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	// Create send quota limiter if enabled
	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewLimiter(db, RateLimitConfig(cfg.RateLimit))
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.rateLimiter = limiter
		logger.Info("send quota enabled")
	}

	campaignStorage, err := campaign.NewStorage(db)
	if err != nil {
		return fmt.Errorf("failed to create campaign storage: %w", err)
	}

	states, err := engine.NewStateStore(db)
	if err != nil {
		return fmt.Errorf("failed to create run state storage: %w", err)
	}

	sandboxStorage, err := sandbox.NewStorage(db)
	if err != nil {
		return fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	a.mediaStore = media.NewStore(cfg.Media.ConfigPath, logger.With("component", "media"))

	// Create bot client wrapped by the sandbox sender
	client := delivery.NewClient(cfg.Bot.BaseURL, delivery.Options{
		Timeout:           cfg.Bot.Timeout,
		RequestsPerSecond: cfg.Bot.RequestsPerSecond,
	})
	a.sandboxSender = sandbox.NewSender(client, sandboxStorage, logger.With("component", "sandbox_sender"))
	a.sandboxSender.SetMode(cfg.Delivery.Mode)
	if cfg.Delivery.ErrorProbability > 0 {
		a.sandboxSender.SetErrorSimulation(true, cfg.Delivery.ErrorProbability)
	}
	if cfg.Delivery.Mode == sandbox.ModeSandbox {
		logger.Warn("sandbox delivery enabled, messages are captured and not sent")
	}

	ledger := history.NewLedger(cfg.History.Path, history.Format(cfg.History.Format))
	sentCache := history.NewSentCache(cfg.History.SentCachePath)

	opts := engine.Options{
		Config: engine.Config{
			WaveLimit: cfg.Broadcast.WaveLimit,
			MinDelay:  cfg.Broadcast.MinDelay,
			MaxDelay:  cfg.Broadcast.MaxDelay,
			Cooldown:  cfg.Broadcast.Cooldown,
			AdminPin:  cfg.API.AdminPin,
		},
		Queue:     a.storage,
		Campaign:  campaignStorage,
		Resolver:  content.NewResolver(a.mediaStore),
		Sender:    a.sandboxSender,
		Ledger:    ledger,
		SentCache: sentCache,
		State:     states,
		Logger:    logger,
	}
	if a.rateLimiter != nil {
		opts.Quota = a.rateLimiter
	}

	a.engine, err = engine.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	serverOpts := api.ServerOptions{
		Config:         &cfg.API,
		Engine:         a.engine,
		Queue:          a.storage,
		Campaign:       campaignStorage,
		History:        ledger,
		SentCache:      sentCache,
		Media:          a.mediaStore,
		Replier:        client,
		SandboxStorage: sandboxStorage,
		Logger:         logger.With("component", "api"),
	}
	if a.rateLimiter != nil {
		serverOpts.Quota = a.rateLimiter
	}
	a.apiServer = api.NewServer(serverOpts)

	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting pushline",
		"api_addr", a.config.API.ListenAddr,
		"bot_url", a.config.Bot.BaseURL,
		"delivery_mode", a.config.Delivery.Mode,
		"wave_limit", a.config.Broadcast.WaveLimit,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// Start API server
	g.Go(func() error {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	// Start metrics server and collector
	if a.metricsServer != nil {
		a.metricsCollector.Start(gctx)
		g.Go(func() error {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// Reload media config on change
	if a.config.Media.Watch {
		g.Go(func() error {
			if err := a.mediaStore.Watch(gctx); err != nil {
				a.logger.Warn("media config watch disabled", "error", err)
			}
			return nil
		})
	}

	// Wait for shutdown signal or error
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			a.logger.Info("shutdown signal received")
		}
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.logger.Info("shutting down")

		// Create timeout context
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		// Ends a running wave or loop after its in-flight contact and
		// leaves the run paused; wave handlers return before the drain
		a.engine.Close()

		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}

		if a.metricsServer != nil {
			if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("metrics server shutdown error", "error", err)
			}
			if err := a.metricsCollector.Stop(); err != nil {
				a.logger.Error("metrics collector stop error", "error", err)
			}
		}

		// Stop rate limiter (persists counters)
		if a.rateLimiter != nil {
			if err := a.rateLimiter.Stop(); err != nil {
				a.logger.Error("rate limiter stop error", "error", err)
			}
		}

		// Close storage
		if err := a.storage.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}

		a.logger.Info("shutdown complete")
	})
	return nil
}

// RateLimitConfig converts the send quota configuration
func RateLimitConfig(cfg config.RateLimitConfig) *ratelimit.Config {
	rl := &ratelimit.Config{
		Global:        limitConfig(cfg.Global),
		Recipient:     limitConfig(cfg.Recipient),
		FlushInterval: cfg.FlushInterval,
	}
	if len(cfg.Prefixes) > 0 {
		rl.Prefixes = make(map[string]*ratelimit.LimitConfig, len(cfg.Prefixes))
		for prefix, v := range cfg.Prefixes {
			if lc := limitConfig(v); lc != nil {
				rl.Prefixes[prefix] = lc
			}
		}
	}
	return rl
}

func limitConfig(v *config.LimitValues) *ratelimit.LimitConfig {
	if v == nil {
		return nil
	}
	return &ratelimit.LimitConfig{
		MessagesPerHour: v.MessagesPerHour,
		MessagesPerDay:  v.MessagesPerDay,
	}
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
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
