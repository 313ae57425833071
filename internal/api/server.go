package api

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/pushline/internal/campaign"
	"github.com/foxzi/pushline/internal/config"
	"github.com/foxzi/pushline/internal/engine"
	"github.com/foxzi/pushline/internal/history"
	"github.com/foxzi/pushline/internal/ipfilter"
	"github.com/foxzi/pushline/internal/media"
	"github.com/foxzi/pushline/internal/metrics"
	"github.com/foxzi/pushline/internal/queue"
	"github.com/foxzi/pushline/internal/ratelimit"
	"github.com/foxzi/pushline/internal/sandbox"
)

// Version is reported by the health endpoint
var Version = "0.1.0"

// Broadcaster controls the broadcast run
type Broadcaster interface {
	Status(ctx context.Context) (*engine.StatusReport, error)
	Plan(ctx context.Context) (engine.Plan, error)
	Wave(ctx context.Context, req engine.StartRequest) (*engine.StatusReport, error)
	Fire(ctx context.Context, req engine.StartRequest) (engine.Plan, error)
	Pause(ctx context.Context) (*engine.StatusReport, error)
	Stop(ctx context.Context) (*engine.StatusReport, error)
	Reset(ctx context.Context) (*engine.StatusReport, error)
	ImportContacts(ctx context.Context, contacts []queue.Contact) (engine.Plan, error)
	SetTemplates(ctx context.Context, templates []string) error
	SetScript(ctx context.Context, steps []campaign.Step) error
	TestDirect(ctx context.Context, to, text, mode string) error
}

// DefinitionReader reads the stored campaign definition
type DefinitionReader interface {
	Templates(ctx context.Context) ([]string, error)
	Script(ctx context.Context) ([]campaign.Step, error)
}

// HistoryReader reads the send ledger
type HistoryReader interface {
	Tail(limit int) ([]history.Row, error)
}

// SentCacheReader lists phones that received a message
type SentCacheReader interface {
	Phones() ([]string, error)
}

// MediaStore exposes the media configuration
type MediaStore interface {
	Config() media.Config
	Clear() error
}

// Replier relays operator replies through the bot
type Replier interface {
	SendReply(ctx context.Context, to, text string) error
}

// QuotaStats reports send quota usage
type QuotaStats interface {
	GetStats(ctx context.Context, level ratelimit.Level, key string) (*ratelimit.Stats, error)
}

// ServerOptions contains options for creating an API server.
// Quota and SandboxStorage are optional.
type ServerOptions struct {
	Config         *config.APIConfig
	Engine         Broadcaster
	Queue          queue.Queue
	Campaign       DefinitionReader
	History        HistoryReader
	SentCache      SentCacheReader
	Media          MediaStore
	Replier        Replier
	Quota          QuotaStats
	SandboxStorage *sandbox.Storage
	Logger         *slog.Logger
}

// Server is the HTTP control API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	engine     Broadcaster
	queue      queue.Queue
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time

	templateServer   *TemplateServer
	managementServer *ManagementServer
	sandboxServer    *SandboxServer
	ipFilter         *ipfilter.Filter
}

// NewServer creates a new API server
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		router:    chi.NewRouter(),
		engine:    opts.Engine,
		queue:     opts.Queue,
		config:    opts.Config,
		logger:    logger,
		startTime: time.Now(),
		ipFilter:  ipfilter.New(opts.Config.AllowedIPs, logger),
	}

	s.templateServer = NewTemplateServer(opts.Engine, opts.Campaign, opts.Config.MaxUploadBytes, logger)
	s.managementServer = &ManagementServer{
		history:   opts.History,
		sentCache: opts.SentCache,
		media:     opts.Media,
		replier:   opts.Replier,
		quota:     opts.Quota,
		logger:    logger,
	}
	if opts.SandboxStorage != nil {
		s.sandboxServer = NewSandboxServer(opts.SandboxStorage, logger)
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              opts.Config.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       opts.Config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      opts.Config.WriteTimeout,
		IdleTimeout:       opts.Config.IdleTimeout,
		MaxHeaderBytes:    opts.Config.MaxHeaderBytes,
	}
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		if s.ipFilter.Enabled() {
			r.Use(s.ipFilter.HTTPMiddleware)
		}
		r.Use(s.authMiddleware)

		r.Get("/broadcast/status", s.handleStatus)
		r.Get("/broadcast/plan", s.handlePlan)
		r.Post("/broadcast/wave", s.handleWave)
		r.Post("/broadcast/fire", s.handleFire)
		r.Post("/broadcast/pause", s.handlePause)
		r.Post("/broadcast/stop", s.handleStop)
		r.Post("/broadcast/reset", s.handleReset)
		r.Post("/broadcast/test-direct", s.handleTestDirect)

		r.Get("/contacts", s.handleContacts)

		s.templateServer.RegisterRoutes(r)
		s.managementServer.RegisterRoutes(r)
		if s.sandboxServer != nil {
			s.sandboxServer.RegisterRoutes(r)
		}
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln. It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP API server", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}
