package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	api "github.com/GriffinCanCode/termrelay/internal/api/http"
	"github.com/GriffinCanCode/termrelay/internal/api/middleware"
	"github.com/GriffinCanCode/termrelay/internal/bridge"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/config"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/termrelay/internal/provision"
	"github.com/GriffinCanCode/termrelay/internal/session"
	"github.com/GriffinCanCode/termrelay/internal/store"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	registry *session.Registry
	ledger   *store.Ledger
	logger   *logging.Logger
	tracer   *tracing.Tracer
	config   *config.Config
	metrics  *monitoring.Metrics
	httpSrv  *http.Server

	mu           sync.Mutex
	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logger := logging.FromLevel(cfg.Logging.Level, cfg.Logging.Development)

	logger.Info("Initializing terminal gateway",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("provisioner", cfg.Backend.Provisioner),
		zap.String("reconnect_policy", cfg.Session.Policy),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("gateway", logger.Logger)

	policy, err := session.ParsePolicy(cfg.Session.Policy)
	if err != nil {
		return nil, err
	}

	prov, err := newProvisioner(cfg, logger)
	if err != nil {
		return nil, err
	}

	var ledger *store.Ledger
	var recorder session.Recorder
	if cfg.Store.Path != "" {
		ledger, err = store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open session ledger: %w", err)
		}
		recorder = ledger
		logger.Info("Session ledger enabled", zap.String("path", cfg.Store.Path))
	}

	registry := session.NewRegistry(prov, session.Options{
		Policy:          policy,
		StartupTimeout:  cfg.Session.StartupTimeout,
		IdleTimeout:     cfg.Session.IdleTimeout,
		BreakerFailures: cfg.Backend.BreakerFailures,
		BreakerCooldown: cfg.Backend.BreakerCooldown,
		Logger:          logger.Logger,
		Metrics:         metrics,
		Tracer:          tracer,
		Recorder:        recorder,
	})

	handlerOpts := api.Options{
		Registry:       registry,
		Metrics:        metrics,
		Logger:         logger.Logger,
		PublicURL:      cfg.Server.PublicURL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if ledger != nil {
		handlerOpts.Events = ledger
	}
	handlers, err := api.NewHandlers(handlerOpts)
	if err != nil {
		if ledger != nil {
			_ = ledger.Close()
		}
		return nil, err
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins)))

	var apiMiddleware []gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		apiMiddleware = append(apiMiddleware, middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers.Register(router, apiMiddleware...)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	logger.Info("Server initialized successfully")

	return &Server{
		router:   router,
		registry: registry,
		ledger:   ledger,
		logger:   logger,
		tracer:   tracer,
		config:   cfg,
		metrics:  metrics,
		httpSrv:  &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// newProvisioner builds the configured backend provisioner.
func newProvisioner(cfg *config.Config, logger *logging.Logger) (provision.Provisioner, error) {
	switch cfg.Backend.Provisioner {
	case config.ProvisionerExec:
		return provision.NewExec(provision.ExecOptions{
			Binary:     cfg.Backend.Binary,
			RuntimeDir: cfg.Backend.RuntimeDir,
			Shell:      cfg.Backend.Shell,
			StopGrace:  cfg.Backend.StopGrace,
			LogLevel:   cfg.Logging.Level,
			Logger:     logger.Logger,
		}), nil
	case config.ProvisionerLocal:
		return provision.NewLocal(bridge.Options{
			Shell:      cfg.Backend.Shell,
			RuntimeDir: cfg.Backend.RuntimeDir,
			StopGrace:  cfg.Backend.StopGrace,
			Logger:     logger.Logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provisioner %q", cfg.Backend.Provisioner)
	}
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the reaper and serves HTTP until Shutdown.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if n := s.config.Server.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.reaperCancel, s.reaperDone = cancel, done
	s.mu.Unlock()
	go func() {
		defer close(done)
		s.registry.RunReaper(ctx, s.config.Session.ReapInterval)
	}()

	s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, stops every session and flushes
// telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.mu.Lock()
	cancel, done := s.reaperCancel, s.reaperDone
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	// stopping the backends also ends the hijacked terminal connections
	if err := s.registry.Close(ctx); err != nil {
		s.logger.Error("Failed to stop sessions", zap.Error(err))
		errs = append(errs, err)
	}
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	s.tracer.Close()
	_ = s.logger.Sync()

	return errors.Join(errs...)
}
