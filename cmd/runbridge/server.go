package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/runbridge/api/handlers"
	"github.com/BaSui01/runbridge/bridge"
	"github.com/BaSui01/runbridge/config"
	"github.com/BaSui01/runbridge/internal/metrics"
	"github.com/BaSui01/runbridge/internal/server"
	"github.com/BaSui01/runbridge/internal/telemetry"
	"github.com/BaSui01/runbridge/store"
)

// Server wires the bridge manager, the persistence backend, and the HTTP
// surface together for the standalone binary.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler *handlers.HealthHandler
	runsHandler   *handlers.RunsHandler
	streamHandler *handlers.StreamHandler

	metricsCollector *metrics.Collector

	store store.Store
	mgr   *bridge.Manager
}

// NewServer creates a server instance. Nothing is opened until Start.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// Start opens the store, builds the run manager, recovers suspended runs,
// and brings up the HTTP and metrics servers.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("runbridge", prometheus.DefaultRegisterer)

	if err := s.initBridge(); err != nil {
		return fmt.Errorf("failed to init bridge: %w", err)
	}

	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", s.cfg.Store.Type),
	)

	return nil
}

func (s *Server) initBridge() error {
	st, err := store.New(s.cfg.Store.Store(), s.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = st

	ctrl := bridge.NewSuspendController(st, s.logger)
	if s.cfg.Breakpoints.ResumePollInterval > 0 {
		ctrl.SetPollInterval(s.cfg.Breakpoints.ResumePollInterval)
	}

	var defaults *bridge.BreakpointSpec
	if len(s.cfg.Breakpoints.Selectors) > 0 {
		defaults, err = bridge.NewBreakpointSpec(s.cfg.Breakpoints.Selectors...)
		if err != nil {
			return fmt.Errorf("invalid breakpoint selectors: %w", err)
		}
	}

	s.mgr = bridge.NewManager(loopbackEngine{}, st, ctrl, bridge.ManagerOptions{
		DefaultBreakpoints: defaults,
		Logger:             s.logger,
		Metrics:            s.metricsCollector,
	})

	s.recoverSuspendedRuns()
	return nil
}

// recoverSuspendedRuns re-enters the resume wait for runs that were
// suspended when a previous process exited.
func (s *Server) recoverSuspendedRuns() {
	ctx := context.Background()
	runs, err := s.mgr.ListRuns(ctx)
	if err != nil {
		s.logger.Warn("failed to list runs for recovery", zap.Error(err))
		return
	}

	recovered := 0
	for _, run := range runs {
		if run.Status != bridge.StatusSuspended {
			continue
		}
		if err := s.mgr.RecoverRun(run.ID, nil); err != nil {
			s.logger.Warn("failed to recover suspended run",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered suspended runs", zap.Int("count", recovered))
	}
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "store",
		Fn:        s.store.Ping,
	})

	s.runsHandler = handlers.NewRunsHandler(s.mgr, s.logger)
	s.streamHandler = handlers.NewStreamHandler(s.mgr, s.logger)
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/runs", s.runsHandler.HandleStart)
	mux.HandleFunc("GET /api/v1/runs", s.runsHandler.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.runsHandler.HandleGet)
	mux.HandleFunc("GET /api/v1/runs/{id}/suspension", s.runsHandler.HandleSuspension)
	mux.HandleFunc("POST /api/v1/runs/{id}/resume", s.runsHandler.HandleResume)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.runsHandler.HandleCancel)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", s.streamHandler.HandleEvents)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until the HTTP server receives a shutdown signal,
// then tears everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the servers, drains active runs, and closes the store.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx := context.Background()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.mgr != nil {
		if err := s.mgr.Close(); err != nil {
			s.logger.Error("run manager shutdown error", zap.Error(err))
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", zap.Error(err))
		}
	}

	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("graceful shutdown completed")
}
