package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/handler"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/health"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/metrics"
)

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	MetricsEnabled bool
	MetricsPath    string
	StatsInterval  time.Duration // system gauge refresh; 0 uses 15s
}

// HTTPServer serves the model API, health probes and Prometheus metrics on
// one port
type HTTPServer struct {
	config     *HTTPServerConfig
	httpServer *http.Server
	metrics    *metrics.Metrics
	disk       health.DiskSource
	logger     *zap.Logger
}

// NewHTTPServer builds the router. gatherer is only used when metrics are
// enabled; api and disk may be nil.
func NewHTTPServer(
	cfg *HTTPServerConfig,
	gatherer prometheus.Gatherer,
	checker *health.HealthChecker,
	api *handler.ModelHandler,
	m *metrics.Metrics,
	disk health.DiskSource,
	logger *zap.Logger,
) *HTTPServer {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	if cfg.MetricsEnabled && gatherer != nil {
		router.Handle(cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if checker != nil {
		router.HandleFunc("/health", checker.LivenessHandler).Methods(http.MethodGet)
		router.HandleFunc("/ready", checker.ReadinessHandler).Methods(http.MethodGet)
	}
	if api != nil {
		api.Register(router)
	}

	return &HTTPServer{
		config: cfg,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		metrics: m,
		disk:    disk,
		logger:  logger,
	}
}

// Handler returns the root handler
func (s *HTTPServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens on the configured address and serves until ctx is done
func (s *HTTPServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("http listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then shuts down gracefully
func (s *HTTPServer) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("Starting HTTP server", zap.String("addr", lis.Addr().String()))

	go s.collectSystemMetrics(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

// collectSystemMetrics periodically refreshes the system gauges
func (s *HTTPServer) collectSystemMetrics(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	ticker := time.NewTicker(s.config.StatsInterval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-ctx.Done():
			return
		}
	}
}

func (s *HTTPServer) updateSystemMetrics() {
	var used, available int64
	if s.disk != nil {
		usage := s.disk.GetDiskUsage()
		available = int64(usage.AvailableBytes)
		if usage.TotalBytes > usage.AvailableBytes {
			used = int64(usage.TotalBytes - usage.AvailableBytes)
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(used, available, int64(memStats.Alloc), runtime.NumGoroutine())
}
