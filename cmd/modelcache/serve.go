package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/client"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/codec"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/config"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/handler"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/health"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/metrics"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/server"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/service"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/storage/blobstore"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/storage/diskmanager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a cache node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := initLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

// node is every long-lived component of a running cache node
type node struct {
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	disk       *diskmanager.DiskManager
	manager    *service.ModelManager
	probe      *client.ProbeMonitor
	checker    *health.HealthChecker
	httpServer *server.HTTPServer
	grpcHealth *server.GRPCHealthServer
}

func buildNode(cfg *config.Config, logger *zap.Logger) (*node, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg, cfg.Server.NodeID)

	diskMgr, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 cfg.Storage.DataDir,
		CheckInterval:           cfg.Storage.DiskCheckInterval,
		WarningThreshold:        cfg.Storage.DiskWarningPercent,
		CircuitBreakerThreshold: cfg.Storage.DiskMaxUsagePercent,
		MinFreeBytes:            cfg.Storage.MinFreeDiskBytes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize disk manager: %w", err)
	}

	backend, err := blobstore.NewFileBackend(cfg.Storage.DataDir,
		blobstore.WithShardPrefixLen(cfg.Storage.ShardPrefixLen),
		blobstore.WithSyncWrites(*cfg.Storage.SyncWrites))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	codecs := codec.NewRegistry(codec.Options{
		Disabled:        cfg.Codecs.Disabled,
		ZstdLevel:       cfg.Codecs.ZstdLevel,
		GzipLevel:       cfg.Codecs.GzipLevel,
		MaxDecodedBytes: cfg.Codecs.MaxDecodedBytes,
	})
	logger.Info("Codecs available", zap.Strings("codecs", codecs.Available()))

	storage, err := service.NewStorageService(&service.StorageConfig{
		MaxBytes:         cfg.Storage.MaxBytes,
		MaxModels:        cfg.Storage.MaxModels,
		CleanupThreshold: cfg.Storage.CleanupThreshold,
		CleanupInterval:  cfg.Storage.CleanupInterval,
	}, backend, codecs, diskMgr, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	hot := service.NewHotCacheService(&service.HotCacheConfig{
		MaxBytes: cfg.Loader.HotCacheMaxBytes,
		MaxIdle:  cfg.Loader.HotCacheMaxIdle,
	}, m, logger)

	downloader := client.NewHTTPDownloader(&client.HTTPDownloaderConfig{
		Timeout:       cfg.Network.Timeout,
		MaxRetries:    cfg.Network.MaxRetries,
		RetryInterval: cfg.Network.RetryInterval,
		UserAgent:     cfg.Network.UserAgent,
	}, nil, logger)

	var monitor client.HealthMonitor
	var probe *client.ProbeMonitor
	if cfg.Network.ProbeURL != "" {
		probe = client.NewProbeMonitor(&client.ProbeMonitorConfig{
			URL:         cfg.Network.ProbeURL,
			Interval:    cfg.Network.ProbeInterval,
			Timeout:     cfg.Network.ProbeTimeout,
			HighLatency: cfg.Network.HighLatency,
		}, nil, logger)
		monitor = probe
	}

	var delta client.DeltaUpdater
	if cfg.Loader.DeltaUpdatesEnabled {
		delta = client.NewHTTPDeltaClient(&client.HTTPDeltaClientConfig{
			BaseURL:        cfg.Delta.BaseURL,
			Timeout:        cfg.Delta.Timeout,
			MaxPatchOutput: uint64(cfg.Delta.MaxPatchOutput),
		}, &http.Client{Timeout: cfg.Delta.Timeout}, downloader, service.StorageBaseProvider{Storage: storage}, logger)
	}

	mgr := service.NewModelManager(&service.ManagerConfig{
		MaxConcurrentLoads:  cfg.Loader.MaxConcurrentLoads,
		VerifyChecksums:     cfg.Loader.VerifyChecksums,
		VerifyOnCacheLoad:   cfg.Loader.VerifyOnCacheLoad,
		DeltaUpdatesEnabled: cfg.Loader.DeltaUpdatesEnabled,
		MinChunkSize:        cfg.Network.MinChunkSize,
		MaxChunkSize:        cfg.Network.MaxChunkSize,
		HighLatency:         cfg.Network.HighLatency,
		MaxSessions:         cfg.Loader.MaxSessions,
		ErrorLogSize:        cfg.Loader.ErrorLogSize,
		LoadTimeWindow:      cfg.Loader.LoadTimeWindow,
		PreloadWorkers:      cfg.Loader.PreloadWorkers,

		HotCacheSweepInterval: cfg.Loader.HotCacheSweep,
	}, storage, hot, codecs, downloader, delta, monitor, m, logger)

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:             cfg.Server.NodeID,
		DataDir:            cfg.Storage.DataDir,
		DiskWarningPercent: cfg.Storage.DiskWarningPercent,
	}, mgr, diskMgr, logger)

	grpcHealth := server.NewGRPCHealthServer(&server.GRPCHealthConfig{
		Host: cfg.Server.Host,
		Port: cfg.Server.GRPCPort,
	}, logger)
	checker.SetStatusListener(grpcHealth.SetStatus)

	httpServer := server.NewHTTPServer(&server.HTTPServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.HTTPPort,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsPath:     cfg.Metrics.Path,
	}, reg, checker, handler.NewModelHandler(mgr, logger), m, diskMgr, logger)

	return &node{
		registry:   reg,
		metrics:    m,
		disk:       diskMgr,
		manager:    mgr,
		probe:      probe,
		checker:    checker,
		httpServer: httpServer,
		grpcHealth: grpcHealth,
	}, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	n, err := buildNode(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("Model cache node starting",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort))

	n.manager.Start(ctx)
	if n.probe != nil {
		n.probe.Start(ctx)
	}
	// Readiness reflects the first check before any listener opens
	n.checker.RunChecks()
	n.grpcHealth.SetStatus(n.checker.GetStatus().Status, n.checker.IsReady())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.httpServer.Run(gctx) })
	g.Go(func() error { return n.grpcHealth.Run(gctx) })
	g.Go(func() error {
		n.checker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		preload(gctx, n.manager, cfg.Loader.Preload, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		n.checker.Drain()
		return nil
	})

	err = g.Wait()

	if n.probe != nil {
		n.probe.Stop()
	}
	if closeErr := n.manager.Close(); closeErr != nil {
		logger.Error("Failed to close model manager", zap.Error(closeErr))
	}
	logger.Info("Model cache node stopped")
	return err
}

// preload warms the configured models and pins the ones marked pin
func preload(ctx context.Context, mgr *service.ModelManager, entries []config.PreloadEntry, logger *zap.Logger) {
	if len(entries) == 0 {
		return
	}

	reqs := make([]model.LoadRequest, len(entries))
	for i, e := range entries {
		reqs[i] = model.LoadRequest{
			ModelID:         e.ModelID,
			URL:             e.URL,
			Version:         e.Version,
			CompressionType: e.CompressionType,
			Checksum:        e.Checksum,
			Priority:        model.ParsePriority(e.Priority),
			Tags:            e.Tags,
		}
	}

	results := mgr.Preload(ctx, reqs)
	loaded := 0
	for i, res := range results {
		if res == nil || !res.Success {
			continue
		}
		loaded++
		if !entries[i].Pin {
			continue
		}
		if err := mgr.PinModel(entries[i].ModelID); err != nil {
			logger.Warn("Failed to pin preloaded model",
				zap.String("model_id", entries[i].ModelID),
				zap.Error(err))
		}
	}

	logger.Info("Preload finished",
		zap.Int("requested", len(entries)),
		zap.Int("loaded", loaded))
}
