package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
)

// ServiceName is the gRPC health service name reported alongside ""
const ServiceName = "modelcache"

// GRPCHealthConfig holds configuration for the gRPC health endpoint
type GRPCHealthConfig struct {
	Host           string
	Port           int
	MaxConnections uint32
}

// GRPCHealthServer exposes the standard grpc.health.v1 service so
// orchestrators can probe the node without HTTP
type GRPCHealthServer struct {
	config     *GRPCHealthConfig
	grpcServer *grpc.Server
	health     *grpchealth.Server
	logger     *zap.Logger
}

// NewGRPCHealthServer creates the server with every service NOT_SERVING
// until the first status update
func NewGRPCHealthServer(cfg *GRPCHealthConfig, logger *zap.Logger) *GRPCHealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []grpc.ServerOption
	if cfg.MaxConnections > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(cfg.MaxConnections))
	}
	grpcServer := grpc.NewServer(opts...)

	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCHealthServer{
		config:     cfg,
		grpcServer: grpcServer,
		health:     hs,
		logger:     logger,
	}
}

// SetStatus maps readiness onto the serving status. It matches the health
// checker's listener signature.
func (s *GRPCHealthServer) SetStatus(status model.NodeStatus, ready bool) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(ServiceName, serving)
	s.logger.Debug("gRPC health updated",
		zap.String("status", string(status)),
		zap.String("serving", serving.String()))
}

// Run listens on the configured address and serves until ctx is done
func (s *GRPCHealthServer) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops gracefully
func (s *GRPCHealthServer) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("Starting gRPC health server", zap.String("addr", lis.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Stopping gRPC health server")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	return nil
}
