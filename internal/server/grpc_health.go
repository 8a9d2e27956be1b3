package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cupnote/cupsync/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RealtimeService is the health service name that follows the realtime channel
const RealtimeService = "cupsync.realtime"

// GRPCHealthServer exposes grpc.health.v1 for process supervisors
type GRPCHealthServer struct {
	port   int
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewGRPCHealthServer creates a health server with every service NOT_SERVING
func NewGRPCHealthServer(port int, logger *zap.Logger) *GRPCHealthServer {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(RealtimeService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCHealthServer{
		port:   port,
		grpc:   grpcServer,
		health: healthServer,
		logger: logger,
	}
}

// SetGate sets the overall status from the migration gate
func (s *GRPCHealthServer) SetGate(canServe bool) {
	s.health.SetServingStatus("", servingStatus(canServe))
}

// WatchGate sets the overall status from canServe now and again every
// interval until ctx is done, so migration deadlines that pass while running
// are noticed.
func (s *GRPCHealthServer) WatchGate(ctx context.Context, interval time.Duration, canServe func() bool) {
	s.SetGate(canServe())

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SetGate(canServe())
			}
		}
	}()
}

// SetConnection follows the realtime connection state
func (s *GRPCHealthServer) SetConnection(state model.ConnectionState) {
	s.health.SetServingStatus(RealtimeService, servingStatus(state.Connected))
}

// HealthServer returns the underlying health service
func (s *GRPCHealthServer) HealthServer() healthpb.HealthServer {
	return s.health
}

// Start listens on the configured port and serves until Stop
func (s *GRPCHealthServer) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}

	s.logger.Info("Starting gRPC health server", zap.Int("port", s.port))
	return s.grpc.Serve(listener)
}

// Stop marks every service NOT_SERVING and stops the server gracefully
func (s *GRPCHealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
