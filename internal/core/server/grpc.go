package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name reported by the gRPC health endpoint
// alongside the server-wide "" entry.
const HealthServiceName = "trialmatch.v1.Matcher"

// HealthServer exposes the standard gRPC health protocol so orchestrators can
// probe readiness without HTTP. It reports NOT_SERVING until SetReady(true).
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	addr   string
	logger *zap.Logger
}

// NewHealthServer creates a health-only gRPC server bound to host:port on Start.
func NewHealthServer(host string, port int, logger *zap.Logger) (*HealthServer, error) {
	if port <= 0 {
		return nil, fmt.Errorf("grpc port must be positive, got %d", port)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	server := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)

	s := &HealthServer{
		server: server,
		health: healthServer,
		addr:   fmt.Sprintf("%s:%d", host, port),
		logger: logger,
	}
	s.SetReady(false)
	return s, nil
}

// SetReady updates the serving status. Suitable as a cache subscriber.
func (s *HealthServer) SetReady(ready bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ready {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthServiceName, status)
	s.logger.Debug("grpc health status", zap.String("status", status.String()))
}

// Start binds listener and serves gRPC requests.
// Context is provided for API consistency but Serve blocks until Shutdown is called.
func (s *HealthServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	return s.serve(listener)
}

func (s *HealthServer) serve(listener net.Listener) error {
	s.logger.Info("grpc health server listening", zap.String("addr", listener.Addr().String()))
	return s.server.Serve(listener)
}

// Shutdown gracefully stops server with 30-second timeout.
func (s *HealthServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
	case <-time.After(30 * time.Second):
		s.server.Stop()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}
