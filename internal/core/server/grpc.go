package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "routekeeper.Engine"

// Readiness reports whether a rule engine is loaded.
type Readiness interface {
	Ready() bool
}

// AdminServer manages the admin gRPC server lifecycle. It serves the
// standard health protocol, SERVING only while an engine is loaded.
type AdminServer struct {
	server   *grpc.Server
	health   *health.Server
	ready    Readiness
	addr     string
	listener net.Listener
}

// NewAdminServer creates the admin server bound to host:port.
func NewAdminServer(host string, port int, ready Readiness) (*AdminServer, error) {
	if ready == nil {
		return nil, fmt.Errorf("ready cannot be nil")
	}

	server := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)

	s := &AdminServer{
		server: server,
		health: healthServer,
		ready:  ready,
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
	s.UpdateHealth()
	return s, nil
}

// UpdateHealth publishes the current engine readiness. Call it after
// every load attempt.
func (s *AdminServer) UpdateHealth() {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if s.ready.Ready() {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Listen binds the listener without serving, so callers learn the bound
// address (port 0 picks a free port).
func (s *AdminServer) Listen() (net.Addr, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	s.listener = listener
	return listener.Addr(), nil
}

// Start serves gRPC requests, binding first if Listen was not called.
// Serve blocks until Shutdown is called.
func (s *AdminServer) Start() error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}
	return s.server.Serve(s.listener)
}

// Shutdown gracefully stops server with 30-second timeout.
func (s *AdminServer) Shutdown(ctx context.Context) error {
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
