// Package admin serves the gRPC health service on a Unix domain socket for
// local supervisors and sidecars.
package admin

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceSymbols is the health service name that tracks symbol data.
const ServiceSymbols = "tickerdesk.symbols"

// Server wraps the gRPC server and its Unix Domain Socket listener.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
}

// New creates the admin gRPC server bound to socketPath. Every service
// reports NOT_SERVING until MarkInitialized is called.
func New(socketPath string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("admin: create socket directory: %w", err)
	}

	// Remove any stale socket file from a previous run.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("admin: remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("admin: listen on unix socket %s: %w", socketPath, err)
	}

	// Restrict socket permissions to owner only.
	if err := os.Chmod(socketPath, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("admin: chmod socket: %w", err)
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceSymbols, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		grpcServer: gs,
		health:     hs,
		listener:   lis,
		socketPath: socketPath,
	}, nil
}

// MarkInitialized flips the server to SERVING once startup has finished.
// The symbols service follows symbolsReady.
func (s *Server) MarkInitialized(symbolsReady bool) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if symbolsReady {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceSymbols, st)
}

// Addr returns the socket path.
func (s *Server) Addr() string { return s.socketPath }

// Serve starts accepting gRPC connections. It blocks until the server
// is stopped or an error occurs.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop reports NOT_SERVING, drains in-flight RPCs and removes the
// socket file.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	os.Remove(s.socketPath)
}
