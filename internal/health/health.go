// Package health exposes process readiness over the standard gRPC health
// protocol so load balancers stop routing new connections while the
// process sheds load.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the service name reported alongside the overall status.
const Service = "turnstile"

// Server owns the health status and, once Serve is called, a gRPC listener.
type Server struct {
	hs      *health.Server
	serving atomic.Bool
	logger  *slog.Logger
}

// New returns a server reporting SERVING.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{hs: health.NewServer(), logger: logger.With("component", "health")}
	s.SetServing(true)
	return s
}

// SetServing flips the reported status.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if s.serving.Swap(ok) != ok {
		s.logger.Info("health status changed", "status", status.String())
	}
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(Service, status)
}

// Serving reports the current status.
func (s *Server) Serving() bool { return s.serving.Load() }

// Check answers a health check in process, without a network round-trip.
func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.hs.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.hs)

	go func() {
		<-ctx.Done()
		s.hs.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info("health server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
