// Package grpchealth exposes the standard gRPC health service.
package grpchealth

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "docchat.Chat"

const pingTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wraps a grpc.Server that only serves grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates a health server reporting NOT_SERVING until told otherwise.
func New() *Server {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpc: gs, health: hs}
	s.SetServing(false)
	return s
}

// SetServing updates the reported status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Monitor pings db every interval and mirrors the result until ctx is done.
func (s *Server) Monitor(ctx context.Context, db Pinger, interval time.Duration) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		err := db.Ping(pingCtx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("gRPC health: database unreachable", "error", err)
		}
		s.SetServing(err == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Shutdown reports NOT_SERVING to all watchers and stops the server.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
