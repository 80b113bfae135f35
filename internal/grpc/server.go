package grpc

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/weiawesome/yams-chat/pkg/log"
)

// ServiceName is the health service name of the gateway.
const ServiceName = "yams.chat.Gateway"

// HealthServer reports gateway readiness over grpc.health.v1.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	lis    net.Listener
}

// NewHealthServer listens on addr. Every service starts NOT_SERVING.
func NewHealthServer(addr string, logger zerolog.Logger) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := grpc.NewServer(
		grpc.UnaryInterceptor(log.UnaryServerInterceptor(logger)),
		grpc.StreamInterceptor(log.StreamServerInterceptor(logger)),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s, hs)

	return &HealthServer{server: s, health: hs, lis: lis}, nil
}

// Addr is the listening address.
func (s *HealthServer) Addr() net.Addr { return s.lis.Addr() }

// Serve blocks until Stop.
func (s *HealthServer) Serve() error {
	l := log.L()
	l.Info().Str("address", s.lis.Addr().String()).Msg("grpc health server listening")
	if err := s.server.Serve(s.lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// MarkServingWhen flips to SERVING once ready is closed, unless ctx ends
// first.
func (s *HealthServer) MarkServingWhen(ctx context.Context, ready <-chan struct{}) {
	select {
	case <-ready:
		s.SetServing(true)
	case <-ctx.Done():
	}
}

func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Shutdown reports NOT_SERVING and stops the server gracefully.
func (s *HealthServer) Shutdown() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
