package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"channelmanager/internal/config"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer serves the connection health service.
type GRPCServer struct {
	server   *grpc.Server
	listener net.Listener
	health   *ConnectionHealth
	log      zerolog.Logger
}

func NewGRPCServer(cfg config.APIConfig, connHealth *ConnectionHealth, logger *zerolog.Logger) (*GRPCServer, error) {
	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return newGRPCServer(cfg, lis, connHealth, logger), nil
}

func newGRPCServer(cfg config.APIConfig, lis net.Listener, connHealth *ConnectionHealth, logger *zerolog.Logger) *GRPCServer {
	auth := NewAuthInterceptor(cfg)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		LoggingUnaryInterceptor(logger),
		auth.Unary(),
	))
	healthpb.RegisterHealthServer(grpcServer, connHealth.Server())

	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	serverLogger := zerolog.Nop()
	if logger != nil {
		serverLogger = logger.With().Str("component", "grpc").Logger()
	}

	return &GRPCServer{
		server:   grpcServer,
		listener: lis,
		health:   connHealth,
		log:      serverLogger,
	}
}

func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *GRPCServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("gRPC API listening")
	return s.server.Serve(s.listener)
}

func (s *GRPCServer) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
	case <-time.After(10 * time.Second):
		s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
	}
}
