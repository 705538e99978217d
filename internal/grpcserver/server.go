// Package grpcserver exposes the standard gRPC health service, reporting
// SERVING only while the ledger database answers pings.
package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"time"

	"account-ledger/internal/domain"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name clients may ask about besides "".
const ServiceName = "ledger.AccountLedger"

const pingTimeout = 2 * time.Second

type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	store    domain.Store
	interval time.Duration
	logger   *slog.Logger
}

func New(store domain.Store, token string, interval time.Duration, logger *slog.Logger) *Server {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(logger),
			AuthInterceptor(token),
		),
		grpc.ChainStreamInterceptor(
			StreamLoggingInterceptor(logger),
			StreamAuthInterceptor(token),
		),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	return &Server{
		grpc:     grpcServer,
		health:   healthServer,
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Serve answers on lis and probes the database until ctx is done, then
// stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.probe(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			s.logger.Info("gRPC server stopped")
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *Server) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	servingStatus := healthpb.HealthCheckResponse_SERVING
	if err := s.store.Ping(pingCtx); err != nil {
		s.logger.Warn("Database ping failed", "error", err)
		servingStatus = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", servingStatus)
	s.health.SetServingStatus(ServiceName, servingStatus)
}
