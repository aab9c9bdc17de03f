package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const shutdownTimeout = 5 * time.Second

// GRPCServer serves the lending API over gRPC and, through the gateway
// mux, over HTTP/JSON.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *LendingService
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
	logger        zerolog.Logger
}

// NewGRPCServer creates a server with the lending, health and reflection
// services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps Deps, healthChecker *observability.HealthChecker) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(deps.Logger)))

	service := NewLendingService(deps)
	grpcServer.RegisterService(&lendingServiceDesc, service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       service,
		healthChecker: healthChecker,
		healthServer:  healthServer,
		logger:        deps.Logger,
	}
}

// SetServing flips the gRPC health status of the lending service. It is
// set together with the HTTP readiness flag.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus(serviceName, st)
	s.healthServer.SetServingStatus("", st)
}

// Serve serves gRPC on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartGRPC listens on the configured address and serves (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// StartHTTPGateway serves the HTTP/JSON gateway and the health endpoints
// (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := NewHTTPHandler(s.service, s.healthChecker)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
