package server

import (
	"EscrowLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-checked gRPC service name.
const ServiceName = "escrow.v1.EscrowLedger"

// GRPCServer wraps the gRPC server (health + reflection) and the HTTP server
// that fronts the gRPC-Gateway admin mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	log           zerolog.Logger
}

// NewGRPCServer registers health and reflection and mounts the admin API
// behind /healthz and /readyz on the HTTP side.
func NewGRPCServer(grpcAddr, httpAddr string, admin *AdminAPI, healthChecker *observability.HealthChecker, log zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: healthChecker,
		log:           log,
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.httpHandler(admin),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *GRPCServer) httpHandler(admin *AdminAPI) http.Handler {
	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	if admin != nil {
		httpMux.Handle("/", admin.Handler())
	}
	return httpMux
}

// Handler exposes the HTTP handler for in-process tests.
func (s *GRPCServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetServing flips the gRPC health status, mirroring readiness.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP admin API (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
