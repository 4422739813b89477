package httpapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"orderdesk.org/internal/obs"
)

// GRPCServer serves the standard grpc.health.v1 protocol backed by the
// same readiness checks as /readyz.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	version   string
	logger    *slog.Logger
}

// NewGRPCServer creates the health service. A nil logger uses obs.Logger().
func NewGRPCServer(r readinessChecker, version string, logger *slog.Logger) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if logger == nil {
		logger = obs.Logger()
	}
	return &GRPCServer{
		readiness: r,
		version:   version,
		logger:    logger,
	}
}

// Register attaches the service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

// Check reports SERVING when every readiness check passes. The empty service
// name and serviceName are recognised; anything else is NotFound.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		s.logger.WarnContext(ctx, "grpc health check failed", "error", err, "version", s.version)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// UnaryLogging logs failed unary calls.
func UnaryLogging(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = obs.Logger()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.WarnContext(ctx, "grpc call failed",
				"method", info.FullMethod,
				"code", status.Code(err).String(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
		return resp, err
	}
}
