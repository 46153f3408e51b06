package server

import (
	"context"
	"log/slog"
	"runtime/debug"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ServiceName is the gRPC health service name of the job manager.
const ServiceName = "beaver-jobs.JobManager"

// HealthService reports SERVING over the gRPC health protocol until the
// manager fires its SHUTDOWN event.
type HealthService struct {
	srv    *health.Server
	handle jobmanager.ListenerHandle
	m      *jobmanager.JobManager
}

// NewHealthService creates a health service bound to m.
func NewHealthService(m *jobmanager.JobManager, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HealthService{srv: health.NewServer(), m: m}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	h.handle = m.AddListener(jobmanager.JobListenerFunc(func(jobmanager.JobEvent) {
		logger.Info("Job manager shut down, health set to NOT_SERVING", "component", "grpc-health")
		h.srv.Shutdown()
	}), jobmanager.NewEventFilter().AndMatchEventType(types.EventShutdown))

	if m.IsShutdown() {
		h.srv.Shutdown()
	}
	return h
}

// Register adds the health service to s.
func (h *HealthService) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Close detaches the service from the manager.
func (h *HealthService) Close() {
	h.m.RemoveListener(h.handle)
}

// NewGRPCServer creates a gRPC server with logging and panic recovery
// interceptors and the health service registered.
func NewGRPCServer(h *HealthService, logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc")
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		recoveryInterceptor(logger),
		loggingInterceptor(logger),
	))
	h.Register(s)
	return s
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		logger.Debug("rpc", "method", info.FullMethod, "code", status.Code(err).String())
		return resp, err
	}
}

func recoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("rpc panicked", "method", info.FullMethod, "panic", p, "stack", string(debug.Stack()))
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
