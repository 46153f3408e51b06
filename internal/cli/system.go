package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/internal/logging"
	"github.com/ChuLiYu/beaver-jobs/internal/metrics"
	"github.com/ChuLiYu/beaver-jobs/internal/server"
	"github.com/ChuLiYu/beaver-jobs/internal/snapshot"
	"github.com/ChuLiYu/beaver-jobs/internal/tracing"
)

// system wires a job manager with the configured observability surfaces.
type system struct {
	cfg    *Config
	logger *slog.Logger

	manager  *jobmanager.JobManager
	registry *prometheus.Registry
	tracer   *sdktrace.TracerProvider
	health   *server.HealthService
	dumps    *snapshot.Manager

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
}

// newSystem builds every component; nothing listens until start.
func newSystem(cfg *Config) (*system, error) {
	logger := logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	return newSystemWithLogger(cfg, logger)
}

func newSystemWithLogger(cfg *Config, logger *slog.Logger) (*system, error) {
	s := &system{cfg: cfg, logger: logger}

	opts := []jobmanager.Option{
		jobmanager.WithCoreWorkers(cfg.Manager.CoreWorkers),
		jobmanager.WithLogger(logger),
	}
	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ExportEndpoint: cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		s.tracer = tp
		opts = append(opts, jobmanager.WithListener(tracing.NewSpanListener(tp), nil))
	}
	s.manager = jobmanager.New(opts...)

	if cfg.Metrics.Enabled {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics.NewCollectorWithRegisterer(s.registry).Attach(s.manager)
	}

	if cfg.HTTP.Enabled {
		inspectorOpts := []server.Option{server.WithVersion(Version)}
		if s.registry != nil {
			inspectorOpts = append(inspectorOpts, server.WithGatherer(s.registry))
		}
		s.httpServer = &http.Server{
			Handler:           server.NewInspector(s.manager, logger, inspectorOpts...),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	if cfg.GRPC.Enabled {
		s.health = server.NewHealthService(s.manager, logger)
		s.grpcServer = server.NewGRPCServer(s.health, logger)
	}

	if cfg.Snapshot.Enabled {
		s.dumps = snapshot.NewManager(cfg.Snapshot.Path)
	}
	return s, nil
}

// start opens the configured listeners and serves in the background.
func (s *system) start() error {
	if s.httpServer != nil {
		lis, err := net.Listen("tcp", s.cfg.HTTP.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTP.Addr, err)
		}
		s.httpListener = lis
		go func() {
			if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP inspector stopped", "error", err)
			}
		}()
		s.logger.Info("HTTP inspector listening", "addr", lis.Addr().String())
	}

	if s.grpcServer != nil {
		lis, err := net.Listen("tcp", s.cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPC.Addr, err)
		}
		s.grpcListener = lis
		go func() {
			if err := s.grpcServer.Serve(lis); err != nil {
				s.logger.Error("gRPC server stopped", "error", err)
			}
		}()
		s.logger.Info("gRPC health listening", "addr", lis.Addr().String())
	}

	if s.dumps != nil {
		if _, err := s.dumps.Schedule(context.Background(), s.manager, s.cfg.Snapshot.Interval); err != nil {
			return fmt.Errorf("failed to schedule state dumps: %w", err)
		}
		s.logger.Info("Writing state dumps", "path", s.dumps.GetPath(), "interval", s.cfg.Snapshot.Interval)
	}
	return nil
}

// stop shuts the manager down first so probes report NOT_SERVING while the
// pool drains, then closes the listeners.
func (s *system) stop(ctx context.Context) {
	s.manager.Shutdown()
	if !s.manager.AwaitTermination(s.cfg.Manager.ShutdownTimeout) {
		s.logger.Warn("Worker pool did not drain in time", "timeout", s.cfg.Manager.ShutdownTimeout)
	}
	if s.dumps != nil {
		if err := s.dumps.Write(snapshot.Capture(s.manager)); err != nil {
			s.logger.Warn("Final state dump failed", "error", err)
		}
	}

	if s.httpServer != nil && s.httpListener != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP inspector shutdown", "error", err)
		}
	}
	if s.grpcServer != nil {
		if s.grpcListener != nil {
			s.grpcServer.GracefulStop()
		}
		s.health.Close()
	}
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.logger.Warn("Tracer provider shutdown", "error", err)
		}
	}
}

func (s *system) httpAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}
