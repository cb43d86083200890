// Package api serves meridian's status surface: a gRPC health service that
// reports NOT_SERVING while the drawdown guard has halted entries, and an
// HTTP listener for Prometheus metrics and the current engine state.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"meridian/internal/config"
	"meridian/internal/metrics"
	"meridian/internal/trader"
)

// ServiceName is the gRPC health service name of the engine.
const ServiceName = "meridian.engine"

// StatusSource supplies the state served by the status endpoints.
type StatusSource interface {
	Status() trader.Status
}

// Server hosts the HTTP and gRPC status endpoints.
type Server struct {
	cfg     config.Server
	status  StatusSource
	metrics *metrics.Collector
	health  *health.Server
	log     *slog.Logger

	// refresh is how often the health status is re-derived.
	refresh time.Duration
}

// NewServer creates a Server configured from the given server section.
func NewServer(cfg config.Server, status StatusSource, m *metrics.Collector, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		status:  status,
		metrics: m,
		health:  health.NewServer(),
		log:     log.With("component", "api"),
		refresh: 5 * time.Second,
	}
	s.UpdateHealth()
	return s
}

// UpdateHealth sets the engine service to NOT_SERVING while entries are
// halted and SERVING otherwise.
func (s *Server) UpdateHealth() {
	st := healthpb.HealthCheckResponse_SERVING
	if s.status.Status().Halted {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// RegisterGRPC registers the health and reflection services on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
	reflection.Register(gs)
}

// ListenAndServe starts the configured listeners and blocks until ctx is
// cancelled or a listener fails. A zero port disables that listener.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var httpLis, grpcLis net.Listener
	var err error
	if s.cfg.Port > 0 {
		if httpLis, err = net.Listen("tcp", s.cfg.HTTPAddr()); err != nil {
			return err
		}
	}
	if s.cfg.GRPCPort > 0 {
		if grpcLis, err = net.Listen("tcp", s.cfg.GRPCAddr()); err != nil {
			if httpLis != nil {
				httpLis.Close()
			}
			return err
		}
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve serves on the given listeners until ctx is cancelled. Either
// listener may be nil.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	if httpLis != nil {
		srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			s.log.Info("http listening", "addr", httpLis.Addr().String())
			if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if grpcLis != nil {
		gs := grpc.NewServer()
		s.RegisterGRPC(gs)
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", grpcLis.Addr().String())
			return gs.Serve(grpcLis)
		})
		g.Go(func() error {
			<-ctx.Done()
			s.health.Shutdown()
			gs.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.UpdateHealth()
			}
		}
	})

	return g.Wait()
}
