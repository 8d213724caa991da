// Package grpchealth serves the standard gRPC health protocol for Aurora,
// with one service per external provider so orchestrators can tell a
// degraded instance from a dead one.
package grpchealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Service names reported by the health server.
const (
	ServiceEmbedding  = "aurora.embedding"
	ServiceCompletion = "aurora.completion"
)

// Probe checks one dependency; a nil error means it is serving.
type Probe func(ctx context.Context) error

// Options configures a Server.
type Options struct {
	// Address is the listen address, e.g. ":9090".
	Address string
	// Interval between probe rounds; defaults to 15s.
	Interval time.Duration
	// ProbeTimeout bounds each probe; defaults to 3s.
	ProbeTimeout time.Duration
	// Probes maps a health service name to its check.
	Probes map[string]Probe
	// OnStatus is called after every probe with the result.
	OnStatus func(service string, serving bool)
	Logger   *slog.Logger
}

// Server runs the health service and the probe loop.
type Server struct {
	opts   Options
	health *health.Server
	logger *slog.Logger

	mu       sync.Mutex
	grpcSrv  *grpc.Server
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a server. Every probed service starts NOT_SERVING until
// its first probe passes; the overall service "" is SERVING.
func New(opts Options) *Server {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, health: health.NewServer(), logger: opts.Logger}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for name := range opts.Probes {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// Start listens, serves and launches the probe loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcSrv != nil {
		return errors.New("grpchealth: server already running")
	}

	lis, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("grpchealth: listen on %s: %w", s.opts.Address, err)
	}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(recoveryUnary(s.logger), loggingUnary(s.logger)),
		grpc.ChainStreamInterceptor(recoveryStream(s.logger)),
	)
	healthpb.RegisterHealthServer(srv, s.health)
	reflection.Register(srv)
	s.grpcSrv, s.listener = srv, lis

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc health server stopped", "error", err)
		}
	}()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("grpc health server started", "addr", lis.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Address
}

// Stop marks everything NOT_SERVING and stops gracefully, forcing the
// stop when ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.grpcSrv
	cancel := s.cancel
	s.grpcSrv, s.cancel = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	cancel()
	s.wg.Wait()
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		srv.Stop()
		return fmt.Errorf("grpchealth: graceful stop: %w", ctx.Err())
	}
}

// Check runs every probe once and updates the serving status.
func (s *Server) Check(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(s.opts.Probes))
	for name, probe := range s.opts.Probes {
		pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		err := probe(pctx)
		cancel()

		serving := err == nil
		out[name] = serving
		st := healthpb.HealthCheckResponse_SERVING
		if !serving {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Debug("provider probe failed", "service", name, "error", err)
		}
		s.health.SetServingStatus(name, st)
		if s.opts.OnStatus != nil {
			s.opts.OnStatus(name, serving)
		}
	}
	return out
}

func (s *Server) loop(ctx context.Context) {
	defer s.wg.Done()
	s.Check(ctx)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

func loggingUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.DebugContext(ctx, "grpc request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}

func recoveryUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "panic in grpc handler", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func recoveryStream(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in grpc stream", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}
