package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/yyd/aurora/config"
)

// HTTPServer runs the API.
type HTTPServer struct {
	cfg    *config.Config
	server *http.Server
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPServer creates the server and its router.
func NewHTTPServer(cfg *config.Config, log *slog.Logger, h *Handlers) *HTTPServer {
	srv := &http.Server{
		Addr:           net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:        NewRouter(cfg, log, h),
		ReadTimeout:    cfg.Server.HTTP.ReadTimeout,
		WriteTimeout:   cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:    cfg.Server.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.Server.HTTP.MaxHeaderBytes,
	}
	return &HTTPServer{cfg: cfg, server: srv, logger: log}
}

// Handler returns the router.
func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

// Addr returns the bound address once Start is listening, else the
// configured one.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Start listens and serves until Shutdown. It returns nil after a
// graceful shutdown.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("http server listening",
		"addr", ln.Addr().String(),
		"read_timeout", s.cfg.Server.HTTP.ReadTimeout,
		"write_timeout", s.cfg.Server.HTTP.WriteTimeout,
	)
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx ends.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
