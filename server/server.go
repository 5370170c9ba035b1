// Package server exposes the scheduler's admin operations over HTTP.
//
// Routes live under /api/pulse and return JSON. Errors carry a single
// "error" field; the status code follows the error sentinel (not found,
// invalid request, conflict).
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsed/auth"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse"
)

const (
	// ShutdownTimeout bounds how long in-flight requests get to drain.
	ShutdownTimeout = 10 * time.Second

	readHeaderTimeout = 5 * time.Second
	maxBodyBytes      = 8 << 20
)

// Options configures a Server.
type Options struct {
	// AllowedOrigins are granted CORS; other browser origins get no headers.
	AllowedOrigins []string
	// Tokens guards every /api route when set. /health stays open.
	Tokens *auth.TokenManager
}

// Server serves the admin API for one scheduler.
type Server struct {
	scheduler      *pulse.Scheduler
	logger         *zap.SugaredLogger
	allowedOrigins []string
	auth           *auth.Middleware
	mux            *http.ServeMux
}

// New builds the server and its routes.
func New(scheduler *pulse.Scheduler, opts Options, log *zap.SugaredLogger) *Server {
	s := &Server{
		scheduler:      scheduler,
		logger:         log,
		allowedOrigins: opts.AllowedOrigins,
		auth:           auth.NewMiddleware(opts.Tokens, log),
		mux:            http.NewServeMux(),
	}
	s.setupHTTPRoutes()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Run listens on addr and serves until ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()
	s.logger.Infow("HTTP server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnw("HTTP server shutdown timed out",
			"timeout", ShutdownTimeout,
			"error", err)
		return errors.Wrap(err, "http server shutdown")
	}
	s.logger.Infow("HTTP server stopped")
	return nil
}
