package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrServerAlreadyRunning = errors.New("server already running")

// Server runs an http.Handler on a TCP address with start/stop lifecycle.
type Server struct {
	addr    string
	handler http.Handler
	logger  zerolog.Logger

	mu       sync.RWMutex
	running  bool
	server   *http.Server
	listener net.Listener
}

// NewServer creates a server for handler. Nothing listens until Start.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  logger.With().Str("component", "http").Str("addr", addr).Logger(),
	}
}

// Start binds the address and serves in the background. Bind errors are
// returned directly. If ctx is cancelled the server is stopped.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	s.running = true
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
	}()

	s.logger.Info().Str("listen", ln.Addr().String()).Msg("server started")
	return nil
}

// Stop gracefully shuts the server down. Hijacked websocket connections
// are not tracked by net/http; their owners close them.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	return srv.Shutdown(ctx)
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Running reports whether the server is serving.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
