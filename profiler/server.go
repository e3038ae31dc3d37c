// Package profiler serves the pprof endpoints of a running vqueue service.
package profiler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/pitabwire/vqueue/config"
)

const (
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultReadHeaderTimeout guards against clients that never finish their headers.
	DefaultReadHeaderTimeout = 5 * time.Second
)

// Server exposes /debug/pprof/ on its own mux, leaving http.DefaultServeMux untouched.
type Server struct {
	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func NewServer() *Server {
	return &Server{}
}

func handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// StartIfEnabled listens on the configured port when profiling is enabled.
// Starting a running server has no effect.
func (s *Server) StartIfEnabled(ctx context.Context, cfg config.ConfigurationProfiler) error {
	if cfg == nil || !cfg.ProfilerEnabled() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	listener, err := net.Listen("tcp", cfg.ProfilerPort())
	if err != nil {
		return err
	}

	log := util.Log(ctx).WithField("address", listener.Addr().String())
	log.Info("starting pprof server")

	server := &http.Server{
		Handler:           handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.WithError(serveErr).Error("pprof server failed")
		}
	}()

	s.server = server
	s.listener = listener
	return nil
}

// Addr is the address the server listens on, empty when it is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

// Stop shuts the server down gracefully. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server, s.listener = nil, nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	util.Log(ctx).Info("stopping pprof server")
	shutdownCtx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
