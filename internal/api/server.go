package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "fitsched/internal/runtime/supervisor"
	logx "fitsched/pkg/logx"
)

// ServerConfig controls the listener.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server runs the API on its own supervisor and can be restarted in place.
type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     ServerConfig
	handler http.Handler

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func NewServer(cfg ServerConfig, handler http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, handler: handler, log: log}
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background. Bind errors are
// returned; a running server is left alone.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	cur := s.cfg
	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: cur.ReadTimeout,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup.Go("http.serve", func(context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.ln, s.srv, s.sup = ln, srv, sup
	s.log.Info("http server started", logx.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down gracefully within ctx, then closes it.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.ln, s.srv, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("http graceful shutdown incomplete", logx.Err(err))
	}
	_ = srv.Close()
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("http server exited with error", logx.Err(err))
	}
	s.log.Info("http server stopped")
}

// Reconfigure applies cfg, restarting the listener when the address or
// timeouts changed.
func (s *Server) Reconfigure(ctx context.Context, cfg ServerConfig) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()
	if !running || prev == cfg {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	s.Stop(stopCtx)
	cancel()
	return s.Start(ctx)
}
