package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultShutdownTimeout = 10 * time.Second

// Task is a background loop that runs alongside the listeners until ctx is
// cancelled.
type Task func(ctx context.Context) error

type Config struct {
	Addr            string
	SocketPath      string
	Handler         http.Handler
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg    Config
	http   *http.Server
	ln     net.Listener
	unix   *http.Server
	unixLn net.Listener
}

// New binds the listeners immediately so Addr is known before Start, which
// matters for ":0".
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	h := cfg.Handler
	if h == nil {
		h = http.NewServeMux()
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s := &Server{cfg: cfg, ln: ln, http: &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}}

	if cfg.SocketPath != "" {
		// Remove stale socket file from previous run
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			ln.Close()
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		uln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
			uln.Close()
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = uln
		s.unix = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	}

	return s, nil
}

// Addr is the bound TCP address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	if s.unixLn != nil {
		go func() {
			if err := s.unix.Serve(s.unixLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("component", "server").Msg("unix socket serve")
			}
		}()
	}
	if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run serves and runs tasks until ctx is cancelled or one of them fails,
// then shuts everything down.
func (s *Server) Run(ctx context.Context, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.Start)
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})
	log.Info().Str("component", "server").Str("addr", s.Addr()).Str("socket", s.cfg.SocketPath).Msg("listening")
	return g.Wait()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}

	if err := s.http.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}
