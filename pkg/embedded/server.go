// Package embedded provides an embeddable interdesk server for in-process use.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interdesk/internal/app"
	"github.com/mistakeknot/interdesk/internal/auth"
	"github.com/mistakeknot/interdesk/internal/config"
	"github.com/mistakeknot/interdesk/internal/server"
	"github.com/mistakeknot/interdesk/internal/storage"
)

// Config configures the embedded server
type Config struct {
	// DBPath is the path to the SQLite database file.
	// If empty, defaults to ~/.interdesk/data.db. ":memory:" keeps
	// everything in process.
	DBPath string

	// Port is the HTTP port to listen on.
	// If 0, a free port is chosen; read it back with Addr.
	Port int

	// Host is the host to bind to.
	// If empty, defaults to localhost (127.0.0.1).
	Host string

	// Knowledge is an optional knowledge base file for automated replies.
	Knowledge string
}

// Server is an embedded interdesk server
type Server struct {
	app *app.App
	srv *server.Server

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan error
}

// New creates an embedded server that trusts every local caller.
func New(cfg Config) (*Server, error) {
	return newServer(cfg, auth.NewKeyring(true, nil))
}

// NewWithAuth creates an embedded server with API key authentication enabled,
// using the keys file named by INTERDESK_KEYS_FILE.
func NewWithAuth(cfg Config) (*Server, error) {
	keyring, err := auth.LoadKeyringFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load auth: %w", err)
	}
	return newServer(cfg, keyring)
}

func newServer(cfg Config, ring *auth.Keyring) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".interdesk", "data.db")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.DBPath != app.MemoryDB {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	c := config.Default()
	c.DBPath = cfg.DBPath
	c.Knowledge = cfg.Knowledge
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	a, err := app.New(c, ring)
	if err != nil {
		return nil, err
	}
	srv, err := server.New(server.Config{Addr: c.Addr, Handler: a.Handler()})
	if err != nil {
		a.Close()
		return nil, err
	}
	return &Server{app: a, srv: srv}, nil
}

// Start serves in the background. The listener is already bound, so
// requests succeed as soon as Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() {
		err := s.app.Serve(ctx, s.srv)
		if err != nil {
			log.Error().Err(err).Str("component", "embedded").Msg("server stopped")
		}
		s.done <- err
	}()
	return nil
}

// Stop shuts the server down and closes the store. Later calls do nothing.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	var errs []error
	if started {
		s.cancel()
		errs = append(errs, <-s.done)
	}
	errs = append(errs, s.app.Close())
	return errors.Join(errs...)
}

// Addr returns the server's listen address
func (s *Server) Addr() string {
	return s.srv.Addr()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return "http://" + s.srv.Addr()
}

// Store returns the underlying store for direct access if needed
func (s *Server) Store() storage.Store {
	return s.app.Store()
}
