// Package app assembles the chat engine from a Config. The binary and the
// embedded server share it.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mistakeknot/interdesk/internal/assign"
	"github.com/mistakeknot/interdesk/internal/auth"
	"github.com/mistakeknot/interdesk/internal/config"
	"github.com/mistakeknot/interdesk/internal/history"
	httpapi "github.com/mistakeknot/interdesk/internal/http"
	"github.com/mistakeknot/interdesk/internal/permission"
	"github.com/mistakeknot/interdesk/internal/presence"
	"github.com/mistakeknot/interdesk/internal/responder"
	"github.com/mistakeknot/interdesk/internal/router"
	"github.com/mistakeknot/interdesk/internal/server"
	"github.com/mistakeknot/interdesk/internal/session"
	"github.com/mistakeknot/interdesk/internal/storage"
	"github.com/mistakeknot/interdesk/internal/storage/sqlite"
	"github.com/mistakeknot/interdesk/internal/ws"
)

// MemoryDB selects an in-process SQLite database that vanishes on exit.
const MemoryDB = ":memory:"

type App struct {
	cfg      config.Config
	store    storage.Store
	closer   io.Closer
	engine   *assign.Engine
	sessions *session.Manager
	sweeper  *storage.Sweeper
	handler  http.Handler
}

// New opens the store and wires every component. Close releases them.
func New(cfg config.Config, ring *auth.Keyring) (*App, error) {
	store, closer, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	kb, err := responder.Load(cfg.Knowledge)
	if err != nil {
		closer.Close()
		return nil, err
	}

	reg := presence.NewRegistry()
	engine := assign.NewEngine(store, reg)
	gate := permission.NewGate(store, cfg.PermissionCacheTTL, cfg.PermissionCacheSize)
	rtr := router.New(store, reg, gate).WithResponder(kb)
	pager := history.NewPager(store, cfg.DefaultPageSize, cfg.MaxPageSize)

	sessions := session.NewManager(session.Config{
		FastPollInterval:     cfg.FastPollInterval,
		SteadyPollInterval:   cfg.SteadyPollInterval,
		MaxFastPolls:         cfg.MaxFastPolls,
		OfflinePollThreshold: cfg.OfflinePollThreshold,
		ReconnectGrace:       cfg.ReconnectGrace,
		IdleTimeout:          cfg.IdleTimeout,
		QueueWaitTimeout:     cfg.QueueWaitTimeout,
		ExclusiveWaitTimeout: cfg.ExclusiveWaitTimeout,
	}, session.Deps{Store: store, Presence: reg, Engine: engine, Router: rtr, Gate: gate, Welcome: kb})

	gw := ws.NewGateway(sessions, ws.Config{
		OriginPatterns: cfg.Origins,
		InboundRate:    rate.Limit(cfg.InboundRate),
		InboundBurst:   cfg.InboundBurst,
		InboundQueue:   cfg.InboundQueue,
		OutboxSize:     ws.DefaultConfig().OutboxSize,
	})
	svc := httpapi.NewService(store, engine, gate, pager).
		WithConnections(sessions).
		WithDefaultCapacity(cfg.DefaultCapacity)

	return &App{
		cfg:      cfg,
		store:    store,
		closer:   closer,
		engine:   engine,
		sessions: sessions,
		sweeper:  storage.NewSweeper(store, engine, cfg.SweepInterval, cfg.SessionTimeout),
		handler:  httpapi.NewRouter(svc, gw.Handler(), auth.Middleware(ring)),
	}, nil
}

func openStore(path string) (storage.Store, io.Closer, error) {
	var (
		inner *sqlite.Store
		err   error
	)
	if path == MemoryDB {
		inner, err = sqlite.NewInMemory()
	} else {
		inner, err = sqlite.New(path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return sqlite.NewResilient(inner), inner, nil
}

func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Store() storage.Store { return a.store }

// Sweep ends sessions idle past the session timeout until ctx is done.
func (a *App) Sweep(ctx context.Context) error {
	a.sweeper.Start(ctx)
	<-ctx.Done()
	a.sweeper.Stop()
	return nil
}

// Serve runs srv with the sweeper until ctx is cancelled.
func (a *App) Serve(ctx context.Context, srv *server.Server) error {
	return srv.Run(ctx, a.Sweep)
}

func (a *App) Close() error {
	a.engine.Close()
	if err := a.closer.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	log.Debug().Str("component", "app").Msg("closed")
	return nil
}
