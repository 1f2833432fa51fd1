package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interdesk/internal/core"
)

// Expirer ends a session that has gone quiet. The assignment engine
// implements it so capacity is freed and the queue re-evaluated.
type Expirer interface {
	ExpireSession(ctx context.Context, s core.Session) error
}

// Sweeper periodically ends assigned or active sessions with no traffic for
// longer than timeout.
type Sweeper struct {
	store    Store
	expirer  Expirer
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSweeper(store Store, expirer Expirer, interval, timeout time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		expirer:  expirer,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
		<-sw.done
	}
}

// Sweep runs one pass and returns how many sessions it ended.
func (sw *Sweeper) Sweep(ctx context.Context) int {
	stale, err := sw.store.StaleSessions(ctx, sw.now().UTC().Add(-sw.timeout))
	if err != nil {
		log.Error().Err(err).Str("component", "sweeper").Msg("list stale sessions")
		return 0
	}
	ended := 0
	for _, s := range stale {
		if err := sw.expirer.ExpireSession(ctx, s); err != nil {
			log.Warn().Err(err).Str("component", "sweeper").Str("session", s.ID).Msg("expire session")
			continue
		}
		ended++
	}
	if ended > 0 {
		log.Info().Str("component", "sweeper").Int("count", ended).Msg("ended idle sessions")
	}
	return ended
}
