package sqlite

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

// RetryConfig controls exponential backoff on SQLITE_BUSY.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // 0.25 adds up to 25% of the delay
}

// DefaultRetryConfig is 5 retries from a 20ms base with 25% jitter. The send
// path waits on this, so the total stays well under a second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  20 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// RetryOnDBLock retries fn while it fails with "database is locked", giving
// up early when ctx is done.
func RetryOnDBLock(ctx context.Context, fn func() error) error {
	return retryOnDBLock(ctx, DefaultRetryConfig(), fn, sleepCtx)
}

func retryOnDBLock(ctx context.Context, cfg RetryConfig, fn func() error, sleep func(context.Context, time.Duration) error) error {
	err := fn()
	for attempt := 1; attempt <= cfg.MaxRetries && err != nil && isDBLocked(err); attempt++ {
		delay := cfg.BaseDelay * (1 << (attempt - 1))
		jitter := time.Duration(float64(delay) * rand.Float64() * cfg.JitterPct)
		if serr := sleep(ctx, delay+jitter); serr != nil {
			return err
		}
		err = fn()
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isDBLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
