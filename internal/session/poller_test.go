package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollerDowngradesAfterMaxFastTicks(t *testing.T) {
	clock := newManualClock()
	var ticks atomic.Int32
	p := newPoller(2*time.Second, 15*time.Second, 3, func() { ticks.Add(1) }, clock.schedule)

	p.Start()
	require.Equal(t, PhaseFast, p.Phase())
	clock.Advance(6 * time.Second)
	require.EqualValues(t, 3, ticks.Load())
	require.Equal(t, PhaseSteady, p.Phase())

	clock.Advance(14 * time.Second)
	require.EqualValues(t, 3, ticks.Load())
	clock.Advance(time.Second)
	require.EqualValues(t, 4, ticks.Load())
	require.Equal(t, 1, clock.pending())
}

func TestPollerSteadyReplacesTimer(t *testing.T) {
	clock := newManualClock()
	var ticks atomic.Int32
	p := newPoller(2*time.Second, 15*time.Second, 10, func() { ticks.Add(1) }, clock.schedule)

	p.Start()
	p.Steady()
	p.Steady()
	require.Equal(t, 1, clock.pending())

	clock.Advance(10 * time.Second)
	require.Zero(t, ticks.Load(), "fast timer must not survive the transition")
	clock.Advance(5 * time.Second)
	require.EqualValues(t, 1, ticks.Load())
}

func TestPollerStop(t *testing.T) {
	clock := newManualClock()
	var ticks atomic.Int32
	p := newPoller(time.Second, time.Second, 1, func() { ticks.Add(1) }, clock.schedule)

	p.Start()
	clock.Advance(time.Second)
	p.Stop()
	clock.Advance(time.Minute)
	require.EqualValues(t, 1, ticks.Load())
	require.Equal(t, PhaseStopped, p.Phase())
	require.Zero(t, clock.pending())
}

func TestPollerStopFromTick(t *testing.T) {
	clock := newManualClock()
	var ticks atomic.Int32
	var p *Poller
	p = newPoller(time.Second, time.Second, 5, func() {
		ticks.Add(1)
		p.Stop()
	}, clock.schedule)

	p.Start()
	clock.Advance(time.Minute)
	require.EqualValues(t, 1, ticks.Load())
}
