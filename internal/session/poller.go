package session

import (
	"sync"
	"time"
)

// timerHandle is the part of *time.Timer the poller needs; tests substitute
// a manual clock.
type timerHandle interface {
	Stop() bool
}

type scheduleFunc func(d time.Duration, fn func()) timerHandle

func afterFunc(d time.Duration, fn func()) timerHandle {
	return time.AfterFunc(d, fn)
}

type Phase int

const (
	PhaseStopped Phase = iota
	PhaseFast
	PhaseSteady
)

func (p Phase) String() string {
	switch p {
	case PhaseFast:
		return "fast"
	case PhaseSteady:
		return "steady"
	default:
		return "stopped"
	}
}

// Poller ticks quickly while availability is unresolved and drops to a
// steady cadence once told to, or after maxFast fast ticks. Exactly one
// timer is armed at a time: every transition replaces the handle, and a
// generation counter discards callbacks from a replaced timer that had
// already fired.
type Poller struct {
	fast, steady time.Duration
	maxFast      int
	tick         func()
	schedule     scheduleFunc

	mu        sync.Mutex
	phase     Phase
	fastTicks int
	gen       uint64
	timer     timerHandle
}

func NewPoller(fast, steady time.Duration, maxFast int, tick func()) *Poller {
	return newPoller(fast, steady, maxFast, tick, afterFunc)
}

func newPoller(fast, steady time.Duration, maxFast int, tick func(), schedule scheduleFunc) *Poller {
	return &Poller{fast: fast, steady: steady, maxFast: maxFast, tick: tick, schedule: schedule}
}

// Start (re)enters the fast phase.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = PhaseFast
	p.fastTicks = 0
	p.arm()
}

// Steady downgrades a fast poller. It is a no-op in any other phase.
func (p *Poller) Steady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != PhaseFast {
		return
	}
	p.phase = PhaseSteady
	p.arm()
}

func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = PhaseStopped
	p.disarm()
}

func (p *Poller) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Poller) disarm() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) arm() {
	p.disarm()
	interval := p.steady
	if p.phase == PhaseFast {
		interval = p.fast
	}
	gen := p.gen
	p.timer = p.schedule(interval, func() { p.fire(gen) })
}

func (p *Poller) fire(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.phase == PhaseStopped {
		p.mu.Unlock()
		return
	}
	if p.phase == PhaseFast {
		p.fastTicks++
		if p.fastTicks >= p.maxFast {
			p.phase = PhaseSteady
		}
	}
	p.arm()
	p.mu.Unlock()
	p.tick()
}
