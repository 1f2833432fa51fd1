package assign

import (
	"context"
	"math"
	"time"

	"github.com/mistakeknot/interdesk/internal/core"
)

const (
	handleWindow   = 2 * time.Hour
	minHandle      = 30 * time.Second
	maxHandle      = time.Hour
	handleSamples  = 200
	unknownWaitSec = -1
)

// Defaults when there is no recent history, indexed by priority.
var (
	defaultHandle  = [MaxPriority + 1]time.Duration{300 * time.Second, 180 * time.Second, 120 * time.Second}
	priorityFactor = [MaxPriority + 1]float64{1.0, 0.6, 0.3}
)

func clampPriority(p int) int {
	return min(max(p, 0), MaxPriority)
}

// estimate is position / serving agents * average handle time * priority
// factor, in whole seconds. It is -1 when nobody who could serve is online.
func (e *Engine) estimate(ctx context.Context, tenant string, position, priority int, pinnedTo string) int {
	if position <= 0 {
		return 0
	}
	serving := 0
	if pinnedTo != "" {
		if e.presence.IsOnline(tenant, core.RoleAgent, pinnedTo) {
			serving = 1
		}
	} else {
		agents, err := e.store.ListAgents(ctx, tenant)
		if err != nil {
			return unknownWaitSec
		}
		for _, a := range agents {
			if !a.Level.IsManager() && e.online(a) {
				serving++
			}
		}
	}
	if serving == 0 {
		return unknownWaitSec
	}
	p := clampPriority(priority)
	avg := e.averageHandle(ctx, tenant, p)
	secs := float64(position) / float64(serving) * avg.Seconds() * priorityFactor[p]
	return int(math.Ceil(secs))
}

// averageHandle averages assigned-to-ended durations of recently ended
// sessions at the given priority, ignoring outliers.
func (e *Engine) averageHandle(ctx context.Context, tenant string, priority int) time.Duration {
	ended, err := e.store.EndedSessions(ctx, tenant, e.now().Add(-handleWindow), handleSamples)
	if err != nil {
		return defaultHandle[priority]
	}
	var (
		total time.Duration
		n     int
	)
	for _, s := range ended {
		if s.AssignedAt.IsZero() || clampPriority(s.Priority) != priority {
			continue
		}
		d := s.EndedAt.Sub(s.AssignedAt)
		if d < minHandle || d > maxHandle {
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		return defaultHandle[priority]
	}
	return total / time.Duration(n)
}

// Workload is an agent's current load as reported to dashboards.
type Workload struct {
	CurrentChatCount   int     `json:"currentChatCount"`
	MaxConcurrentChats int     `json:"maxConcurrentChats"`
	WorkStatus         string  `json:"workStatus"`
	UtilizationRate    float64 `json:"utilizationRate"`
	AvailableSlots     int     `json:"availableSlots"`
}

// Workload reports agentID's load. Managers carry no load.
func (e *Engine) Workload(ctx context.Context, tenant, agentID string) (Workload, error) {
	var w Workload
	err := e.do(ctx, tenant, func(q *tenantQueue) error {
		a, err := e.store.GetAgent(ctx, tenant, agentID)
		if err != nil {
			return err
		}
		w = Workload{
			CurrentChatCount:   a.Load,
			MaxConcurrentChats: a.Capacity,
			WorkStatus:         string(e.stateOf(a)),
		}
		if a.Level.IsManager() {
			w.CurrentChatCount = 0
		}
		if w.MaxConcurrentChats > 0 {
			w.UtilizationRate = math.Round(float64(w.CurrentChatCount) / float64(w.MaxConcurrentChats) * 100)
			w.AvailableSlots = max(w.MaxConcurrentChats-w.CurrentChatCount, 0)
		}
		return nil
	})
	return w, err
}
