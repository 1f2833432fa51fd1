// Package permission decides whether an agent may reply to a visitor.
package permission

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/storage"
)

const DefaultTTL = 5 * time.Second

type Decision struct {
	CanReply      bool            `json:"canReply"`
	Reason        string          `json:"reason,omitempty"`
	AssignedAgent *core.AgentInfo `json:"assignedAgent,omitempty"`
}

// Err converts a negative decision into a *core.DeniedError.
func (d Decision) Err() error {
	if d.CanReply {
		return nil
	}
	return &core.DeniedError{Reason: d.Reason, Assignee: d.AssignedAgent}
}

// Gate evaluates, first match wins: managers may reply to anyone, the
// session's assignee may reply, everyone else is denied with the current
// assignee attached. Decisions are cached for at most ttl, which bounds how
// long a hand-off can go unnoticed.
type Gate struct {
	store storage.Store
	cache *expirable.LRU[string, Decision]
}

func NewGate(store storage.Store, ttl time.Duration, size int) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = 4096
	}
	return &Gate{
		store: store,
		cache: expirable.NewLRU[string, Decision](size, nil, ttl),
	}
}

func cacheKey(tenant, visitorID, agentID string) string {
	return tenant + "|" + visitorID + "|" + agentID
}

func (g *Gate) CanReply(ctx context.Context, tenant, agentID, visitorID string) (Decision, error) {
	if agentID == "" || visitorID == "" {
		return Decision{}, core.Invalid("agent and visitor required")
	}
	key := cacheKey(tenant, visitorID, agentID)
	if d, ok := g.cache.Get(key); ok {
		return d, nil
	}
	d, err := g.evaluate(ctx, tenant, agentID, visitorID)
	if err != nil {
		return Decision{}, err
	}
	g.cache.Add(key, d)
	return d, nil
}

func (g *Gate) evaluate(ctx context.Context, tenant, agentID, visitorID string) (Decision, error) {
	agent, err := g.store.GetAgent(ctx, tenant, agentID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return Decision{Reason: "unknown agent"}, nil
		}
		return Decision{}, err
	}
	if agent.Level.IsManager() {
		return Decision{CanReply: true}, nil
	}

	sess, err := g.store.OpenSession(ctx, tenant, visitorID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return Decision{Reason: "visitor has no open session"}, nil
		}
		return Decision{}, err
	}
	served := sess.State == core.SessionAssigned || sess.State == core.SessionActive
	if served && sess.AgentID == agentID {
		return Decision{CanReply: true}, nil
	}
	if !served || sess.AgentID == "" {
		return Decision{Reason: "visitor is waiting to be assigned"}, nil
	}

	d := Decision{Reason: "visitor is being served by another agent"}
	if assignee, err := g.store.GetAgent(ctx, tenant, sess.AgentID); err == nil {
		d.AssignedAgent = assignee.Public()
	} else {
		d.AssignedAgent = &core.AgentInfo{ID: sess.AgentID}
	}
	return d, nil
}

// Invalidate drops cached decisions for one visitor, used when its session
// changes hands so the new state is visible before the TTL lapses.
func (g *Gate) Invalidate(tenant, visitorID string) {
	prefix := tenant + "|" + visitorID + "|"
	for _, k := range g.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			g.cache.Remove(k)
		}
	}
}
