package assign

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interdesk/internal/core"
)

// End reasons carried to clients in chat_ended/session_ended.
const (
	ReasonVisitor     = "visitor_ended"
	ReasonAgent       = "agent_ended"
	ReasonTimeout     = "timeout"
	ReasonBlacklisted = "blacklisted"
)

// End closes the visitor's open session, frees its agent's capacity and
// promotes the queue.
func (e *Engine) End(ctx context.Context, tenant, visitorID, reason string) (core.Session, error) {
	var out core.Session
	err := e.do(ctx, tenant, func(q *tenantQueue) error {
		sess, err := e.store.OpenSession(ctx, tenant, visitorID)
		if err != nil {
			return err
		}
		out, err = e.end(ctx, q, sess, reason)
		return err
	})
	return out, err
}

func (e *Engine) end(ctx context.Context, q *tenantQueue, sess core.Session, reason string) (core.Session, error) {
	_, wasQueued := q.remove(sess.VisitorID)
	if sess.AgentID != "" && (sess.State == core.SessionAssigned || sess.State == core.SessionActive) {
		agent, err := e.store.GetAgent(ctx, sess.Tenant, sess.AgentID)
		switch {
		case err == nil:
			if err := e.release(ctx, agent); err != nil {
				return core.Session{}, err
			}
		case !errors.Is(err, core.ErrNotFound):
			return core.Session{}, err
		}
	}
	now := e.now()
	sess.State = core.SessionEnded
	sess.EndedAt = now
	sess.UpdatedAt = now
	sess.QueuePosition = 0
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return core.Session{}, err
	}
	log.Info().Str("component", "assign").Str("tenant", sess.Tenant).Str("session", sess.ID).Str("reason", reason).Msg("session ended")
	e.notifier.SessionEnded(sess, reason)
	if wasQueued {
		e.renumber(ctx, q)
	}
	e.promote(ctx, q)
	return sess, nil
}

// UpsertAgent registers a or updates its profile. Live state and load of an
// existing agent are kept. A capacity change can free room, so the queue is
// promoted afterwards.
func (e *Engine) UpsertAgent(ctx context.Context, a core.Agent) (core.Agent, error) {
	var out core.Agent
	err := e.do(ctx, a.Tenant, func(q *tenantQueue) error {
		existing, err := e.store.GetAgent(ctx, a.Tenant, a.ID)
		switch {
		case err == nil:
			a.Load, a.CreatedAt = existing.Load, existing.CreatedAt
		case !errors.Is(err, core.ErrNotFound):
			return err
		}
		a.State = e.stateOf(a)
		if _, err := e.store.SaveAgent(ctx, a); err != nil {
			return err
		}
		e.promote(ctx, q)
		out, err = e.store.GetAgent(ctx, a.Tenant, a.ID)
		return err
	})
	return out, err
}

// ExpireSession ends s if it is still the visitor's open session.
func (e *Engine) ExpireSession(ctx context.Context, s core.Session) error {
	return e.do(ctx, s.Tenant, func(q *tenantQueue) error {
		cur, err := e.store.GetSession(ctx, s.ID)
		if err != nil {
			return err
		}
		if !cur.Open() || cur.LastActivity().After(s.LastActivity()) {
			return nil
		}
		_, err = e.end(ctx, q, cur, ReasonTimeout)
		return err
	})
}

// Cancel withdraws a pending request. The session stays waiting so a later
// join resumes it.
func (e *Engine) Cancel(ctx context.Context, tenant, visitorID string) error {
	return e.do(ctx, tenant, func(q *tenantQueue) error {
		if _, ok := q.remove(visitorID); ok {
			log.Debug().Str("component", "assign").Str("tenant", tenant).Str("visitor", visitorID).Msg("queue entry cancelled")
			e.renumber(ctx, q)
		}
		return nil
	})
}

// Transfer hands the visitor's session to toAgentID. A system message
// recording the hand-off is appended to the session.
func (e *Engine) Transfer(ctx context.Context, tenant, visitorID, toAgentID string) (core.Session, error) {
	var out core.Session
	err := e.do(ctx, tenant, func(q *tenantQueue) error {
		sess, err := e.store.OpenSession(ctx, tenant, visitorID)
		if err != nil {
			return err
		}
		target, err := e.store.GetAgent(ctx, tenant, toAgentID)
		if err != nil {
			return err
		}
		if !e.online(target) {
			return fmt.Errorf("agent %s is offline: %w", toAgentID, core.ErrConflict)
		}
		if !target.HasCapacity() {
			return fmt.Errorf("agent %s is at capacity: %w", toAgentID, core.ErrConflict)
		}
		if sess.AgentID == toAgentID && sess.State != core.SessionWaiting {
			out = sess
			return nil
		}

		prev := ""
		if sess.State != core.SessionWaiting && sess.AgentID != "" {
			prev = sess.AgentID
			if old, err := e.store.GetAgent(ctx, tenant, prev); err == nil {
				if err := e.release(ctx, old); err != nil {
					return err
				}
			}
		}
		sess.Exclusive = false
		if out, err = e.assign(ctx, q, sess, target, prev); err != nil {
			return err
		}
		note := core.Message{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			Tenant:      tenant,
			Direction:   core.ToVisitor,
			SenderType:  core.SenderSystem,
			RecipientID: visitorID,
			Content:     fmt.Sprintf("You have been transferred to %s.", displayName(target)),
			ContentType: core.ContentText,
			CreatedAt:   e.now(),
		}
		if err := e.store.AppendMessage(ctx, note); err != nil {
			log.Warn().Err(err).Str("component", "assign").Str("session", sess.ID).Msg("record transfer")
		}
		e.promote(ctx, q)
		return nil
	})
	return out, err
}

// Accept lets an agent take a specific waiting visitor out of turn.
func (e *Engine) Accept(ctx context.Context, tenant, agentID, visitorID string) (core.Session, error) {
	var out core.Session
	err := e.do(ctx, tenant, func(q *tenantQueue) error {
		ent, ok := q.byVisitor[visitorID]
		if !ok {
			return fmt.Errorf("visitor %s is not waiting: %w", visitorID, core.ErrConflict)
		}
		if ent.pinnedTo != "" && ent.pinnedTo != agentID {
			return &core.DeniedError{Reason: "visitor is waiting for a specific agent"}
		}
		agent, err := e.store.GetAgent(ctx, tenant, agentID)
		if err != nil {
			return err
		}
		if !agent.HasCapacity() {
			return fmt.Errorf("agent %s is at capacity: %w", agentID, core.ErrConflict)
		}
		if out, err = e.assign(ctx, q, ent.session, agent, ""); err != nil {
			return err
		}
		e.renumber(ctx, q)
		return nil
	})
	return out, err
}

// SetPriority re-sorts a waiting visitor. Arrival order among equal
// priorities is kept.
func (e *Engine) SetPriority(ctx context.Context, tenant, visitorID string, priority int) (Status, error) {
	if priority < 0 || priority > MaxPriority {
		return Status{}, core.Invalid("priority must be between 0 and %d", MaxPriority)
	}
	var st Status
	err := e.do(ctx, tenant, func(q *tenantQueue) error {
		ent, ok := q.byVisitor[visitorID]
		if !ok {
			return fmt.Errorf("visitor %s is not waiting: %w", visitorID, core.ErrNotFound)
		}
		if err := e.setPriority(ctx, q, ent, priority); err != nil {
			return err
		}
		st = e.status(ctx, q, visitorID)
		return nil
	})
	return st, err
}

func (e *Engine) setPriority(ctx context.Context, q *tenantQueue, ent *entry, priority int) error {
	q.reprioritize(ent, priority)
	ent.session.UpdatedAt = e.now()
	if err := e.store.UpdateSession(ctx, ent.session); err != nil {
		return err
	}
	e.renumber(ctx, q)
	return nil
}

// MarkAutomated flags the waiting session as served by the automated
// responder. It stays queued so a human can still pick it up.
func (e *Engine) MarkAutomated(ctx context.Context, tenant, visitorID string) (core.Session, error) {
	var out core.Session
	err := e.do(ctx, tenant, func(q *tenantQueue) error {
		sess, err := e.store.OpenSession(ctx, tenant, visitorID)
		if err != nil {
			return err
		}
		if sess.State != core.SessionWaiting || sess.Automated {
			out = sess
			return nil
		}
		sess.Automated = true
		sess.UpdatedAt = e.now()
		if err := e.store.UpdateSession(ctx, sess); err != nil {
			return err
		}
		if ent, ok := q.byVisitor[visitorID]; ok {
			ent.session.Automated = true
		}
		out = sess
		return nil
	})
	return out, err
}

// Blacklist sets the visitor's flag and ends any open session.
func (e *Engine) Blacklist(ctx context.Context, tenant, visitorID string, blacklisted bool) error {
	return e.do(ctx, tenant, func(q *tenantQueue) error {
		if err := e.store.SetBlacklisted(ctx, tenant, visitorID, blacklisted); err != nil {
			return err
		}
		if !blacklisted {
			return nil
		}
		sess, err := e.store.OpenSession(ctx, tenant, visitorID)
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = e.end(ctx, q, sess, ReasonBlacklisted)
		return err
	})
}

// Status is a waiting visitor's place in line.
type Status struct {
	Queued               bool   `json:"queued"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
	WaitingCount         int    `json:"waitingCount"`
	PinnedTo             string `json:"pinnedTo,omitempty"`
}

func (e *Engine) QueueStatus(ctx context.Context, tenant, visitorID string) (Status, error) {
	var st Status
	err := e.do(ctx, tenant, func(q *tenantQueue) error {
		st = e.status(ctx, q, visitorID)
		return nil
	})
	return st, err
}

func (e *Engine) status(ctx context.Context, q *tenantQueue, visitorID string) Status {
	st := Status{WaitingCount: q.waiting()}
	ent, ok := q.byVisitor[visitorID]
	if !ok {
		return st
	}
	st.Queued = true
	st.Position = q.position(ent)
	st.PinnedTo = ent.pinnedTo
	st.EstimatedWaitSeconds = e.estimate(ctx, q.name, st.Position, ent.session.Priority, ent.pinnedTo)
	return st
}

// Waiting lists the tenant's queued sessions, general queue first.
func (e *Engine) Waiting(ctx context.Context, tenant string) ([]core.Session, error) {
	var out []core.Session
	err := e.do(ctx, tenant, func(q *tenantQueue) error {
		out = q.snapshot()
		return nil
	})
	return out, err
}
