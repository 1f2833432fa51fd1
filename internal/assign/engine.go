// Package assign resolves visitors to agents. Every mutation for a tenant runs
// on that tenant's actor goroutine, so queue order, agent load and session
// state never race within a tenant while tenants proceed in parallel.
package assign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/presence"
	"github.com/mistakeknot/interdesk/internal/storage"
)

const MaxPriority = 2

var ErrClosed = errors.New("assignment engine closed")

// Notifier receives the outcomes of engine decisions. Calls are made on the
// tenant's actor goroutine and must not call back into the Engine.
type Notifier interface {
	Assigned(s core.Session, agent core.Agent, prevAgentID string)
	SessionEnded(s core.Session, reason string)
	QueueChanged(tenant string, waiting int)
}

type nopNotifier struct{}

func (nopNotifier) Assigned(core.Session, core.Agent, string) {}
func (nopNotifier) SessionEnded(core.Session, string)         {}
func (nopNotifier) QueueChanged(string, int)                  {}

type Request struct {
	Tenant           string
	VisitorID        string
	ExclusiveAgentID string
	Priority         int
}

// Result is either an assignment (Agent set) or a queue placement.
type Result struct {
	Session              core.Session
	Agent                *core.Agent
	Queued               bool
	Position             int
	EstimatedWaitSeconds int
	// PinnedTo is the agent an exclusive queued session waits for.
	PinnedTo   string
	OfflineTip string
	Resumed    bool
}

type Engine struct {
	store    storage.Store
	presence *presence.Registry
	notifier Notifier
	now      func() time.Time
	backlog  int

	mu      sync.Mutex
	tenants map[string]*tenantQueue
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewEngine(store storage.Store, reg *presence.Registry) *Engine {
	e := &Engine{
		store:    store,
		presence: reg,
		notifier: nopNotifier{},
		now:      func() time.Time { return time.Now().UTC() },
		backlog:  256,
		tenants:  make(map[string]*tenantQueue),
		closed:   make(chan struct{}),
	}
	reg.Observe(e)
	return e
}

// WithNotifier sets the receiver of assignment outcomes.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	if n != nil {
		e.notifier = n
	}
	return e
}

// Close stops every tenant actor. Pending calls return ErrClosed.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.closed) })
	e.wg.Wait()
}

func (e *Engine) tenant(name string) *tenantQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.tenants[name]
	if !ok {
		q = newTenantQueue(name, e.backlog)
		e.tenants[name] = q
		e.wg.Add(1)
		go e.run(q)
	}
	return q
}

func (e *Engine) run(q *tenantQueue) {
	defer e.wg.Done()
	e.restore(q)
	for {
		select {
		case <-e.closed:
			return
		case task := <-q.tasks:
			task()
		}
	}
}

// do runs fn on the tenant actor and waits for it. A call whose ctx is done
// before the actor reaches it has no effect.
func (e *Engine) do(ctx context.Context, tenant string, fn func(q *tenantQueue) error) error {
	if tenant == "" {
		return core.Invalid("tenant required")
	}
	q := e.tenant(tenant)
	done := make(chan error, 1)
	task := func() {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(q)
	}
	select {
	case q.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-e.closed:
		return ErrClosed
	}
}

// post queues fn without waiting. Used from presence callbacks, which must
// not block the connection that triggered them.
func (e *Engine) post(tenant string, fn func(q *tenantQueue)) {
	q := e.tenant(tenant)
	task := func() { fn(q) }
	select {
	case q.tasks <- task:
	default:
		go func() {
			select {
			case q.tasks <- task:
			case <-e.closed:
			}
		}()
	}
}

// restore rebuilds the queue from waiting sessions after a restart.
func (e *Engine) restore(q *tenantQueue) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	open, err := e.store.ListOpenSessions(ctx, q.name)
	if err != nil {
		log.Error().Err(err).Str("component", "assign").Str("tenant", q.name).Msg("restore queue")
		return
	}
	for _, s := range open {
		if s.State != core.SessionWaiting {
			continue
		}
		pin := ""
		if s.Exclusive {
			if v, err := e.store.GetVisitor(ctx, s.Tenant, s.VisitorID); err == nil {
				pin = v.ExclusiveAgentID
			}
		}
		q.push(s, pin, s.CreatedAt)
	}
	if n := q.waiting(); n > 0 {
		log.Info().Str("component", "assign").Str("tenant", q.name).Int("waiting", n).Msg("restored queue")
	}
}

// PresenceChanged re-evaluates the queue when an agent comes or goes. The
// registry is consulted again on the actor so out-of-order callbacks settle
// on the current truth.
func (e *Engine) PresenceChanged(c presence.Change) {
	if c.Identity.Role != core.RoleAgent {
		return
	}
	tenant, agentID := c.Identity.Tenant, c.Identity.ID
	e.post(tenant, func(q *tenantQueue) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.syncAgentState(ctx, tenant, agentID); err != nil {
			log.Warn().Err(err).Str("component", "assign").Str("tenant", tenant).Str("agent", agentID).Msg("sync agent state")
		}
		e.promote(ctx, q)
	})
}

func (e *Engine) syncAgentState(ctx context.Context, tenant, agentID string) error {
	a, err := e.store.GetAgent(ctx, tenant, agentID)
	if err != nil {
		return err
	}
	state := e.stateOf(a)
	if state == a.State {
		return nil
	}
	return e.store.SetAgentState(ctx, tenant, agentID, state)
}

func (e *Engine) stateOf(a core.Agent) core.AgentState {
	switch {
	case !e.presence.IsOnline(a.Tenant, core.RoleAgent, a.ID):
		return core.AgentOffline
	case !a.HasCapacity():
		return core.AgentBusy
	default:
		return core.AgentOnline
	}
}

func (e *Engine) online(a core.Agent) bool {
	return e.presence.IsOnline(a.Tenant, core.RoleAgent, a.ID)
}

// RequestAgent resolves a visitor to an agent or a queue slot.
func (e *Engine) RequestAgent(ctx context.Context, req Request) (Result, error) {
	if req.VisitorID == "" {
		return Result{}, core.Invalid("visitor id required")
	}
	if req.Priority < 0 || req.Priority > MaxPriority {
		return Result{}, core.Invalid("priority must be between 0 and %d", MaxPriority)
	}
	var res Result
	err := e.do(ctx, req.Tenant, func(q *tenantQueue) error {
		var err error
		res, err = e.request(ctx, q, req)
		return err
	})
	return res, err
}

func (e *Engine) request(ctx context.Context, q *tenantQueue, req Request) (Result, error) {
	v, err := e.store.GetVisitor(ctx, req.Tenant, req.VisitorID)
	if err != nil {
		return Result{}, err
	}
	if v.Blacklisted {
		return Result{}, core.ErrBlacklisted
	}

	sess, err := e.store.OpenSession(ctx, req.Tenant, req.VisitorID)
	switch {
	case err == nil:
		return e.resume(ctx, q, sess, req)
	case !errors.Is(err, core.ErrNotFound):
		return Result{}, err
	}

	now := e.now()
	sess = core.Session{
		ID:        uuid.NewString(),
		Tenant:    req.Tenant,
		VisitorID: req.VisitorID,
		State:     core.SessionWaiting,
		Exclusive: req.ExclusiveAgentID != "",
		Priority:  req.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if sess.Exclusive {
		if _, err := e.store.GetAgent(ctx, req.Tenant, req.ExclusiveAgentID); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return Result{}, core.Invalid("unknown agent %q", req.ExclusiveAgentID)
			}
			return Result{}, err
		}
		if v.ExclusiveAgentID != req.ExclusiveAgentID {
			v.ExclusiveAgentID = req.ExclusiveAgentID
			if _, err := e.store.SaveVisitor(ctx, v); err != nil {
				return Result{}, fmt.Errorf("pin visitor: %w", err)
			}
		}
	}
	if sess, err = e.store.CreateSession(ctx, sess); err != nil {
		return Result{}, err
	}
	return e.place(ctx, q, sess, req.ExclusiveAgentID)
}

// resume handles a visitor that already has an open session. The result is
// always marked resumed, whether the visitor keeps its agent, its queue
// place, or is placed again.
func (e *Engine) resume(ctx context.Context, q *tenantQueue, sess core.Session, req Request) (Result, error) {
	res, err := e.reopen(ctx, q, sess, req)
	res.Resumed = err == nil
	return res, err
}

func (e *Engine) reopen(ctx context.Context, q *tenantQueue, sess core.Session, req Request) (Result, error) {
	if ent, ok := q.byVisitor[sess.VisitorID]; ok {
		if req.Priority > ent.session.Priority {
			if err := e.setPriority(ctx, q, ent, req.Priority); err != nil {
				return Result{}, err
			}
		}
		return e.queuedResult(ctx, q, ent), nil
	}

	if sess.State == core.SessionAssigned || sess.State == core.SessionActive {
		agent, err := e.store.GetAgent(ctx, sess.Tenant, sess.AgentID)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return Result{}, err
		}
		if err == nil && e.online(agent) {
			return Result{Session: sess, Agent: &agent}, nil
		}
		// Assignee went away while the visitor was gone.
		prev := sess.AgentID
		if err == nil {
			if err := e.release(ctx, agent); err != nil {
				return Result{}, err
			}
		}
		pin := ""
		if sess.Exclusive {
			pin = prev
		}
		sess.State = core.SessionWaiting
		sess.AgentID = ""
		sess.UpdatedAt = e.now()
		if err := e.store.UpdateSession(ctx, sess); err != nil {
			return Result{}, err
		}
		return e.place(ctx, q, sess, pin)
	}

	// Waiting with no queue entry: its grace expired or the process restarted.
	pin := ""
	if sess.Exclusive {
		if v, err := e.store.GetVisitor(ctx, sess.Tenant, sess.VisitorID); err == nil {
			pin = v.ExclusiveAgentID
		}
	}
	if req.Priority > sess.Priority {
		sess.Priority = req.Priority
	}
	return e.place(ctx, q, sess, pin)
}

// place assigns sess directly when possible and queues it otherwise. An
// exclusive session only ever goes to pin.
func (e *Engine) place(ctx context.Context, q *tenantQueue, sess core.Session, pin string) (Result, error) {
	if pin != "" {
		agent, err := e.store.GetAgent(ctx, sess.Tenant, pin)
		if err != nil {
			return Result{}, err
		}
		if e.online(agent) && agent.HasCapacity() {
			if sess, err = e.assign(ctx, q, sess, agent, ""); err != nil {
				return Result{}, err
			}
			return Result{Session: sess, Agent: &agent}, nil
		}
		ent := q.push(sess, pin, e.now())
		res := e.queuedResult(ctx, q, ent)
		if e.online(agent) {
			res.OfflineTip = fmt.Sprintf("%s is serving other visitors right now. You will be connected as soon as they are free.", displayName(agent))
		} else {
			res.OfflineTip = fmt.Sprintf("%s is offline. You will be connected when they are back, or you can leave a message.", displayName(agent))
		}
		e.renumber(ctx, q)
		return res, nil
	}

	agent, err := e.pick(ctx, sess.Tenant)
	if err != nil {
		return Result{}, err
	}
	if agent != nil {
		if sess, err = e.assign(ctx, q, sess, *agent, ""); err != nil {
			return Result{}, err
		}
		return Result{Session: sess, Agent: agent}, nil
	}
	ent := q.push(sess, "", e.now())
	e.renumber(ctx, q)
	return e.queuedResult(ctx, q, ent), nil
}

func displayName(a core.Agent) string {
	if a.Name != "" {
		return a.Name
	}
	return "Your agent"
}

func (e *Engine) queuedResult(ctx context.Context, q *tenantQueue, ent *entry) Result {
	pos := q.position(ent)
	s := ent.session
	s.QueuePosition = pos
	return Result{
		Session:              s,
		Queued:               true,
		Position:             pos,
		EstimatedWaitSeconds: e.estimate(ctx, q.name, pos, s.Priority, ent.pinnedTo),
		PinnedTo:             ent.pinnedTo,
	}
}

// pick returns the least loaded online service agent with room, ties broken
// by id. Managers are never picked automatically.
func (e *Engine) pick(ctx context.Context, tenant string) (*core.Agent, error) {
	agents, err := e.store.ListAgents(ctx, tenant)
	if err != nil {
		return nil, err
	}
	var best *core.Agent
	for i := range agents {
		a := agents[i]
		if a.Level.IsManager() || !a.HasCapacity() || !e.online(a) {
			continue
		}
		if best == nil || a.Load < best.Load || (a.Load == best.Load && a.ID < best.ID) {
			best = &agents[i]
		}
	}
	return best, nil
}

// assign binds sess to agent and charges the agent's load.
func (e *Engine) assign(ctx context.Context, q *tenantQueue, sess core.Session, agent core.Agent, prevAgentID string) (core.Session, error) {
	now := e.now()
	sess.State = core.SessionAssigned
	sess.AgentID = agent.ID
	sess.AssignedAt = now
	sess.UpdatedAt = now
	sess.QueuePosition = 0
	sess.Automated = false
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return core.Session{}, err
	}
	q.remove(sess.VisitorID)
	if !agent.Level.IsManager() {
		agent.Load++
		if err := e.store.SetAgentLoad(ctx, agent.Tenant, agent.ID, agent.Load); err != nil {
			return core.Session{}, err
		}
		if state := e.stateOf(agent); state != agent.State {
			_ = e.store.SetAgentState(ctx, agent.Tenant, agent.ID, state)
		}
	}
	log.Info().Str("component", "assign").Str("tenant", sess.Tenant).Str("visitor", sess.VisitorID).
		Str("agent", agent.ID).Str("prev", prevAgentID).Msg("session assigned")
	e.notifier.Assigned(sess, agent, prevAgentID)
	return sess, nil
}

// release frees one unit of agent's load, never going below zero.
func (e *Engine) release(ctx context.Context, agent core.Agent) error {
	if agent.Level.IsManager() {
		return nil
	}
	agent.Load--
	if agent.Load < 0 {
		agent.Load = 0
	}
	if err := e.store.SetAgentLoad(ctx, agent.Tenant, agent.ID, agent.Load); err != nil {
		return err
	}
	if state := e.stateOf(agent); state != agent.State {
		return e.store.SetAgentState(ctx, agent.Tenant, agent.ID, state)
	}
	return nil
}

// promote serves pinned entries whose agent has room, then drains the
// general queue head while any agent has room.
func (e *Engine) promote(ctx context.Context, q *tenantQueue) {
	before := q.waiting()
	for agentID, list := range q.pinned {
		agent, err := e.store.GetAgent(ctx, q.name, agentID)
		if err != nil {
			continue
		}
		for len(list) > 0 && e.online(agent) && agent.HasCapacity() {
			head := list[0]
			if _, err := e.assign(ctx, q, head.session, agent, ""); err != nil {
				log.Warn().Err(err).Str("component", "assign").Str("tenant", q.name).Msg("promote pinned")
				break
			}
			if !agent.Level.IsManager() {
				agent.Load++
			}
			list = q.pinned[agentID]
		}
	}
	for len(q.general) > 0 {
		agent, err := e.pick(ctx, q.name)
		if err != nil || agent == nil {
			break
		}
		if _, err := e.assign(ctx, q, q.general[0].session, *agent, ""); err != nil {
			log.Warn().Err(err).Str("component", "assign").Str("tenant", q.name).Msg("promote queue head")
			break
		}
	}
	if q.waiting() != before {
		e.renumber(ctx, q)
	}
}

// renumber persists live queue positions and announces the queue size.
func (e *Engine) renumber(ctx context.Context, q *tenantQueue) {
	for _, ent := range q.byVisitor {
		pos := q.position(ent)
		if ent.session.QueuePosition == pos {
			continue
		}
		ent.session.QueuePosition = pos
		if err := e.store.UpdateSession(ctx, ent.session); err != nil {
			log.Warn().Err(err).Str("component", "assign").Str("session", ent.session.ID).Msg("persist queue position")
		}
	}
	e.notifier.QueueChanged(q.name, q.waiting())
}
