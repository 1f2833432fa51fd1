// Package session drives one live connection from join to disconnect and
// turns engine outcomes into pushes for the connections involved.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interdesk/internal/assign"
	"github.com/mistakeknot/interdesk/internal/auth"
	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/names"
	"github.com/mistakeknot/interdesk/internal/permission"
	"github.com/mistakeknot/interdesk/internal/presence"
	"github.com/mistakeknot/interdesk/internal/router"
	"github.com/mistakeknot/interdesk/internal/storage"
)

const opTimeout = 10 * time.Second

// errConnClosed aborts a join whose connection went away mid-flight. There
// is nobody left to report it to.
var errConnClosed = errors.New("connection closed")

// Outbox is the write side of one transport connection. Push must not
// block; a full outbox drops the push and reports false.
type Outbox interface {
	ID() string
	Push(p core.Push) bool
}

// Welcomer supplies the greeting sent when a waiting visitor is handed to
// the automated responder.
type Welcomer interface {
	Welcome(tenant string) string
}

type Config struct {
	FastPollInterval     time.Duration
	SteadyPollInterval   time.Duration
	MaxFastPolls         int
	OfflinePollThreshold int
	ReconnectGrace       time.Duration
	IdleTimeout          time.Duration
	QueueWaitTimeout     time.Duration
	ExclusiveWaitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FastPollInterval:     2 * time.Second,
		SteadyPollInterval:   15 * time.Second,
		MaxFastPolls:         10,
		OfflinePollThreshold: 10,
		ReconnectGrace:       10 * time.Second,
		IdleTimeout:          time.Minute,
		QueueWaitTimeout:     5 * time.Minute,
		ExclusiveWaitTimeout: 3 * time.Minute,
	}
}

type State int

const (
	StateConnecting State = iota
	StateJoined
	StateActive
	StateIdle
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	default:
		return "disconnected"
	}
}

func (s State) live() bool {
	return s == StateJoined || s == StateActive || s == StateIdle
}

// Conn is the manager's view of one transport connection.
type Conn struct {
	out    Outbox
	tenant string
	pinned bool

	mu           sync.Mutex
	state        State
	identity     core.Identity
	backlog      []core.Push
	blacklisted  bool
	automated    bool
	waitingSince time.Time
	emptyPolls   int
	poller       *Poller
	idle         timerHandle
	idleGen      uint64
}

func (c *Conn) ID() string { return c.out.ID() }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Identity() core.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) push(t core.EventType, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.out.Push(core.Push{Type: t, Data: data})
}

// deliver routes an addressed push. Pushes that arrive while the join is
// still resolving are held and flushed right after join_success.
func (c *Conn) deliver(p core.Push) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateConnecting && c.identity.ID != "":
		c.backlog = append(c.backlog, p)
		return true
	case c.state.live():
		return c.out.Push(p)
	}
	return false
}

func (c *Conn) stopPolling() {
	c.mu.Lock()
	p := c.poller
	c.poller = nil
	c.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

type graceTimer struct {
	handle timerHandle
	gen    uint64
}

type Deps struct {
	Store    storage.Store
	Presence *presence.Registry
	Engine   *assign.Engine
	Router   *router.Router
	Gate     *permission.Gate
	// Welcome may be nil, in which case waiting visitors stay queued and
	// are never handed to the automated responder.
	Welcome Welcomer
}

// Manager owns the connection state machine. It is the engine's Notifier,
// the router's Deliverer and a presence Observer.
type Manager struct {
	cfg      Config
	store    storage.Store
	presence *presence.Registry
	engine   *assign.Engine
	router   *router.Router
	gate     *permission.Gate
	welcome  Welcomer
	schedule scheduleFunc
	now      func() time.Time

	mu       sync.RWMutex
	conns    map[string]*Conn
	grace    map[string]graceTimer
	graceGen uint64
}

// NewManager wires itself into the engine, router and registry in deps.
// Call it before the first connection is opened.
func NewManager(cfg Config, deps Deps) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    deps.Store,
		presence: deps.Presence,
		engine:   deps.Engine,
		router:   deps.Router,
		gate:     deps.Gate,
		welcome:  deps.Welcome,
		schedule: afterFunc,
		now:      func() time.Time { return time.Now().UTC() },
		conns:    make(map[string]*Conn),
		grace:    make(map[string]graceTimer),
	}
	m.engine.WithNotifier(m)
	m.router.WithDeliverer(m)
	m.presence.Observe(m)
	return m
}

// Open registers a transport connection. pinned means tenant came from an
// API key and a join may not name another.
func (m *Manager) Open(out Outbox, tenant string, pinned bool) *Conn {
	c := &Conn{out: out, tenant: tenant, pinned: pinned, state: StateConnecting}
	m.mu.Lock()
	m.conns[out.ID()] = c
	m.mu.Unlock()
	return c
}

// Connections is the number of open transport connections.
func (m *Manager) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close moves c to disconnected. A visitor's session is kept open; a queued
// visitor keeps its place until the reconnect grace window runs out.
func (m *Manager) Close(c *Conn) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.idleGen++
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	poller := c.poller
	c.poller = nil
	c.backlog = nil
	c.mu.Unlock()
	if poller != nil {
		poller.Stop()
	}

	m.mu.Lock()
	delete(m.conns, c.ID())
	m.mu.Unlock()
	if id, ok := m.presence.Unregister(c.ID()); ok {
		log.Debug().Str("component", "session").Str("tenant", id.Tenant).Str("id", id.ID).Str("conn", c.ID()).Msg("disconnected")
	}
}

// Handle processes one inbound frame. Outcomes and failures are pushed back
// to c; Handle itself never fails.
func (m *Manager) Handle(ctx context.Context, c *Conn, f core.Frame) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if f.Type == core.EventPing {
		c.push(core.EventPong, Pong{Time: m.now().UnixMilli()})
		return
	}
	if f.Type == core.EventIdentityJoin {
		if err := m.join(ctx, c, f); err != nil && !errors.Is(err, errConnClosed) {
			m.report(c, "", err)
		}
		return
	}

	c.mu.Lock()
	live, id := c.state.live(), c.identity
	c.mu.Unlock()
	if !live {
		c.push(core.EventError, ErrorEvent{Code: "not_joined", Message: "identity_join required"})
		return
	}

	var (
		clientMsgID string
		err         error
	)
	switch f.Type {
	case core.EventSendMessage:
		m.touch(c, true)
		clientMsgID, err = m.send(ctx, c, id, f)
	case core.EventTyping:
		m.touch(c, true)
		err = m.typing(ctx, id, f)
	case core.EventGetOnlineUsers:
		m.touch(c, false)
		err = m.onlineUsers(ctx, c, id)
	case core.EventReadMessage:
		m.touch(c, false)
		err = m.markRead(ctx, id, f)
	case core.EventEndChat:
		m.touch(c, false)
		err = m.endChat(ctx, id, f)
	case core.EventAcceptQueue:
		m.touch(c, false)
		err = m.accept(ctx, id, f)
	case core.EventUpdatePriority:
		m.touch(c, false)
		err = m.updatePriority(ctx, c, id, f)
	case core.EventGetQueueStatus:
		m.touch(c, false)
		err = m.queueStatus(ctx, c, id, f)
	default:
		err = core.Invalid("unknown event %q", f.Type)
	}
	if err != nil {
		m.report(c, clientMsgID, err)
	}
}

func decode[T any](f core.Frame) (T, error) {
	var v T
	if len(f.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return v, core.Invalid("malformed %s payload", f.Type)
	}
	return v, nil
}

// report maps a failure onto the event the client understands.
func (m *Manager) report(c *Conn, clientMsgID string, err error) {
	var denied *core.DeniedError
	switch {
	case errors.As(err, &denied):
		c.push(core.EventMessageBlocked, MessageBlocked{ClientMsgID: clientMsgID, Reason: denied.Reason, AssignedAgent: denied.Assignee})
	case errors.Is(err, core.ErrBlacklisted):
		c.push(core.EventMessageBlocked, MessageBlocked{ClientMsgID: clientMsgID, Reason: "blacklisted"})
	case errors.Is(err, core.ErrPersistence):
		c.push(core.EventMessageFailed, MessageFailed{ClientMsgID: clientMsgID, Reason: "message could not be saved"})
	case errors.Is(err, core.ErrValidation):
		c.push(core.EventError, ErrorEvent{Code: "validation", Message: err.Error()})
	case errors.Is(err, core.ErrTenantMismatch):
		c.push(core.EventError, ErrorEvent{Code: "tenant_mismatch", Message: err.Error()})
	case errors.Is(err, core.ErrNotFound):
		c.push(core.EventError, ErrorEvent{Code: "not_found", Message: err.Error()})
	case errors.Is(err, core.ErrConflict):
		c.push(core.EventError, ErrorEvent{Code: "conflict", Message: err.Error()})
	default:
		log.Error().Err(err).Str("component", "session").Str("conn", c.ID()).Msg("handle event")
		c.push(core.EventError, ErrorEvent{Code: "internal", Message: "internal error"})
	}
}

func (m *Manager) join(ctx context.Context, c *Conn, f core.Frame) error {
	req, err := decode[JoinRequest](f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	joined := c.state != StateConnecting || c.identity.ID != ""
	c.mu.Unlock()
	if joined {
		return fmt.Errorf("connection already joined: %w", core.ErrConflict)
	}

	tenant := c.tenant
	if req.Tenant != "" && req.Tenant != tenant {
		if c.pinned {
			return fmt.Errorf("join tenant %q: %w", req.Tenant, core.ErrTenantMismatch)
		}
		tenant = req.Tenant
	}
	switch req.Type {
	case core.RoleAgent:
		return m.joinAgent(ctx, c, tenant, req)
	case core.RoleVisitor, "":
		return m.joinVisitor(ctx, c, tenant, req)
	default:
		return core.Invalid("unknown identity type %q", req.Type)
	}
}

func (m *Manager) joinAgent(ctx context.Context, c *Conn, tenant string, req JoinRequest) error {
	if req.ID == "" {
		return core.Invalid("agent id required")
	}
	a, err := m.store.GetAgent(ctx, tenant, req.ID)
	if err != nil {
		return err
	}
	id := core.Identity{Tenant: tenant, Role: core.RoleAgent, ID: a.ID, Name: a.Name}
	if err := m.bind(c, id); err != nil {
		return err
	}

	waiting, err := m.engine.Waiting(ctx, tenant)
	if err != nil {
		m.unbind(c)
		return err
	}
	agents, total, err := m.onlineAgents(ctx, tenant)
	if err != nil {
		m.unbind(c)
		return err
	}
	m.finishJoin(c, JoinSuccess{Identity: id, OnlineAgents: agents, TotalAgents: total, WaitingCount: len(waiting)})
	log.Info().Str("component", "session").Str("tenant", tenant).Str("agent", a.ID).Msg("agent joined")
	return nil
}

func (m *Manager) joinVisitor(ctx context.Context, c *Conn, tenant string, req JoinRequest) error {
	v, err := m.resolveVisitor(ctx, tenant, req)
	if err != nil {
		return err
	}
	id := core.Identity{Tenant: tenant, Role: core.RoleVisitor, ID: v.ID, Name: v.Name}
	if err := m.bind(c, id); err != nil {
		return err
	}
	m.stopGrace(id)

	if v.Blacklisted {
		m.joinBlacklisted(c, id, v.Token)
		return nil
	}
	res, err := m.engine.RequestAgent(ctx, assign.Request{
		Tenant:           tenant,
		VisitorID:        v.ID,
		ExclusiveAgentID: req.ExclusiveAgentID,
		Priority:         req.Priority,
	})
	if errors.Is(err, core.ErrBlacklisted) {
		m.joinBlacklisted(c, id, v.Token)
		return nil
	}
	if err != nil {
		m.unbind(c)
		return err
	}
	agents, total, err := m.onlineAgents(ctx, tenant)
	if err != nil {
		m.unbind(c)
		return err
	}

	summary := &SessionSummary{
		SessionID:   res.Session.ID,
		State:       res.Session.State,
		IsExclusive: res.Session.Exclusive,
		Queued:      res.Queued,
		Resumed:     res.Resumed,
		Automated:   res.Session.Automated,
	}
	if res.Agent != nil {
		summary.AssignedAgent = res.Agent.Public()
	}
	if res.Queued {
		summary.Position = res.Position
		summary.EstimatedWaitSeconds = res.EstimatedWaitSeconds
	}

	c.mu.Lock()
	c.automated = res.Session.Automated
	c.mu.Unlock()
	m.finishJoin(c, JoinSuccess{Identity: id, Token: v.Token, Session: summary, OnlineAgents: agents, TotalAgents: total})

	m.broadcast(tenant, core.RoleAgent, core.Push{Type: core.EventNewVisitor, Data: NewVisitor{
		Visitor:         id,
		SessionID:       res.Session.ID,
		State:           res.Session.State,
		AssignedAgentID: res.Session.AgentID,
	}}, "")

	if res.Queued {
		c.push(core.EventQueueStatus, QueueStatus{VisitorID: v.ID, Status: assign.Status{
			Queued:               true,
			Position:             res.Position,
			EstimatedWaitSeconds: res.EstimatedWaitSeconds,
			PinnedTo:             res.PinnedTo,
		}})
		if res.OfflineTip != "" {
			c.push(core.EventOfflineTip, OfflineTip{AgentID: res.PinnedTo, Message: res.OfflineTip})
		}
		m.startPolling(c)
	}
	log.Info().Str("component", "session").Str("tenant", tenant).Str("visitor", v.ID).
		Str("state", string(res.Session.State)).Bool("resumed", res.Resumed).Msg("visitor joined")
	return nil
}

func (m *Manager) joinBlacklisted(c *Conn, id core.Identity, token string) {
	c.mu.Lock()
	c.blacklisted = true
	c.mu.Unlock()
	m.finishJoin(c, JoinSuccess{Identity: id, Token: token})
	c.push(core.EventBlacklisted, Blacklisted{Reason: "visitor is blacklisted"})
}

// resolveVisitor trusts only a server-issued token. Anything else, including
// a client-chosen id, yields a fresh visitor.
func (m *Manager) resolveVisitor(ctx context.Context, tenant string, req JoinRequest) (core.Visitor, error) {
	now := m.now()
	if req.Token != "" {
		v, err := m.store.VisitorByToken(ctx, req.Token)
		switch {
		case err == nil && v.Tenant == tenant:
			if name := strings.TrimSpace(req.Name); name != "" {
				v.Name = name
			}
			if d := device(req.DeviceInfo); d != "" {
				v.Device = d
			}
			v.LastSeen = now
			return m.store.SaveVisitor(ctx, v)
		case err != nil && !errors.Is(err, core.ErrNotFound):
			return core.Visitor{}, err
		}
		log.Debug().Str("component", "session").Str("tenant", tenant).Msg("unknown visitor token")
	}
	token, err := auth.NewVisitorToken()
	if err != nil {
		return core.Visitor{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = names.Generate()
	}
	return m.store.SaveVisitor(ctx, core.Visitor{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Name:      name,
		Device:    device(req.DeviceInfo),
		Token:     token,
		CreatedAt: now,
		LastSeen:  now,
	})
}

func device(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// bind attaches id to c and registers it with presence. c stays connecting
// until finishJoin. Close marks c disconnected before unregistering, so the
// re-check after Register catches a close that raced the join.
func (m *Manager) bind(c *Conn, id core.Identity) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return errConnClosed
	}
	c.identity = id
	c.mu.Unlock()
	m.presence.Register(id, c.ID())

	c.mu.Lock()
	closed := c.state == StateDisconnected
	c.mu.Unlock()
	if closed {
		m.presence.Unregister(c.ID())
		return errConnClosed
	}
	return nil
}

func (m *Manager) unbind(c *Conn) {
	m.presence.Unregister(c.ID())
	c.mu.Lock()
	c.identity = core.Identity{}
	c.backlog = nil
	c.mu.Unlock()
}

func (m *Manager) finishJoin(c *Conn, js JoinSuccess) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return
	}
	c.state = StateJoined
	c.out.Push(core.Push{Type: core.EventJoinSuccess, Data: js})
	for _, p := range c.backlog {
		c.out.Push(p)
	}
	c.backlog = nil
}

func (m *Manager) onlineAgents(ctx context.Context, tenant string) ([]OnlineAgent, int, error) {
	agents, err := m.store.ListAgents(ctx, tenant)
	if err != nil {
		return nil, 0, err
	}
	online := make([]OnlineAgent, 0, len(agents))
	for _, a := range agents {
		if !m.presence.IsOnline(tenant, core.RoleAgent, a.ID) {
			continue
		}
		state := core.AgentOnline
		if !a.HasCapacity() {
			state = core.AgentBusy
		}
		online = append(online, OnlineAgent{AgentInfo: *a.Public(), State: state})
	}
	return online, len(agents), nil
}

// touch records inbound traffic. Only a message or typing event moves a
// freshly joined connection to active; any traffic wakes an idle one.
func (m *Manager) touch(c *Conn, activates bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateJoined:
		if !activates {
			return
		}
		c.state = StateActive
	case StateIdle:
		c.state = StateActive
	case StateActive:
	default:
		return
	}
	c.idleGen++
	gen := c.idleGen
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = m.schedule(m.cfg.IdleTimeout, func() { m.idleExpired(c, gen) })
}

func (m *Manager) idleExpired(c *Conn, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.idleGen || c.state != StateActive {
		return
	}
	c.state = StateIdle
	c.idle = nil
}

func (m *Manager) send(ctx context.Context, c *Conn, id core.Identity, f core.Frame) (string, error) {
	req, err := decode[SendRequest](f)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	blocked := c.blacklisted
	c.mu.Unlock()
	if blocked {
		return req.ClientMsgID, core.ErrBlacklisted
	}
	out, err := m.router.Send(ctx, router.Request{
		Tenant:      id.Tenant,
		FromID:      id.ID,
		FromType:    id.Role,
		ToID:        req.ToID,
		ToType:      req.ToType,
		Content:     req.Content,
		ContentType: req.ContentType,
	})
	if err != nil {
		return req.ClientMsgID, err
	}
	c.push(core.EventMessageSent, MessageSent{
		ClientMsgID: req.ClientMsgID,
		Message:     out.Message,
		Delivered:   out.Delivered,
		Automated:   out.Automated,
	})
	return req.ClientMsgID, nil
}

func (m *Manager) typing(ctx context.Context, id core.Identity, f core.Frame) error {
	req, err := decode[TypingRequest](f)
	if err != nil {
		return err
	}
	m.router.Typing(ctx, id, req.ToID, req.IsTyping)
	return nil
}

func (m *Manager) onlineUsers(ctx context.Context, c *Conn, id core.Identity) error {
	agents, total, err := m.onlineAgents(ctx, id.Tenant)
	if err != nil {
		return err
	}
	list := OnlineUsers{Agents: agents, TotalAgents: total}
	if id.Role == core.RoleAgent {
		list.Visitors = m.presence.ListOnline(id.Tenant, core.RoleVisitor)
	}
	c.push(core.EventOnlineUsersList, list)
	return nil
}

func (m *Manager) markRead(ctx context.Context, id core.Identity, f core.Frame) error {
	req, err := decode[ReadRequest](f)
	if err != nil {
		return err
	}
	_, err = m.router.MarkRead(ctx, id, req.VisitorID, req.MessageIDs)
	return err
}

func (m *Manager) endChat(ctx context.Context, id core.Identity, f core.Frame) error {
	req, err := decode[VisitorRef](f)
	if err != nil {
		return err
	}
	visitorID, reason := id.ID, assign.ReasonVisitor
	if id.Role == core.RoleAgent {
		if req.VisitorID == "" {
			return core.Invalid("visitorId required")
		}
		d, err := m.gate.CanReply(ctx, id.Tenant, id.ID, req.VisitorID)
		if err != nil {
			return err
		}
		if err := d.Err(); err != nil {
			return err
		}
		visitorID, reason = req.VisitorID, assign.ReasonAgent
	}
	_, err = m.engine.End(ctx, id.Tenant, visitorID, reason)
	return err
}

func requireAgent(id core.Identity, what string) error {
	if id.Role != core.RoleAgent {
		return core.Invalid("only agents may %s", what)
	}
	return nil
}

func (m *Manager) accept(ctx context.Context, id core.Identity, f core.Frame) error {
	if err := requireAgent(id, "accept queued visitors"); err != nil {
		return err
	}
	req, err := decode[VisitorRef](f)
	if err != nil {
		return err
	}
	if req.VisitorID == "" {
		return core.Invalid("visitorId required")
	}
	_, err = m.engine.Accept(ctx, id.Tenant, id.ID, req.VisitorID)
	return err
}

func (m *Manager) updatePriority(ctx context.Context, c *Conn, id core.Identity, f core.Frame) error {
	if err := requireAgent(id, "change queue priority"); err != nil {
		return err
	}
	req, err := decode[PriorityRequest](f)
	if err != nil {
		return err
	}
	if req.VisitorID == "" {
		return core.Invalid("visitorId required")
	}
	st, err := m.engine.SetPriority(ctx, id.Tenant, req.VisitorID, req.Priority)
	if err != nil {
		return err
	}
	p := core.Push{Type: core.EventQueueStatus, Data: QueueStatus{VisitorID: req.VisitorID, Status: st}}
	m.Deliver(id.Tenant, core.RoleVisitor, req.VisitorID, p)
	c.push(p.Type, p.Data)
	return nil
}

func (m *Manager) queueStatus(ctx context.Context, c *Conn, id core.Identity, f core.Frame) error {
	visitorID := id.ID
	if id.Role == core.RoleAgent {
		req, err := decode[VisitorRef](f)
		if err != nil {
			return err
		}
		if req.VisitorID == "" {
			return core.Invalid("visitorId required")
		}
		visitorID = req.VisitorID
	}
	st, err := m.engine.QueueStatus(ctx, id.Tenant, visitorID)
	if err != nil {
		return err
	}
	c.push(core.EventQueueStatus, QueueStatus{VisitorID: visitorID, Status: st})
	return nil
}

func (m *Manager) startPolling(c *Conn) {
	p := newPoller(m.cfg.FastPollInterval, m.cfg.SteadyPollInterval, m.cfg.MaxFastPolls, func() { m.pollTick(c) }, m.schedule)
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	old := c.poller
	c.poller = p
	c.waitingSince = m.now()
	c.emptyPolls = 0
	c.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	p.Start()
}

// pollTick pushes the visitor's place in line and counts ticks with nobody
// able to serve it. Past the offline threshold or the wait timeout the
// session is handed to the automated responder and keeps waiting.
func (m *Manager) pollTick(c *Conn) {
	c.mu.Lock()
	id, state, poller := c.identity, c.state, c.poller
	c.mu.Unlock()
	if state == StateDisconnected || poller == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	st, err := m.engine.QueueStatus(ctx, id.Tenant, id.ID)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Str("visitor", id.ID).Msg("poll queue status")
		return
	}
	if !st.Queued {
		c.stopPolling()
		return
	}
	c.push(core.EventQueueStatus, QueueStatus{VisitorID: id.ID, Status: st})

	serving := st.EstimatedWaitSeconds >= 0
	limit := m.cfg.QueueWaitTimeout
	if st.PinnedTo != "" {
		limit = m.cfg.ExclusiveWaitTimeout
	}
	c.mu.Lock()
	if serving {
		c.emptyPolls = 0
	} else {
		c.emptyPolls++
	}
	exhausted := c.emptyPolls >= m.cfg.OfflinePollThreshold || m.now().Sub(c.waitingSince) >= limit
	fallback := exhausted && !c.automated && m.welcome != nil
	if fallback {
		c.automated = true
	}
	c.mu.Unlock()

	if serving {
		poller.Steady()
	}
	if exhausted && m.welcome == nil {
		log.Debug().Err(core.ErrAssignmentExhausted).Str("component", "session").Str("visitor", id.ID).Msg("visitor stays queued")
	}
	if fallback {
		m.fallback(ctx, id)
	}
}

func (m *Manager) fallback(ctx context.Context, id core.Identity) {
	sess, err := m.engine.MarkAutomated(ctx, id.Tenant, id.ID)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Str("visitor", id.ID).Msg("mark automated")
		return
	}
	if _, err := m.router.SendAutomated(ctx, sess, m.welcome.Welcome(id.Tenant)); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("visitor", id.ID).Msg("automated welcome")
		return
	}
	log.Info().Str("component", "session").Str("tenant", id.Tenant).Str("visitor", id.ID).Msg("handed to automated responder")
}

func graceKey(id core.Identity) string {
	return id.Tenant + "\x00" + id.ID
}

func (m *Manager) startGrace(id core.Identity) {
	key := graceKey(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.grace[key]; ok {
		g.handle.Stop()
	}
	m.graceGen++
	gen := m.graceGen
	m.grace[key] = graceTimer{gen: gen, handle: m.schedule(m.cfg.ReconnectGrace, func() { m.graceExpired(id, gen) })}
}

func (m *Manager) stopGrace(id core.Identity) {
	key := graceKey(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.grace[key]; ok {
		g.handle.Stop()
		delete(m.grace, key)
	}
}

// graceExpired withdraws a queued visitor that did not come back. The
// session itself stays waiting so a later join resumes it.
func (m *Manager) graceExpired(id core.Identity, gen uint64) {
	key := graceKey(id)
	m.mu.Lock()
	g, ok := m.grace[key]
	if !ok || g.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.grace, key)
	m.mu.Unlock()
	if m.presence.IsOnline(id.Tenant, core.RoleVisitor, id.ID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := m.engine.Cancel(ctx, id.Tenant, id.ID); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("visitor", id.ID).Msg("cancel after grace")
	}
}

// Deliver pushes p to every live connection of one identity.
func (m *Manager) Deliver(tenant string, role core.Role, id string, p core.Push) bool {
	delivered := false
	for _, connID := range m.presence.Connections(tenant, role, id) {
		m.mu.RLock()
		c := m.conns[connID]
		m.mu.RUnlock()
		if c != nil && c.deliver(p) {
			delivered = true
		}
	}
	return delivered
}

func (m *Manager) broadcast(tenant string, role core.Role, p core.Push, skipID string) {
	for _, id := range m.presence.ListOnline(tenant, role) {
		if id.ID == skipID {
			continue
		}
		m.Deliver(tenant, role, id.ID, p)
	}
}

func (m *Manager) visitorConns(tenant, visitorID string) []*Conn {
	ids := m.presence.Connections(tenant, core.RoleVisitor, visitorID)
	out := make([]*Conn, 0, len(ids))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range ids {
		if c := m.conns[id]; c != nil {
			out = append(out, c)
		}
	}
	return out
}

// PresenceChanged announces agents coming and going and starts the
// reconnect grace window for a visitor whose last connection closed.
func (m *Manager) PresenceChanged(ch presence.Change) {
	id := ch.Identity
	ev := PresenceEvent{ID: id.ID, Role: id.Role, Name: id.Name}
	switch {
	case id.Role == core.RoleAgent && ch.Online:
		p := core.Push{Type: core.EventAgentOnline, Data: ev}
		m.broadcast(id.Tenant, core.RoleVisitor, p, "")
		m.broadcast(id.Tenant, core.RoleAgent, p, id.ID)
	case id.Role == core.RoleAgent:
		p := core.Push{Type: core.EventUserOffline, Data: ev}
		m.broadcast(id.Tenant, core.RoleVisitor, p, "")
		m.broadcast(id.Tenant, core.RoleAgent, p, id.ID)
	case id.Role == core.RoleVisitor && !ch.Online:
		m.broadcast(id.Tenant, core.RoleAgent, core.Push{Type: core.EventUserOffline, Data: ev}, "")
		m.startGrace(id)
	}
}

// Assigned tells the visitor and both agents involved about a new
// assignment and stops the visitor's queue polling.
func (m *Manager) Assigned(s core.Session, agent core.Agent, prevAgentID string) {
	m.gate.Invalidate(s.Tenant, s.VisitorID)
	p := core.Push{Type: core.EventAssignmentChanged, Data: AssignmentEvent{
		SessionID:       s.ID,
		VisitorID:       s.VisitorID,
		Agent:           agent.Public(),
		PreviousAgentID: prevAgentID,
		IsExclusive:     s.Exclusive,
	}}
	m.Deliver(s.Tenant, core.RoleVisitor, s.VisitorID, p)
	m.Deliver(s.Tenant, core.RoleAgent, agent.ID, p)
	if prevAgentID != "" && prevAgentID != agent.ID {
		m.Deliver(s.Tenant, core.RoleAgent, prevAgentID, p)
	}
	for _, c := range m.visitorConns(s.Tenant, s.VisitorID) {
		c.stopPolling()
	}
}

func (m *Manager) SessionEnded(s core.Session, reason string) {
	m.gate.Invalidate(s.Tenant, s.VisitorID)
	ev := EndedEvent{SessionID: s.ID, VisitorID: s.VisitorID, AgentID: s.AgentID, Reason: reason}
	typ := core.EventChatEnded
	if reason == assign.ReasonTimeout {
		typ = core.EventSessionTimeout
	}
	conns := m.visitorConns(s.Tenant, s.VisitorID)
	for _, c := range conns {
		c.stopPolling()
	}
	if reason == assign.ReasonBlacklisted {
		for _, c := range conns {
			c.mu.Lock()
			c.blacklisted = true
			c.mu.Unlock()
		}
		m.Deliver(s.Tenant, core.RoleVisitor, s.VisitorID, core.Push{Type: core.EventBlacklisted, Data: Blacklisted{Reason: "visitor is blacklisted"}})
	} else {
		m.Deliver(s.Tenant, core.RoleVisitor, s.VisitorID, core.Push{Type: typ, Data: ev})
	}
	if s.AgentID != "" {
		m.Deliver(s.Tenant, core.RoleAgent, s.AgentID, core.Push{Type: typ, Data: ev})
	}
	m.broadcast(s.Tenant, core.RoleAgent, core.Push{Type: core.EventSessionEnded, Data: ev}, "")
}

func (m *Manager) QueueChanged(tenant string, waiting int) {
	m.broadcast(tenant, core.RoleAgent, core.Push{Type: core.EventQueueUpdate, Data: QueueUpdate{WaitingCount: waiting}}, "")
}
