package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interdesk/internal/assign"
	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/permission"
	"github.com/mistakeknot/interdesk/internal/presence"
	"github.com/mistakeknot/interdesk/internal/responder"
	"github.com/mistakeknot/interdesk/internal/router"
	"github.com/mistakeknot/interdesk/internal/storage"
)

const tenant = "acme"

type fakeOutbox struct {
	id     string
	mu     sync.Mutex
	pushes []core.Push
}

func (o *fakeOutbox) ID() string { return o.id }

func (o *fakeOutbox) Push(p core.Push) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pushes = append(o.pushes, p)
	return true
}

func (o *fakeOutbox) events() []core.EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]core.EventType, len(o.pushes))
	for i, p := range o.pushes {
		out[i] = p.Type
	}
	return out
}

func (o *fakeOutbox) last(t core.EventType) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.pushes) - 1; i >= 0; i-- {
		if o.pushes[i].Type == t {
			return o.pushes[i].Data, true
		}
	}
	return nil, false
}

func (o *fakeOutbox) has(t core.EventType) bool {
	_, ok := o.last(t)
	return ok
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *storage.InMemory
	reg    *presence.Registry
	engine *assign.Engine
	mgr    *Manager
	clock  *manualClock
	seq    int
}

func newFixture(t *testing.T, cfg Config, welcome bool) *fixture {
	t.Helper()
	st := storage.NewInMemory()
	return newFixtureWith(t, cfg, welcome, st, st)
}

// newFixtureWith lets the manager read through view while the engine and
// helpers use st directly.
func newFixtureWith(t *testing.T, cfg Config, welcome bool, st *storage.InMemory, view storage.Store) *fixture {
	t.Helper()
	reg := presence.NewRegistry()
	gate := permission.NewGate(st, time.Second, 128)
	eng := assign.NewEngine(st, reg)
	t.Cleanup(eng.Close)
	kb := responder.New()
	rtr := router.New(st, reg, gate).WithResponder(kb)
	deps := Deps{Store: view, Presence: reg, Engine: eng, Router: rtr, Gate: gate}
	if welcome {
		deps.Welcome = kb
	}
	mgr := NewManager(cfg, deps)
	clock := newManualClock()
	mgr.schedule = clock.schedule
	mgr.now = clock.Now
	return &fixture{t: t, ctx: context.Background(), store: st, reg: reg, engine: eng, mgr: mgr, clock: clock}
}

func frame(t *testing.T, typ core.EventType, v any) core.Frame {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return core.Frame{Type: typ, Data: data}
}

func (f *fixture) open() (*Conn, *fakeOutbox) {
	f.seq++
	out := &fakeOutbox{id: fmt.Sprintf("conn-%d", f.seq)}
	return f.mgr.Open(out, tenant, false), out
}

func (f *fixture) agent(id string, capacity int, level core.Level) {
	_, err := f.store.SaveAgent(f.ctx, core.Agent{ID: id, Tenant: tenant, Name: "Agent " + id, Level: level, Capacity: capacity, State: core.AgentOffline})
	require.NoError(f.t, err)
}

func (f *fixture) joinAgent(id string) (*Conn, *fakeOutbox) {
	c, out := f.open()
	f.mgr.Handle(f.ctx, c, frame(f.t, core.EventIdentityJoin, JoinRequest{ID: id, Type: core.RoleAgent}))
	require.True(f.t, out.has(core.EventJoinSuccess), "agent join: %v", out.events())
	return c, out
}

func (f *fixture) joinVisitor(req JoinRequest) (*Conn, *fakeOutbox, JoinSuccess) {
	c, out := f.open()
	req.Type = core.RoleVisitor
	f.mgr.Handle(f.ctx, c, frame(f.t, core.EventIdentityJoin, req))
	data, ok := out.last(core.EventJoinSuccess)
	require.True(f.t, ok, "visitor join: %v", out.events())
	return c, out, data.(JoinSuccess)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestVisitorJoinAssignsOnlineAgent(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	f.agent("a1", 2, core.LevelService)
	_, agentOut := f.joinAgent("a1")

	c, _, js := f.joinVisitor(JoinRequest{Name: "Ada"})
	require.NotEmpty(t, js.Token)
	require.Equal(t, "Ada", js.Identity.Name)
	require.NotNil(t, js.Session)
	require.Equal(t, core.SessionAssigned, js.Session.State)
	require.Equal(t, "a1", js.Session.AssignedAgent.ID)
	require.Len(t, js.OnlineAgents, 1)
	require.Equal(t, 1, js.TotalAgents)
	require.Equal(t, StateJoined, c.State())

	eventually(t, func() bool { return agentOut.has(core.EventAssignmentChanged) && agentOut.has(core.EventNewVisitor) }, "agent notified")
}

func TestAnonymousVisitorGetsGeneratedName(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	_, _, js := f.joinVisitor(JoinRequest{})
	require.NotEmpty(t, js.Identity.Name)
}

func TestQueuedVisitorPromotedWhenAgentJoins(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	f.agent("a1", 1, core.LevelService)

	c, out, js := f.joinVisitor(JoinRequest{Name: "Bo"})
	require.True(t, js.Session.Queued)
	require.Equal(t, 1, js.Session.Position)
	require.True(t, out.has(core.EventQueueStatus))
	require.Equal(t, 1, f.clock.pending(), "fast poller armed")

	f.joinAgent("a1")
	eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.poller == nil
	}, "polling stops once assigned")
	data, ok := out.last(core.EventAssignmentChanged)
	require.True(t, ok)
	require.Equal(t, "a1", data.(AssignmentEvent).Agent.ID)
}

func TestExclusiveOfflineAgentSendsTip(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	f.agent("a1", 1, core.LevelService)
	f.agent("a2", 1, core.LevelService)
	f.joinAgent("a2")

	_, out, js := f.joinVisitor(JoinRequest{ExclusiveAgentID: "a1"})
	require.True(t, js.Session.Queued)
	require.True(t, js.Session.IsExclusive)
	data, ok := out.last(core.EventOfflineTip)
	require.True(t, ok)
	require.Equal(t, "a1", data.(OfflineTip).AgentID)
	st, _ := out.last(core.EventQueueStatus)
	require.Equal(t, "a1", st.(QueueStatus).PinnedTo)
}

func TestTokenResumesVisitor(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	f.agent("a1", 1, core.LevelService)
	f.joinAgent("a1")

	c, _, first := f.joinVisitor(JoinRequest{Name: "Cy"})
	f.mgr.Close(c)

	_, _, again := f.joinVisitor(JoinRequest{Token: first.Token})
	require.Equal(t, first.Identity.ID, again.Identity.ID)
	require.True(t, again.Session.Resumed)
	require.Equal(t, first.Session.SessionID, again.Session.SessionID)

	_, _, spoofed := f.joinVisitor(JoinRequest{ID: first.Identity.ID})
	require.NotEqual(t, first.Identity.ID, spoofed.Identity.ID, "client ids are not trusted")
}

func TestOfflineFallbackAfterEmptyPolls(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OfflinePollThreshold = 3
	f := newFixture(t, cfg, true)
	f.agent("a1", 1, core.LevelService)

	_, out, js := f.joinVisitor(JoinRequest{})
	require.True(t, js.Session.Queued)

	f.clock.Advance(2 * cfg.FastPollInterval)
	require.False(t, out.has(core.EventReceiveMessage))

	f.clock.Advance(cfg.FastPollInterval)
	data, ok := out.last(core.EventReceiveMessage)
	require.True(t, ok, "welcome after threshold: %v", out.events())
	msg := data.(core.Message)
	require.Equal(t, core.SenderAutomated, msg.SenderType)

	sess, err := f.store.OpenSession(f.ctx, tenant, js.Identity.ID)
	require.NoError(t, err)
	require.True(t, sess.Automated)
	require.Equal(t, core.SessionWaiting, sess.State)

	st, err := f.engine.QueueStatus(f.ctx, tenant, js.Identity.ID)
	require.NoError(t, err)
	require.True(t, st.Queued, "automated visitors stay queued for a human")

	f.clock.Advance(10 * cfg.SteadyPollInterval)
	n := 0
	for _, e := range out.events() {
		if e == core.EventReceiveMessage {
			n++
		}
	}
	require.Equal(t, 1, n, "welcome is sent once")
}

func TestNoResponderKeepsVisitorQueued(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OfflinePollThreshold = 2
	f := newFixture(t, cfg, false)

	_, out, js := f.joinVisitor(JoinRequest{})
	f.clock.Advance(5 * cfg.FastPollInterval)
	require.False(t, out.has(core.EventReceiveMessage))
	st, err := f.engine.QueueStatus(f.ctx, tenant, js.Identity.ID)
	require.NoError(t, err)
	require.True(t, st.Queued)
}

func TestGraceExpiryCancelsQueueEntry(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg, false)

	c, _, js := f.joinVisitor(JoinRequest{})
	f.mgr.Close(c)

	f.clock.Advance(cfg.ReconnectGrace - time.Second)
	st, err := f.engine.QueueStatus(f.ctx, tenant, js.Identity.ID)
	require.NoError(t, err)
	require.True(t, st.Queued)

	f.clock.Advance(time.Second)
	st, err = f.engine.QueueStatus(f.ctx, tenant, js.Identity.ID)
	require.NoError(t, err)
	require.False(t, st.Queued)

	sess, err := f.store.OpenSession(f.ctx, tenant, js.Identity.ID)
	require.NoError(t, err)
	require.Equal(t, core.SessionWaiting, sess.State, "session survives for a later resume")
}

func TestReconnectWithinGraceKeepsPlace(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg, false)

	c, _, js := f.joinVisitor(JoinRequest{})
	f.mgr.Close(c)
	f.clock.Advance(cfg.ReconnectGrace / 2)

	_, _, again := f.joinVisitor(JoinRequest{Token: js.Token})
	require.True(t, again.Session.Queued)
	require.Equal(t, 1, again.Session.Position)

	f.clock.Advance(cfg.ReconnectGrace)
	st, err := f.engine.QueueStatus(f.ctx, tenant, js.Identity.ID)
	require.NoError(t, err)
	require.True(t, st.Queued)
}

func TestEventsBeforeJoinRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	c, out := f.open()
	f.mgr.Handle(f.ctx, c, frame(t, core.EventSendMessage, SendRequest{Content: "hi"}))
	data, ok := out.last(core.EventError)
	require.True(t, ok)
	require.Equal(t, "not_joined", data.(ErrorEvent).Code)

	f.mgr.Handle(f.ctx, c, core.Frame{Type: core.EventPing})
	require.True(t, out.has(core.EventPong))
}

func TestMalformedPayloadIsValidationError(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	c, out := f.open()
	f.mgr.Handle(f.ctx, c, core.Frame{Type: core.EventIdentityJoin, Data: json.RawMessage(`{"name": 5}`)})
	data, ok := out.last(core.EventError)
	require.True(t, ok)
	require.Equal(t, "validation", data.(ErrorEvent).Code)
	require.Equal(t, StateConnecting, c.State())
}

func TestPinnedTenantRejectsOtherTenant(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	out := &fakeOutbox{id: "pinned"}
	c := f.mgr.Open(out, tenant, true)
	f.mgr.Handle(f.ctx, c, frame(t, core.EventIdentityJoin, JoinRequest{Tenant: "other"}))
	data, ok := out.last(core.EventError)
	require.True(t, ok)
	require.Equal(t, "tenant_mismatch", data.(ErrorEvent).Code)
}

func TestMessageRoundTrip(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	f.agent("a1", 1, core.LevelService)
	ac, agentOut := f.joinAgent("a1")
	vc, visitorOut, js := f.joinVisitor(JoinRequest{})

	f.mgr.Handle(f.ctx, vc, frame(t, core.EventSendMessage, SendRequest{ClientMsgID: "c1", Content: "hello"}))
	data, ok := visitorOut.last(core.EventMessageSent)
	require.True(t, ok, "%v", visitorOut.events())
	sent := data.(MessageSent)
	require.Equal(t, "c1", sent.ClientMsgID)
	require.True(t, sent.Delivered)
	require.True(t, agentOut.has(core.EventReceiveMessage))
	require.Equal(t, StateActive, vc.State())

	f.mgr.Handle(f.ctx, ac, frame(t, core.EventSendMessage, SendRequest{ToID: js.Identity.ID, Content: "hi there"}))
	data, ok = visitorOut.last(core.EventReceiveMessage)
	require.True(t, ok)
	require.Equal(t, "hi there", data.(core.Message).Content)
}

func TestUnassignedAgentMessageBlocked(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	f.agent("a1", 1, core.LevelService)
	f.agent("a2", 1, core.LevelService)
	f.joinAgent("a1")
	_, _, js := f.joinVisitor(JoinRequest{})
	require.Equal(t, "a1", js.Session.AssignedAgent.ID)

	c2, out2 := f.joinAgent("a2")
	f.mgr.Handle(f.ctx, c2, frame(t, core.EventSendMessage, SendRequest{ClientMsgID: "x", ToID: js.Identity.ID, Content: "let me help"}))
	data, ok := out2.last(core.EventMessageBlocked)
	require.True(t, ok, "%v", out2.events())
	blocked := data.(MessageBlocked)
	require.Equal(t, "x", blocked.ClientMsgID)
	require.Equal(t, "a1", blocked.AssignedAgent.ID)

	sess, err := f.store.OpenSession(f.ctx, tenant, js.Identity.ID)
	require.NoError(t, err)
	n, err := f.store.CountMessages(f.ctx, sess.ID)
	require.NoError(t, err)
	require.Zero(t, n, "denied message is not persisted")
}

func TestIdleTimerTransitions(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg, false)
	f.agent("a1", 1, core.LevelService)
	f.joinAgent("a1")
	vc, _, _ := f.joinVisitor(JoinRequest{})

	f.mgr.Handle(f.ctx, vc, core.Frame{Type: core.EventGetQueueStatus})
	require.Equal(t, StateJoined, vc.State(), "only chat traffic activates")

	f.mgr.Handle(f.ctx, vc, frame(t, core.EventTyping, TypingRequest{IsTyping: true}))
	require.Equal(t, StateActive, vc.State())

	f.clock.Advance(cfg.IdleTimeout)
	require.Equal(t, StateIdle, vc.State())

	f.mgr.Handle(f.ctx, vc, core.Frame{Type: core.EventGetQueueStatus})
	require.Equal(t, StateActive, vc.State())

	f.mgr.Close(vc)
	require.Equal(t, StateDisconnected, vc.State())
	f.clock.Advance(cfg.IdleTimeout)
	require.Equal(t, StateDisconnected, vc.State())
}

func TestBlacklistedVisitor(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	_, err := f.store.SaveVisitor(f.ctx, core.Visitor{ID: "v1", Tenant: tenant, Name: "Eve", Token: "tok-1", Blacklisted: true})
	require.NoError(t, err)

	c, out, js := f.joinVisitor(JoinRequest{Token: "tok-1"})
	require.Equal(t, "v1", js.Identity.ID)
	require.Nil(t, js.Session)
	require.True(t, out.has(core.EventBlacklisted))

	f.mgr.Handle(f.ctx, c, frame(t, core.EventSendMessage, SendRequest{Content: "spam"}))
	data, ok := out.last(core.EventMessageBlocked)
	require.True(t, ok)
	require.Equal(t, "blacklisted", data.(MessageBlocked).Reason)

	_, err = f.store.OpenSession(f.ctx, tenant, "v1")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestEndChatNotifiesBothParties(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	f.agent("a1", 1, core.LevelService)
	ac, agentOut := f.joinAgent("a1")
	_, visitorOut, js := f.joinVisitor(JoinRequest{})

	f.mgr.Handle(f.ctx, ac, frame(t, core.EventEndChat, VisitorRef{VisitorID: js.Identity.ID}))
	data, ok := visitorOut.last(core.EventChatEnded)
	require.True(t, ok, "%v", visitorOut.events())
	require.Equal(t, assign.ReasonAgent, data.(EndedEvent).Reason)
	require.True(t, agentOut.has(core.EventChatEnded))
	require.True(t, agentOut.has(core.EventSessionEnded))

	a, err := f.store.GetAgent(f.ctx, tenant, "a1")
	require.NoError(t, err)
	require.Zero(t, a.Load)
}

func TestAgentOnlyEvents(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	vc, out, js := f.joinVisitor(JoinRequest{})

	f.mgr.Handle(f.ctx, vc, frame(t, core.EventUpdatePriority, PriorityRequest{VisitorID: js.Identity.ID, Priority: 2}))
	data, ok := out.last(core.EventError)
	require.True(t, ok)
	require.Equal(t, "validation", data.(ErrorEvent).Code)
}

func TestUpdatePriorityPushesStatus(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	f.agent("a1", 0, core.LevelService)
	ac, agentOut := f.joinAgent("a1")
	_, visitorOut, js := f.joinVisitor(JoinRequest{})
	require.True(t, js.Session.Queued)

	f.mgr.Handle(f.ctx, ac, frame(t, core.EventUpdatePriority, PriorityRequest{VisitorID: js.Identity.ID, Priority: 2}))
	require.True(t, agentOut.has(core.EventQueueStatus), "%v", agentOut.events())
	data, ok := visitorOut.last(core.EventQueueStatus)
	require.True(t, ok)
	require.Equal(t, 1, data.(QueueStatus).Position)
}

func TestAgentPresenceBroadcast(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	f.agent("a1", 1, core.LevelService)
	_, visitorOut, _ := f.joinVisitor(JoinRequest{})

	ac, _ := f.joinAgent("a1")
	data, ok := visitorOut.last(core.EventAgentOnline)
	require.True(t, ok)
	require.Equal(t, "a1", data.(PresenceEvent).ID)

	f.mgr.Close(ac)
	require.True(t, visitorOut.has(core.EventUserOffline))
}

func TestOnlineUsersListsVisitorsToAgentsOnly(t *testing.T) {
	f := newFixture(t, DefaultConfig(), false)
	f.agent("a1", 1, core.LevelService)
	ac, agentOut := f.joinAgent("a1")
	vc, visitorOut, _ := f.joinVisitor(JoinRequest{})

	f.mgr.Handle(f.ctx, ac, core.Frame{Type: core.EventGetOnlineUsers})
	data, ok := agentOut.last(core.EventOnlineUsersList)
	require.True(t, ok)
	require.Len(t, data.(OnlineUsers).Visitors, 1)

	f.mgr.Handle(f.ctx, vc, core.Frame{Type: core.EventGetOnlineUsers})
	data, ok = visitorOut.last(core.EventOnlineUsersList)
	require.True(t, ok)
	require.Empty(t, data.(OnlineUsers).Visitors)
	require.Len(t, data.(OnlineUsers).Agents, 1)
}

// closingStore runs onRead inside the lookups a join waits on.
type closingStore struct {
	*storage.InMemory
	onRead func()
}

func (s *closingStore) GetAgent(ctx context.Context, tenant, id string) (core.Agent, error) {
	if s.onRead != nil {
		s.onRead()
	}
	return s.InMemory.GetAgent(ctx, tenant, id)
}

func (s *closingStore) SaveVisitor(ctx context.Context, v core.Visitor) (core.Visitor, error) {
	if s.onRead != nil {
		s.onRead()
	}
	return s.InMemory.SaveVisitor(ctx, v)
}

func TestCloseDuringAgentJoinLeavesNoPresence(t *testing.T) {
	st := storage.NewInMemory()
	cs := &closingStore{InMemory: st}
	f := newFixtureWith(t, DefaultConfig(), false, st, cs)
	f.agent("a1", 2, core.LevelService)

	c, out := f.open()
	cs.onRead = func() { f.mgr.Close(c) }
	f.mgr.Handle(f.ctx, c, frame(t, core.EventIdentityJoin, JoinRequest{ID: "a1", Type: core.RoleAgent}))
	cs.onRead = nil

	require.Equal(t, StateDisconnected, c.State())
	require.False(t, out.has(core.EventJoinSuccess))
	require.False(t, out.has(core.EventError))
	require.False(t, f.reg.IsOnline(tenant, core.RoleAgent, "a1"))
	require.Empty(t, f.reg.Connections(tenant, core.RoleAgent, "a1"))

	_, _, js := f.joinVisitor(JoinRequest{Name: "Vi"})
	require.True(t, js.Session.Queued)
	require.Nil(t, js.Session.AssignedAgent)
}

func TestCloseDuringVisitorJoinLeavesNoPresence(t *testing.T) {
	st := storage.NewInMemory()
	cs := &closingStore{InMemory: st}
	f := newFixtureWith(t, DefaultConfig(), false, st, cs)

	c, out := f.open()
	cs.onRead = func() { f.mgr.Close(c) }
	f.mgr.Handle(f.ctx, c, frame(t, core.EventIdentityJoin, JoinRequest{Name: "Vi", Type: core.RoleVisitor}))
	cs.onRead = nil

	require.False(t, out.has(core.EventJoinSuccess))
	require.Zero(t, f.reg.Count(tenant, core.RoleVisitor))
	waiting, err := f.engine.Waiting(f.ctx, tenant)
	require.NoError(t, err)
	require.Empty(t, waiting)
}
