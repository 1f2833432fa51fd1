package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/permission"
	"github.com/mistakeknot/interdesk/internal/presence"
	"github.com/mistakeknot/interdesk/internal/storage"
)

type delivery struct {
	role core.Role
	id   string
	push core.Push
}

type sink struct {
	mu  sync.Mutex
	got []delivery
	reg *presence.Registry
}

func (s *sink) Deliver(tenant string, role core.Role, id string, p core.Push) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, delivery{role: role, id: id, push: p})
	return s.reg.IsOnline(tenant, role, id)
}

func (s *sink) to(role core.Role, id string, typ core.EventType) []core.Push {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Push
	for _, d := range s.got {
		if d.role == role && d.id == id && d.push.Type == typ {
			out = append(out, d.push)
		}
	}
	return out
}

type cannedResponder struct {
	reply string
	seen  []bool
}

func (c *cannedResponder) Reply(_ context.Context, _, _ string, agentsOnline bool) (string, bool, error) {
	c.seen = append(c.seen, agentsOnline)
	return c.reply, c.reply != "", nil
}

type failingStore struct {
	*storage.InMemory
}

func (failingStore) AppendMessage(context.Context, core.Message) error {
	return errors.New("disk full")
}

type fixture struct {
	ctx   context.Context
	store *storage.InMemory
	reg   *presence.Registry
	sink  *sink
	resp  *cannedResponder
	r     *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewInMemory()
	reg := presence.NewRegistry()
	for _, a := range []core.Agent{
		{ID: "a", Tenant: "acme", Name: "Ann", Level: core.LevelService, Capacity: 2},
		{ID: "b", Tenant: "acme", Name: "Bob", Level: core.LevelService, Capacity: 2},
		{ID: "m", Tenant: "acme", Name: "Meg", Level: core.LevelManager},
	} {
		_, err := st.SaveAgent(ctx, a)
		require.NoError(t, err)
	}
	_, err := st.SaveVisitor(ctx, core.Visitor{ID: "v", Tenant: "acme", Name: "Vee"})
	require.NoError(t, err)
	s := &sink{reg: reg}
	resp := &cannedResponder{}
	r := New(st, reg, permission.NewGate(st, time.Minute, 0)).WithDeliverer(s).WithResponder(resp)
	return &fixture{ctx: ctx, store: st, reg: reg, sink: s, resp: resp, r: r}
}

func (f *fixture) session(t *testing.T, state core.SessionState, agentID string) core.Session {
	t.Helper()
	s, err := f.store.CreateSession(f.ctx, core.Session{ID: "s", Tenant: "acme", VisitorID: "v", State: state, AgentID: agentID})
	require.NoError(t, err)
	return s
}

func TestVisitorMessageReachesAssignee(t *testing.T) {
	f := newFixture(t)
	f.session(t, core.SessionAssigned, "a")
	f.reg.Register(core.Identity{Tenant: "acme", Role: core.RoleAgent, ID: "a"}, "c1")

	out, err := f.r.Send(f.ctx, Request{Tenant: "acme", FromID: "v", FromType: core.RoleVisitor, ToID: "b", Content: "hello"})
	require.NoError(t, err)
	require.True(t, out.Delivered)
	require.Nil(t, out.Automated)
	require.Equal(t, "a", out.Message.RecipientID)
	require.Len(t, f.sink.to(core.RoleAgent, "a", core.EventReceiveMessage), 1)
	require.Empty(t, f.sink.to(core.RoleAgent, "b", core.EventReceiveMessage))

	sess, err := f.store.GetSession(f.ctx, "s")
	require.NoError(t, err)
	require.Equal(t, core.SessionActive, sess.State)
}

func TestVisitorWithoutAgentGetsAutomatedReply(t *testing.T) {
	f := newFixture(t)
	f.session(t, core.SessionWaiting, "")
	f.resp.reply = "We are away right now."

	out, err := f.r.Send(f.ctx, Request{Tenant: "acme", FromID: "v", FromType: core.RoleVisitor, Content: "anyone?"})
	require.NoError(t, err)
	require.NotNil(t, out.Automated)
	require.Equal(t, core.SenderAutomated, out.Automated.SenderType)
	require.Equal(t, []bool{false}, f.resp.seen)

	msgs, err := f.store.ListMessages(f.ctx, "s", storage.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Len(t, f.sink.to(core.RoleVisitor, "v", core.EventReceiveMessage), 1)
}

func TestAgentSendIsPermissionGated(t *testing.T) {
	f := newFixture(t)
	f.session(t, core.SessionAssigned, "a")

	_, err := f.r.Send(f.ctx, Request{Tenant: "acme", FromID: "b", FromType: core.RoleAgent, ToID: "v", Content: "hi"})
	var denied *core.DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "a", denied.Assignee.ID)
	n, _ := f.store.CountMessages(f.ctx, "s")
	require.Zero(t, n)

	out, err := f.r.Send(f.ctx, Request{Tenant: "acme", FromID: "m", FromType: core.RoleAgent, ToID: "v", Content: "manager here"})
	require.NoError(t, err)
	require.Equal(t, core.SenderAgent, out.Message.SenderType)
	require.False(t, out.Delivered)

	_, err = f.r.Send(f.ctx, Request{Tenant: "acme", FromID: "a", FromType: core.RoleAgent, ToID: "v", Content: "hi"})
	require.NoError(t, err)
	n, _ = f.store.CountMessages(f.ctx, "s")
	require.Equal(t, 2, n)
}

func TestBlacklistedVisitorCannotSend(t *testing.T) {
	f := newFixture(t)
	f.session(t, core.SessionAssigned, "a")
	require.NoError(t, f.store.SetBlacklisted(f.ctx, "acme", "v", true))

	_, err := f.r.Send(f.ctx, Request{Tenant: "acme", FromID: "v", FromType: core.RoleVisitor, Content: "hi"})
	require.ErrorIs(t, err, core.ErrBlacklisted)
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	f.session(t, core.SessionAssigned, "a")
	for _, req := range []Request{
		{Tenant: "acme", FromID: "v", FromType: core.RoleVisitor, Content: "   "},
		{Tenant: "acme", FromID: "v", FromType: core.RoleVisitor, Content: "x", ContentType: "video"},
		{Tenant: "acme", FromID: "v", FromType: "robot", Content: "x"},
		{Tenant: "acme", FromID: "a", FromType: core.RoleAgent, Content: "x"},
	} {
		_, err := f.r.Send(f.ctx, req)
		require.ErrorIs(t, err, core.ErrValidation, "%+v", req)
	}
}

func TestPersistenceFailureDeliversNothing(t *testing.T) {
	f := newFixture(t)
	f.session(t, core.SessionAssigned, "a")
	f.reg.Register(core.Identity{Tenant: "acme", Role: core.RoleAgent, ID: "a"}, "c1")
	r := New(failingStore{f.store}, f.reg, permission.NewGate(f.store, time.Minute, 0)).WithDeliverer(f.sink)

	_, err := r.Send(f.ctx, Request{Tenant: "acme", FromID: "v", FromType: core.RoleVisitor, Content: "hi"})
	require.ErrorIs(t, err, core.ErrPersistence)
	require.Empty(t, f.sink.to(core.RoleAgent, "a", core.EventReceiveMessage))
}

func TestTypingIsForwardedNotPersisted(t *testing.T) {
	f := newFixture(t)
	f.session(t, core.SessionAssigned, "a")

	f.r.Typing(f.ctx, core.Identity{Tenant: "acme", Role: core.RoleVisitor, ID: "v"}, "", true)
	f.r.Typing(f.ctx, core.Identity{Tenant: "acme", Role: core.RoleAgent, ID: "b"}, "v", true)
	f.r.Typing(f.ctx, core.Identity{Tenant: "acme", Role: core.RoleAgent, ID: "a"}, "v", true)

	require.Len(t, f.sink.to(core.RoleAgent, "a", core.EventUserTyping), 1)
	require.Len(t, f.sink.to(core.RoleVisitor, "v", core.EventUserTyping), 1)
	n, _ := f.store.CountMessages(f.ctx, "s")
	require.Zero(t, n)
}

func TestMarkReadNotifiesOtherParty(t *testing.T) {
	f := newFixture(t)
	f.session(t, core.SessionAssigned, "a")
	out, err := f.r.Send(f.ctx, Request{Tenant: "acme", FromID: "a", FromType: core.RoleAgent, ToID: "v", Content: "hello"})
	require.NoError(t, err)

	ev, err := f.r.MarkRead(f.ctx, core.Identity{Tenant: "acme", Role: core.RoleVisitor, ID: "v"}, "", nil)
	require.NoError(t, err)
	require.Equal(t, []string{out.Message.ID}, ev.MessageIDs)
	require.Len(t, f.sink.to(core.RoleAgent, "a", core.EventMessageRead), 1)

	ev, err = f.r.MarkRead(f.ctx, core.Identity{Tenant: "acme", Role: core.RoleVisitor, ID: "v"}, "", nil)
	require.NoError(t, err)
	require.Empty(t, ev.MessageIDs)
}
