package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interdesk/internal/assign"
	"github.com/mistakeknot/interdesk/internal/auth"
	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/history"
	"github.com/mistakeknot/interdesk/internal/permission"
	"github.com/mistakeknot/interdesk/internal/presence"
	"github.com/mistakeknot/interdesk/internal/storage"
)

type testEnv struct {
	t     *testing.T
	srv   *httptest.Server
	store *storage.InMemory
	reg   *presence.Registry
	eng   *assign.Engine
}

type fixedConns int

func (n fixedConns) Connections() int { return int(n) }

func newTestEnv(t *testing.T, ring *auth.Keyring) *testEnv {
	t.Helper()
	st := storage.NewInMemory()
	reg := presence.NewRegistry()
	eng := assign.NewEngine(st, reg)
	t.Cleanup(eng.Close)
	gate := permission.NewGate(st, time.Second, 64)
	svc := NewService(st, eng, gate, history.NewPager(st, 2, 10)).WithConnections(fixedConns(3))
	srv := httptest.NewServer(NewRouter(svc, nil, auth.Middleware(ring)))
	t.Cleanup(srv.Close)
	return &testEnv{t: t, srv: srv, store: st, reg: reg, eng: eng}
}

// call issues a request and decodes the envelope, with data left raw.
func (e *testEnv) call(method, path string, body any) (int, Envelope, json.RawMessage) {
	e.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(e.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var env struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, Envelope{Code: env.Code, Msg: env.Msg}, env.Data
}

func (e *testEnv) agent(id string, capacity int) {
	e.t.Helper()
	_, err := e.store.SaveAgent(context.Background(), core.Agent{ID: id, Tenant: "acme", Name: "Agent " + id, Level: core.LevelService, Capacity: capacity})
	require.NoError(e.t, err)
}

func (e *testEnv) assigned(visitorID, agentID string) core.Session {
	e.t.Helper()
	ctx := context.Background()
	_, err := e.store.SaveVisitor(ctx, core.Visitor{ID: visitorID, Tenant: "acme", Name: visitorID})
	require.NoError(e.t, err)
	e.reg.Register(core.Identity{Tenant: "acme", Role: core.RoleAgent, ID: agentID}, "conn-"+agentID)
	res, err := e.eng.RequestAgent(ctx, assign.Request{Tenant: "acme", VisitorID: visitorID})
	require.NoError(e.t, err)
	require.NotNil(e.t, res.Agent)
	require.Equal(e.t, agentID, res.Agent.ID)
	return res.Session
}

func TestCreateAndListAgents(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(true, nil))

	status, envl, data := env.call(http.MethodPost, "/api/agents?tenant=acme", map[string]any{"id": "a1", "name": "Ann", "capacity": 2})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, CodeOK, envl.Code)
	var a core.Agent
	require.NoError(t, json.Unmarshal(data, &a))
	require.Equal(t, "acme", a.Tenant)
	require.Equal(t, core.LevelService, a.Level)
	require.Equal(t, 2, a.Capacity)

	_, envl, data = env.call(http.MethodGet, "/api/agents?tenant=acme", nil)
	require.Equal(t, CodeOK, envl.Code)
	var list []core.Agent
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 1)

	_, _, data = env.call(http.MethodGet, "/api/agents?tenant=other", nil)
	require.JSONEq(t, "[]", string(data))
}

func TestCreateAgentValidation(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(true, nil))

	status, envl, _ := env.call(http.MethodPost, "/api/agents", map[string]any{"level": "root", "name": "x"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, CodeInvalid, envl.Code)

	status, _, _ = env.call(http.MethodPost, "/api/agents", map[string]any{"capacity": 1})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestRaisingCapacityAssignsQueuedVisitor(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(true, nil))
	ctx := context.Background()
	env.agent("a1", 1)
	env.assigned("v1", "a1")

	_, err := env.store.SaveVisitor(ctx, core.Visitor{ID: "v2", Tenant: "acme", Name: "v2"})
	require.NoError(t, err)
	res, err := env.eng.RequestAgent(ctx, assign.Request{Tenant: "acme", VisitorID: "v2"})
	require.NoError(t, err)
	require.True(t, res.Queued)

	_, envl, data := env.call(http.MethodPost, "/api/agents?tenant=acme", map[string]any{"id": "a1", "name": "Agent a1", "capacity": 2})
	require.Equal(t, CodeOK, envl.Code)
	var a core.Agent
	require.NoError(t, json.Unmarshal(data, &a))
	require.Equal(t, 2, a.Load)

	sess, err := env.store.OpenSession(ctx, "acme", "v2")
	require.NoError(t, err)
	require.Equal(t, core.SessionAssigned, sess.State)
	require.Equal(t, "a1", sess.AgentID)
}

func TestGetAgentNotFound(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(true, nil))
	status, envl, _ := env.call(http.MethodGet, "/api/agents/nope?tenant=acme", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, CodeNotFound, envl.Code)
}

func TestCheckReplyPermission(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(true, nil))
	env.agent("a1", 1)
	env.agent("a2", 1)
	env.assigned("v1", "a1")

	_, envl, data := env.call(http.MethodPost, "/api/check-reply-permission?tenant=acme", checkReplyRequest{VisitorID: "v1", AgentID: "a1"})
	require.Equal(t, CodeOK, envl.Code)
	var d permission.Decision
	require.NoError(t, json.Unmarshal(data, &d))
	require.True(t, d.CanReply)

	status, envl, data := env.call(http.MethodPost, "/api/check-reply-permission?tenant=acme", checkReplyRequest{VisitorID: "v1", AgentID: "a2"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, CodeOK, envl.Code)
	d = permission.Decision{}
	require.NoError(t, json.Unmarshal(data, &d))
	require.False(t, d.CanReply)
	require.NotNil(t, d.AssignedAgent)
	require.Equal(t, "a1", d.AssignedAgent.ID)

	status, _, _ = env.call(http.MethodPost, "/api/check-reply-permission?tenant=acme", checkReplyRequest{VisitorID: "v1"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestHistoryPaging(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(true, nil))
	env.agent("a1", 1)
	sess := env.assigned("v1", "a1")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		require.NoError(t, env.store.AppendMessage(context.Background(), core.Message{
			ID: fmt.Sprintf("m%d", i), SessionID: sess.ID, Tenant: "acme",
			Direction: core.ToAgent, SenderType: core.SenderVisitor, SenderID: "v1",
			Content: fmt.Sprintf("msg %d", i), ContentType: core.ContentText,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	_, envl, data := env.call(http.MethodGet, "/api/history?tenant=acme&sessionId="+sess.ID, nil)
	require.Equal(t, CodeOK, envl.Code)
	var page history.Page
	require.NoError(t, json.Unmarshal(data, &page))
	require.Equal(t, 5, page.TotalCount)
	require.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Messages, 2)
	require.Equal(t, "m0", page.Messages[0].ID)
	require.True(t, page.HasMore)

	_, _, data = env.call(http.MethodGet, "/api/history?tenant=acme&sessionId="+sess.ID+"&cursor="+page.NextCursor, nil)
	page = history.Page{}
	require.NoError(t, json.Unmarshal(data, &page))
	require.Equal(t, "m2", page.Messages[0].ID)

	status, _, _ := env.call(http.MethodGet, "/api/history?tenant=other&sessionId="+sess.ID, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _, _ = env.call(http.MethodGet, "/api/history?tenant=acme&sessionId="+sess.ID+"&page=x", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestQueueStatusAndWaiting(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(true, nil))
	ctx := context.Background()
	_, err := env.store.SaveVisitor(ctx, core.Visitor{ID: "v1", Tenant: "acme", Name: "v1"})
	require.NoError(t, err)
	res, err := env.eng.RequestAgent(ctx, assign.Request{Tenant: "acme", VisitorID: "v1"})
	require.NoError(t, err)
	require.True(t, res.Queued)

	_, envl, data := env.call(http.MethodGet, "/api/queue-status?tenant=acme&visitorId=v1", nil)
	require.Equal(t, CodeOK, envl.Code)
	var st assign.Status
	require.NoError(t, json.Unmarshal(data, &st))
	require.True(t, st.Queued)
	require.Equal(t, 1, st.Position)

	_, _, data = env.call(http.MethodGet, "/api/sessions/waiting?tenant=acme", nil)
	var waiting []core.Session
	require.NoError(t, json.Unmarshal(data, &waiting))
	require.Len(t, waiting, 1)

	status, _, _ := env.call(http.MethodGet, "/api/queue-status?tenant=acme", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestWorkloadTransferAndEnd(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(true, nil))
	env.agent("a1", 2)
	env.agent("a2", 2)
	env.assigned("v1", "a1")
	env.reg.Register(core.Identity{Tenant: "acme", Role: core.RoleAgent, ID: "a2"}, "conn-a2")

	_, envl, data := env.call(http.MethodGet, "/api/agents/a1/workload?tenant=acme", nil)
	require.Equal(t, CodeOK, envl.Code)
	var wl assign.Workload
	require.NoError(t, json.Unmarshal(data, &wl))
	require.Equal(t, 1, wl.CurrentChatCount)
	require.Equal(t, 1, wl.AvailableSlots)

	_, envl, data = env.call(http.MethodPost, "/api/sessions/transfer?tenant=acme", transferRequest{VisitorID: "v1", ToAgentID: "a2"})
	require.Equal(t, CodeOK, envl.Code)
	var sess core.Session
	require.NoError(t, json.Unmarshal(data, &sess))
	require.Equal(t, "a2", sess.AgentID)

	_, envl, data = env.call(http.MethodPost, "/api/sessions/end?tenant=acme", endRequest{VisitorID: "v1"})
	require.Equal(t, CodeOK, envl.Code)
	sess = core.Session{}
	require.NoError(t, json.Unmarshal(data, &sess))
	require.Equal(t, core.SessionEnded, sess.State)

	status, _, _ := env.call(http.MethodPost, "/api/sessions/end?tenant=acme", endRequest{VisitorID: "v1"})
	require.Equal(t, http.StatusNotFound, status)
}

func TestBlacklistVisitor(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(true, nil))
	_, err := env.store.SaveVisitor(context.Background(), core.Visitor{ID: "v1", Tenant: "acme", Name: "v1"})
	require.NoError(t, err)

	_, envl, _ := env.call(http.MethodPost, "/api/visitors/v1/blacklist?tenant=acme", blacklistRequest{Blacklisted: true})
	require.Equal(t, CodeOK, envl.Code)

	_, _, data := env.call(http.MethodGet, "/api/visitors/v1?tenant=acme", nil)
	var v core.Visitor
	require.NoError(t, json.Unmarshal(data, &v))
	require.True(t, v.Blacklisted)

	status, envl, _ := env.call(http.MethodDelete, "/api/visitors/v1?tenant=acme", nil)
	require.Equal(t, http.StatusMethodNotAllowed, status)
	require.Equal(t, CodeNotAllowed, envl.Code)
}

func TestUnauthorizedEnvelope(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(false, map[string]string{"k": "acme"}))
	status, envl, _ := env.call(http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, 401, envl.Code)

	// healthz stays open for probes.
	status, envl, data := env.call(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, CodeOK, envl.Code)
	var h health
	require.NoError(t, json.Unmarshal(data, &h))
	require.Equal(t, "ok", h.Status)
	require.Equal(t, 3, h.Connections)
}

func TestKeyScopesTenant(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(false, map[string]string{"k": "acme"}))
	env.agent("a1", 1)

	_, envl, data := env.call(http.MethodGet, "/api/agents?key=k&tenant=other", nil)
	require.Equal(t, CodeOK, envl.Code)
	var list []core.Agent
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 1)
}
