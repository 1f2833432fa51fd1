package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mistakeknot/interdesk/internal/assign"
	"github.com/mistakeknot/interdesk/internal/auth"
	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/history"
)

func tenantOf(r *http.Request) string {
	return auth.Tenant(r.Context(), strings.TrimSpace(r.URL.Query().Get("tenant")))
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	query := history.Query{
		SessionID: q.Get("sessionId"),
		Cursor:    q.Get("cursor"),
		Before:    q.Get("before"),
	}
	var err error
	if query.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, r, err)
		return
	}
	if query.PageSize, err = intParam(q.Get("pageSize")); err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.pager.Page(r.Context(), tenantOf(r), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, page)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, core.Invalid("%q is not a number", v)
	}
	return n, nil
}

type checkReplyRequest struct {
	VisitorID string `json:"visitorId"`
	AgentID   string `json:"agentId"`
}

// handleCheckReply answers with the decision itself; a denial is a
// successful call whose data says no.
func (s *Service) handleCheckReply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req checkReplyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.gate.CanReply(r.Context(), tenantOf(r), req.AgentID, req.VisitorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, d)
}

func (s *Service) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	visitorID := r.URL.Query().Get("visitorId")
	if visitorID == "" {
		writeError(w, r, core.Invalid("visitorId required"))
		return
	}
	st, err := s.engine.QueueStatus(r.Context(), tenantOf(r), visitorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, st)
}

type agentRequest struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Level    core.Level `json:"level"`
	Capacity *int       `json:"capacity"`
}

func (s *Service) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := s.store.ListAgents(r.Context(), tenantOf(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if agents == nil {
			agents = []core.Agent{}
		}
		writeOK(w, agents)
	case http.MethodPost:
		s.createAgent(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Service) createAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a := core.Agent{
		ID:       strings.TrimSpace(req.ID),
		Tenant:   tenantOf(r),
		Name:     strings.TrimSpace(req.Name),
		Level:    req.Level,
		State:    core.AgentOffline,
		Capacity: s.defaultCapacity,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Level == "" {
		a.Level = core.LevelService
	}
	if req.Capacity != nil {
		a.Capacity = *req.Capacity
	}
	switch {
	case a.Name == "":
		writeError(w, r, core.Invalid("name required"))
		return
	case !a.Level.Valid():
		writeError(w, r, core.Invalid("unknown level %q", a.Level))
		return
	case a.Capacity < 0:
		writeError(w, r, core.Invalid("capacity must not be negative"))
		return
	}
	saved, err := s.engine.UpsertAgent(r.Context(), a)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, saved)
}

// handleAgentByID serves /api/agents/{id} and /api/agents/{id}/workload.
func (s *Service) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, r, core.ErrNotFound)
		return
	}
	tenant := tenantOf(r)
	switch sub {
	case "":
		a, err := s.store.GetAgent(r.Context(), tenant, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, a)
	case "workload":
		wl, err := s.engine.Workload(r.Context(), tenant, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, wl)
	default:
		writeError(w, r, core.ErrNotFound)
	}
}

type blacklistRequest struct {
	Blacklisted bool `json:"blacklisted"`
}

// handleVisitorByID serves /api/visitors/{id} and /api/visitors/{id}/blacklist.
func (s *Service) handleVisitorByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/visitors/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, r, core.ErrNotFound)
		return
	}
	tenant := tenantOf(r)
	switch {
	case sub == "" && r.Method == http.MethodGet:
		v, err := s.store.GetVisitor(r.Context(), tenant, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, v)
	case sub == "blacklist" && r.Method == http.MethodPost:
		var req blacklistRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.engine.Blacklist(r.Context(), tenant, id, req.Blacklisted); err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, req)
	case sub == "" || sub == "blacklist":
		methodNotAllowed(w)
	default:
		writeError(w, r, core.ErrNotFound)
	}
}

func (s *Service) handleWaiting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	waiting, err := s.engine.Waiting(r.Context(), tenantOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if waiting == nil {
		waiting = []core.Session{}
	}
	writeOK(w, waiting)
}

type transferRequest struct {
	VisitorID string `json:"visitorId"`
	ToAgentID string `json:"toAgentId"`
}

func (s *Service) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.VisitorID == "" || req.ToAgentID == "" {
		writeError(w, r, core.Invalid("visitorId and toAgentId required"))
		return
	}
	sess, err := s.engine.Transfer(r.Context(), tenantOf(r), req.VisitorID, req.ToAgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, sess)
}

type endRequest struct {
	VisitorID string `json:"visitorId"`
	Reason    string `json:"reason"`
}

func (s *Service) handleEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req endRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.VisitorID == "" {
		writeError(w, r, core.Invalid("visitorId required"))
		return
	}
	if req.Reason == "" {
		req.Reason = assign.ReasonAgent
	}
	sess, err := s.engine.End(r.Context(), tenantOf(r), req.VisitorID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, sess)
}

type health struct {
	Status      string `json:"status"`
	Store       string `json:"store,omitempty"`
	Connections int    `json:"connections"`
}

// handleHealth reports degraded while the store's circuit breaker is open.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok"}
	if b, ok := s.store.(breaker); ok {
		h.Store = b.CircuitBreakerState()
		if h.Store == "open" {
			h.Status = "degraded"
		}
	}
	if s.conns != nil {
		h.Connections = s.conns.Connections()
	}
	writeOK(w, h)
}
