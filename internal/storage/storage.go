package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mistakeknot/interdesk/internal/core"
)

// Position is a point in a session's (timestamp, id) message order.
type Position struct {
	At time.Time
	ID string
}

func PositionOf(m core.Message) Position {
	return Position{At: m.CreatedAt, ID: m.ID}
}

func (p Position) before(m core.Message) bool {
	if !p.At.Equal(m.CreatedAt) {
		return p.At.Before(m.CreatedAt)
	}
	return p.ID < m.ID
}

func (p Position) after(m core.Message) bool {
	if !p.At.Equal(m.CreatedAt) {
		return p.At.After(m.CreatedAt)
	}
	return p.ID > m.ID
}

// MessageQuery selects a slice of one session's messages. After and Before
// are exclusive bounds. Descending walks newest first.
type MessageQuery struct {
	After      *Position
	Before     *Position
	Offset     int
	Limit      int
	Descending bool
}

type Store interface {
	SaveVisitor(ctx context.Context, v core.Visitor) (core.Visitor, error)
	GetVisitor(ctx context.Context, tenant, id string) (core.Visitor, error)
	VisitorByToken(ctx context.Context, token string) (core.Visitor, error)
	SetBlacklisted(ctx context.Context, tenant, visitorID string, blacklisted bool) error

	SaveAgent(ctx context.Context, a core.Agent) (core.Agent, error)
	GetAgent(ctx context.Context, tenant, id string) (core.Agent, error)
	ListAgents(ctx context.Context, tenant string) ([]core.Agent, error)
	SetAgentState(ctx context.Context, tenant, id string, state core.AgentState) error
	SetAgentLoad(ctx context.Context, tenant, id string, load int) error

	// CreateSession fails with core.ErrConflict when the visitor already has
	// a non-ended session in the tenant.
	CreateSession(ctx context.Context, s core.Session) (core.Session, error)
	UpdateSession(ctx context.Context, s core.Session) error
	// TouchSession records traffic and promotes assigned sessions to active.
	TouchSession(ctx context.Context, id string, at time.Time) error
	GetSession(ctx context.Context, id string) (core.Session, error)
	OpenSession(ctx context.Context, tenant, visitorID string) (core.Session, error)
	ListOpenSessions(ctx context.Context, tenant string) ([]core.Session, error)
	StaleSessions(ctx context.Context, before time.Time) ([]core.Session, error)
	EndedSessions(ctx context.Context, tenant string, since time.Time, limit int) ([]core.Session, error)

	AppendMessage(ctx context.Context, m core.Message) error
	ListMessages(ctx context.Context, sessionID string, q MessageQuery) ([]core.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	// MarkRead flags messages in the session addressed to reader and returns
	// the ids that changed. An empty ids slice means all of them.
	MarkRead(ctx context.Context, sessionID, readerID string, ids []string) ([]string, error)
}

// InMemory is a map-backed store for tests and embedding.
type InMemory struct {
	mu       sync.Mutex
	visitors map[string]core.Visitor // tenant/id
	tokens   map[string]string       // token -> tenant/id
	agents   map[string]core.Agent   // tenant/id
	sessions map[string]core.Session
	messages map[string][]core.Message // session id -> ordered
}

func NewInMemory() *InMemory {
	return &InMemory{
		visitors: make(map[string]core.Visitor),
		tokens:   make(map[string]string),
		agents:   make(map[string]core.Agent),
		sessions: make(map[string]core.Session),
		messages: make(map[string][]core.Message),
	}
}

func key(tenant, id string) string {
	return tenant + "/" + id
}

func (m *InMemory) SaveVisitor(_ context.Context, v core.Visitor) (core.Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" || v.Tenant == "" {
		return core.Visitor{}, core.Invalid("visitor id and tenant required")
	}
	if prev, ok := m.visitors[key(v.Tenant, v.ID)]; ok {
		if v.CreatedAt.IsZero() {
			v.CreatedAt = prev.CreatedAt
		}
		if v.Token == "" {
			v.Token = prev.Token
		}
		if prev.Token != "" && prev.Token != v.Token {
			delete(m.tokens, prev.Token)
		}
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	m.visitors[key(v.Tenant, v.ID)] = v
	if v.Token != "" {
		m.tokens[v.Token] = key(v.Tenant, v.ID)
	}
	return v, nil
}

func (m *InMemory) GetVisitor(_ context.Context, tenant, id string) (core.Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visitors[key(tenant, id)]
	if !ok {
		return core.Visitor{}, fmt.Errorf("visitor %s: %w", id, core.ErrNotFound)
	}
	return v, nil
}

func (m *InMemory) VisitorByToken(_ context.Context, token string) (core.Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.tokens[token]
	if !ok || token == "" {
		return core.Visitor{}, fmt.Errorf("visitor token: %w", core.ErrNotFound)
	}
	return m.visitors[k], nil
}

func (m *InMemory) SetBlacklisted(_ context.Context, tenant, visitorID string, blacklisted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visitors[key(tenant, visitorID)]
	if !ok {
		return fmt.Errorf("visitor %s: %w", visitorID, core.ErrNotFound)
	}
	v.Blacklisted = blacklisted
	m.visitors[key(tenant, visitorID)] = v
	return nil
}

func (m *InMemory) SaveAgent(_ context.Context, a core.Agent) (core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" || a.Tenant == "" {
		return core.Agent{}, core.Invalid("agent id and tenant required")
	}
	if prev, ok := m.agents[key(a.Tenant, a.ID)]; ok {
		a.CreatedAt = prev.CreatedAt
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.State == "" {
		a.State = core.AgentOffline
	}
	m.agents[key(a.Tenant, a.ID)] = a
	return a, nil
}

func (m *InMemory) GetAgent(_ context.Context, tenant, id string) (core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[key(tenant, id)]
	if !ok {
		return core.Agent{}, fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
	}
	return a, nil
}

func (m *InMemory) ListAgents(_ context.Context, tenant string) ([]core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Agent
	for _, a := range m.agents {
		if a.Tenant == tenant {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) SetAgentState(_ context.Context, tenant, id string, state core.AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[key(tenant, id)]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
	}
	a.State = state
	m.agents[key(tenant, id)] = a
	return nil
}

func (m *InMemory) SetAgentLoad(_ context.Context, tenant, id string, load int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[key(tenant, id)]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
	}
	if load < 0 {
		load = 0
	}
	a.Load = load
	m.agents[key(tenant, id)] = a
	return nil
}

func (m *InMemory) CreateSession(_ context.Context, s core.Session) (core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" || s.Tenant == "" || s.VisitorID == "" {
		return core.Session{}, core.Invalid("session id, tenant and visitor required")
	}
	for _, existing := range m.sessions {
		if existing.Tenant == s.Tenant && existing.VisitorID == s.VisitorID && existing.Open() {
			return core.Session{}, fmt.Errorf("open session for %s: %w", s.VisitorID, core.ErrConflict)
		}
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *InMemory) UpdateSession(_ context.Context, s core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("session %s: %w", s.ID, core.ErrNotFound)
	}
	if prev.LastMessageAt.After(s.LastMessageAt) {
		s.LastMessageAt = prev.LastMessageAt
	}
	if prev.State == core.SessionActive && s.State == core.SessionAssigned && prev.AgentID == s.AgentID {
		s.State = core.SessionActive
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *InMemory) TouchSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	if at.After(s.LastMessageAt) {
		s.LastMessageAt = at
	}
	if s.State == core.SessionAssigned {
		s.State = core.SessionActive
	}
	m.sessions[id] = s
	return nil
}

func (m *InMemory) GetSession(_ context.Context, id string) (core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return core.Session{}, fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	return s, nil
}

func (m *InMemory) OpenSession(_ context.Context, tenant, visitorID string) (core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Tenant == tenant && s.VisitorID == visitorID && s.Open() {
			return s, nil
		}
	}
	return core.Session{}, fmt.Errorf("open session for %s: %w", visitorID, core.ErrNotFound)
}

func (m *InMemory) ListOpenSessions(_ context.Context, tenant string) ([]core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Session
	for _, s := range m.sessions {
		if s.Tenant == tenant && s.Open() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *InMemory) StaleSessions(_ context.Context, before time.Time) ([]core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Session
	for _, s := range m.sessions {
		if (s.State == core.SessionAssigned || s.State == core.SessionActive) && s.LastActivity().Before(before) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *InMemory) EndedSessions(_ context.Context, tenant string, since time.Time, limit int) ([]core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Session
	for _, s := range m.sessions {
		if s.Tenant == tenant && s.State == core.SessionEnded && !s.EndedAt.Before(since) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemory) AppendMessage(_ context.Context, msg core.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" || msg.SessionID == "" {
		return core.Invalid("message id and session required")
	}
	list := m.messages[msg.SessionID]
	idx := sort.Search(len(list), func(i int) bool { return msg.Less(list[i]) })
	list = append(list, core.Message{})
	copy(list[idx+1:], list[idx:])
	list[idx] = msg
	m.messages[msg.SessionID] = list
	return nil
}

func (m *InMemory) ListMessages(_ context.Context, sessionID string, q MessageQuery) ([]core.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var filtered []core.Message
	for _, msg := range m.messages[sessionID] {
		if q.After != nil && !q.After.before(msg) {
			continue
		}
		if q.Before != nil && !q.Before.after(msg) {
			continue
		}
		filtered = append(filtered, msg)
	}
	if q.Descending {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	if q.Offset > 0 {
		if q.Offset >= len(filtered) {
			return nil, nil
		}
		filtered = filtered[q.Offset:]
	}
	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered, nil
}

func (m *InMemory) CountMessages(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[sessionID]), nil
}

func (m *InMemory) MarkRead(_ context.Context, sessionID, readerID string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var changed []string
	list := m.messages[sessionID]
	for i := range list {
		msg := &list[i]
		if msg.Read || msg.SenderID == readerID {
			continue
		}
		if len(want) > 0 && !want[msg.ID] {
			continue
		}
		msg.Read = true
		changed = append(changed, msg.ID)
	}
	return changed, nil
}
