package sqlite

import (
	"context"
	"time"

	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/storage"
)

var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore runs every Store call through a CircuitBreaker and
// RetryOnDBLock so transient SQLite faults neither stall the engine nor
// cascade into every connection.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient uses threshold=5, resetTimeout=30s. Domain outcomes such as
// not-found never trip the breaker.
func NewResilient(inner *Store) *ResilientStore {
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second, countableFault))
}

func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

func countableFault(err error) bool {
	return err != nil && !core.IsDomain(err)
}

func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}

func call[T any](ctx context.Context, r *ResilientStore, fn func() (T, error)) (T, error) {
	var result T
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, func() error {
			var innerErr error
			result, innerErr = fn()
			return innerErr
		})
	})
	return result, err
}

func exec(ctx context.Context, r *ResilientStore, fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, fn)
	})
}

func (r *ResilientStore) SaveVisitor(ctx context.Context, v core.Visitor) (core.Visitor, error) {
	return call(ctx, r, func() (core.Visitor, error) { return r.inner.SaveVisitor(ctx, v) })
}

func (r *ResilientStore) GetVisitor(ctx context.Context, tenant, id string) (core.Visitor, error) {
	return call(ctx, r, func() (core.Visitor, error) { return r.inner.GetVisitor(ctx, tenant, id) })
}

func (r *ResilientStore) VisitorByToken(ctx context.Context, token string) (core.Visitor, error) {
	return call(ctx, r, func() (core.Visitor, error) { return r.inner.VisitorByToken(ctx, token) })
}

func (r *ResilientStore) SetBlacklisted(ctx context.Context, tenant, visitorID string, blacklisted bool) error {
	return exec(ctx, r, func() error { return r.inner.SetBlacklisted(ctx, tenant, visitorID, blacklisted) })
}

func (r *ResilientStore) SaveAgent(ctx context.Context, a core.Agent) (core.Agent, error) {
	return call(ctx, r, func() (core.Agent, error) { return r.inner.SaveAgent(ctx, a) })
}

func (r *ResilientStore) GetAgent(ctx context.Context, tenant, id string) (core.Agent, error) {
	return call(ctx, r, func() (core.Agent, error) { return r.inner.GetAgent(ctx, tenant, id) })
}

func (r *ResilientStore) ListAgents(ctx context.Context, tenant string) ([]core.Agent, error) {
	return call(ctx, r, func() ([]core.Agent, error) { return r.inner.ListAgents(ctx, tenant) })
}

func (r *ResilientStore) SetAgentState(ctx context.Context, tenant, id string, state core.AgentState) error {
	return exec(ctx, r, func() error { return r.inner.SetAgentState(ctx, tenant, id, state) })
}

func (r *ResilientStore) SetAgentLoad(ctx context.Context, tenant, id string, load int) error {
	return exec(ctx, r, func() error { return r.inner.SetAgentLoad(ctx, tenant, id, load) })
}

func (r *ResilientStore) CreateSession(ctx context.Context, s core.Session) (core.Session, error) {
	return call(ctx, r, func() (core.Session, error) { return r.inner.CreateSession(ctx, s) })
}

func (r *ResilientStore) UpdateSession(ctx context.Context, s core.Session) error {
	return exec(ctx, r, func() error { return r.inner.UpdateSession(ctx, s) })
}

func (r *ResilientStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	return exec(ctx, r, func() error { return r.inner.TouchSession(ctx, id, at) })
}

func (r *ResilientStore) GetSession(ctx context.Context, id string) (core.Session, error) {
	return call(ctx, r, func() (core.Session, error) { return r.inner.GetSession(ctx, id) })
}

func (r *ResilientStore) OpenSession(ctx context.Context, tenant, visitorID string) (core.Session, error) {
	return call(ctx, r, func() (core.Session, error) { return r.inner.OpenSession(ctx, tenant, visitorID) })
}

func (r *ResilientStore) ListOpenSessions(ctx context.Context, tenant string) ([]core.Session, error) {
	return call(ctx, r, func() ([]core.Session, error) { return r.inner.ListOpenSessions(ctx, tenant) })
}

func (r *ResilientStore) StaleSessions(ctx context.Context, before time.Time) ([]core.Session, error) {
	return call(ctx, r, func() ([]core.Session, error) { return r.inner.StaleSessions(ctx, before) })
}

func (r *ResilientStore) EndedSessions(ctx context.Context, tenant string, since time.Time, limit int) ([]core.Session, error) {
	return call(ctx, r, func() ([]core.Session, error) { return r.inner.EndedSessions(ctx, tenant, since, limit) })
}

func (r *ResilientStore) AppendMessage(ctx context.Context, m core.Message) error {
	return exec(ctx, r, func() error { return r.inner.AppendMessage(ctx, m) })
}

func (r *ResilientStore) ListMessages(ctx context.Context, sessionID string, q storage.MessageQuery) ([]core.Message, error) {
	return call(ctx, r, func() ([]core.Message, error) { return r.inner.ListMessages(ctx, sessionID, q) })
}

func (r *ResilientStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	return call(ctx, r, func() (int, error) { return r.inner.CountMessages(ctx, sessionID) })
}

func (r *ResilientStore) MarkRead(ctx context.Context, sessionID, readerID string, ids []string) ([]string, error) {
	return call(ctx, r, func() ([]string, error) { return r.inner.MarkRead(ctx, sessionID, readerID, ids) })
}
