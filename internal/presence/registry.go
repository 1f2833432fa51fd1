// Package presence tracks which identities hold live connections, per tenant.
package presence

import (
	"sort"
	"sync"

	"github.com/mistakeknot/interdesk/internal/core"
)

// Change is emitted when an identity gains its first connection or loses its
// last one. Additional tabs for the same identity do not produce changes.
type Change struct {
	Identity core.Identity
	Online   bool
}

type Observer interface {
	PresenceChanged(c Change)
}

type tenantState struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{} // identity key -> conn ids
	who   map[string]core.Identity       // identity key -> latest identity
}

// Registry is constructed once per process and passed to every component
// that needs presence. Operations on one tenant are linearizable; tenants
// never contend with each other beyond the short lookup of their state.
type Registry struct {
	mu        sync.Mutex
	tenants   map[string]*tenantState
	byConn    map[string]core.Identity
	observers []Observer
}

func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[string]*tenantState),
		byConn:  make(map[string]core.Identity),
	}
}

// Observe adds o to the observers notified after each change. Not safe to
// call once connections are being registered.
func (r *Registry) Observe(o Observer) {
	r.observers = append(r.observers, o)
}

func (r *Registry) tenant(name string) *tenantState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tenantLocked(name)
}

func (r *Registry) tenantLocked(name string) *tenantState {
	ts, ok := r.tenants[name]
	if !ok {
		ts = &tenantState{
			conns: make(map[string]map[string]struct{}),
			who:   make(map[string]core.Identity),
		}
		r.tenants[name] = ts
	}
	return ts
}

// Register binds connID to id. Registering the same pair again is a no-op;
// registering connID under a different identity moves it.
// The connection index and the tenant sets change together under r.mu, so a
// Register racing an Unregister for the same connection cannot leave one
// without the other. Observers run after the lock is released.
func (r *Registry) Register(id core.Identity, connID string) {
	var changes []Change

	r.mu.Lock()
	prev, had := r.byConn[connID]
	if had && prev == id {
		r.mu.Unlock()
		return
	}
	r.byConn[connID] = id
	if had {
		if c, ok := r.tenantLocked(prev.Tenant).remove(prev, connID); ok {
			changes = append(changes, c)
		}
	}
	if c, ok := r.tenantLocked(id.Tenant).add(id, connID); ok {
		changes = append(changes, c)
	}
	r.mu.Unlock()

	r.notify(changes)
}

// Unregister drops connID. It returns the identity it was bound to.
func (r *Registry) Unregister(connID string) (core.Identity, bool) {
	r.mu.Lock()
	id, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return core.Identity{}, false
	}
	delete(r.byConn, connID)
	c, changed := r.tenantLocked(id.Tenant).remove(id, connID)
	r.mu.Unlock()

	if changed {
		r.notify([]Change{c})
	}
	return id, true
}

// Lookup returns the identity a connection speaks for.
func (r *Registry) Lookup(connID string) (core.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[connID]
	return id, ok
}

func (r *Registry) notify(changes []Change) {
	for _, c := range changes {
		for _, o := range r.observers {
			o.PresenceChanged(c)
		}
	}
}

func (ts *tenantState) add(id core.Identity, connID string) (Change, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	k := id.Key()
	set, ok := ts.conns[k]
	if !ok {
		set = make(map[string]struct{})
		ts.conns[k] = set
	}
	ts.who[k] = id
	set[connID] = struct{}{}
	return Change{Identity: id, Online: true}, len(set) == 1
}

func (ts *tenantState) remove(id core.Identity, connID string) (Change, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	k := id.Key()
	set, ok := ts.conns[k]
	if !ok {
		return Change{}, false
	}
	if _, ok := set[connID]; !ok {
		return Change{}, false
	}
	delete(set, connID)
	if len(set) > 0 {
		return Change{}, false
	}
	delete(ts.conns, k)
	delete(ts.who, k)
	return Change{Identity: id, Online: false}, true
}

// ListOnline returns the online identities of role in tenant, sorted by id.
func (r *Registry) ListOnline(tenant string, role core.Role) []core.Identity {
	ts := r.tenant(tenant)
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	var out []core.Identity
	for _, id := range ts.who {
		if id.Role == role {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) IsOnline(tenant string, role core.Role, id string) bool {
	ts := r.tenant(tenant)
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	_, ok := ts.conns[core.Identity{Role: role, ID: id}.Key()]
	return ok
}

// Count is the number of online identities of role in tenant.
func (r *Registry) Count(tenant string, role core.Role) int {
	ts := r.tenant(tenant)
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	n := 0
	for _, id := range ts.who {
		if id.Role == role {
			n++
		}
	}
	return n
}

// Connections returns the live connection ids for one identity.
func (r *Registry) Connections(tenant string, role core.Role, id string) []string {
	ts := r.tenant(tenant)
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	set := ts.conns[core.Identity{Role: role, ID: id}.Key()]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
