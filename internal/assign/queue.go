package assign

import (
	"sort"
	"time"

	"github.com/mistakeknot/interdesk/internal/core"
)

type entry struct {
	session    core.Session
	seq        uint64
	pinnedTo   string // exclusive target, empty for the general queue
	enqueuedAt time.Time
}

// tenantQueue is owned by one tenant's actor goroutine; nothing else touches it.
type tenantQueue struct {
	name      string
	tasks     chan func()
	general   []*entry
	pinned    map[string][]*entry // agent id -> entries waiting for that agent
	byVisitor map[string]*entry
	seq       uint64
}

func newTenantQueue(name string, backlog int) *tenantQueue {
	return &tenantQueue{
		name:      name,
		tasks:     make(chan func(), backlog),
		pinned:    make(map[string][]*entry),
		byVisitor: make(map[string]*entry),
	}
}

// less orders by priority descending, then arrival.
func less(a, b *entry) bool {
	if a.session.Priority != b.session.Priority {
		return a.session.Priority > b.session.Priority
	}
	return a.seq < b.seq
}

func (q *tenantQueue) push(s core.Session, pinnedTo string, at time.Time) *entry {
	q.seq++
	e := &entry{session: s, seq: q.seq, pinnedTo: pinnedTo, enqueuedAt: at}
	q.byVisitor[s.VisitorID] = e
	if pinnedTo != "" {
		q.pinned[pinnedTo] = insertSorted(q.pinned[pinnedTo], e)
	} else {
		q.general = insertSorted(q.general, e)
	}
	return e
}

func insertSorted(list []*entry, e *entry) []*entry {
	i := sort.Search(len(list), func(i int) bool { return less(e, list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func (q *tenantQueue) remove(visitorID string) (*entry, bool) {
	e, ok := q.byVisitor[visitorID]
	if !ok {
		return nil, false
	}
	delete(q.byVisitor, visitorID)
	if e.pinnedTo != "" {
		q.pinned[e.pinnedTo] = without(q.pinned[e.pinnedTo], e)
		if len(q.pinned[e.pinnedTo]) == 0 {
			delete(q.pinned, e.pinnedTo)
		}
	} else {
		q.general = without(q.general, e)
	}
	return e, true
}

func without(list []*entry, e *entry) []*entry {
	for i, x := range list {
		if x == e {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// reprioritize moves e to its new place, keeping its original arrival seq.
func (q *tenantQueue) reprioritize(e *entry, priority int) {
	e.session.Priority = priority
	if e.pinnedTo != "" {
		q.pinned[e.pinnedTo] = insertSorted(without(q.pinned[e.pinnedTo], e), e)
		return
	}
	q.general = insertSorted(without(q.general, e), e)
}

// position is 1-based within the entry's own line.
func (q *tenantQueue) position(e *entry) int {
	list := q.general
	if e.pinnedTo != "" {
		list = q.pinned[e.pinnedTo]
	}
	for i, x := range list {
		if x == e {
			return i + 1
		}
	}
	return 0
}

func (q *tenantQueue) waiting() int {
	return len(q.byVisitor)
}

// snapshot returns the waiting sessions, general queue first.
func (q *tenantQueue) snapshot() []core.Session {
	out := make([]core.Session, 0, len(q.byVisitor))
	for _, e := range q.general {
		out = append(out, e.session)
	}
	agents := make([]string, 0, len(q.pinned))
	for id := range q.pinned {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	for _, id := range agents {
		for _, e := range q.pinned[id] {
			out = append(out, e.session)
		}
	}
	return out
}
