package client

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/interdesk/internal/vscroll"
)

// ViewConfig sizes a transcript's viewport.
type ViewConfig struct {
	ItemHeight     int
	ViewportHeight int
	Overscan       int
}

// Transcript is a session's messages behind a virtual-scroll window. It
// opens on the newest page and loads older pages as the reader scrolls up,
// keeping the on-screen message in place.
type Transcript struct {
	client    *Client
	sessionID string
	pageSize  int
	buf       *vscroll.Buffer[Message]

	mu     sync.Mutex
	seen   map[string]struct{}
	before string
	older  bool
}

func (c *Client) Transcript(sessionID string, pageSize int, view ViewConfig) *Transcript {
	return &Transcript{
		client:    c,
		sessionID: sessionID,
		pageSize:  pageSize,
		buf:       vscroll.New[Message](vscroll.Config(view)),
		seen:      make(map[string]struct{}),
	}
}

// LoadLatest reads the page count, then the last page, and scrolls to the
// bottom.
func (t *Transcript) LoadLatest(ctx context.Context) error {
	first, err := t.client.History(ctx, HistoryQuery{SessionID: t.sessionID, Page: 1, PageSize: t.pageSize})
	if err != nil {
		return err
	}
	last := first
	if first.TotalPages > 1 {
		if last, err = t.client.History(ctx, HistoryQuery{SessionID: t.sessionID, Page: first.TotalPages, PageSize: t.pageSize}); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.older = last.Page > 1
	t.before = last.PrevCursor
	fresh := t.unseen(last.Messages)
	t.mu.Unlock()

	t.buf.Append(fresh...)
	t.buf.ScrollToBottom()
	return nil
}

// LoadOlder prepends the page before the oldest loaded message. It reports
// whether anything was added.
func (t *Transcript) LoadOlder(ctx context.Context) (bool, error) {
	t.mu.Lock()
	before, older := t.before, t.older
	t.mu.Unlock()
	if !older || before == "" {
		return false, nil
	}

	page, err := t.client.History(ctx, HistoryQuery{SessionID: t.sessionID, Before: before, PageSize: t.pageSize})
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	t.older = page.HasMore
	t.before = page.PrevCursor
	fresh := t.unseen(page.Messages)
	t.mu.Unlock()

	t.buf.Prepend(fresh...)
	return len(fresh) > 0, nil
}

// LoadAll fetches every page concurrently and replaces the window with the
// whole history.
func (t *Transcript) LoadAll(ctx context.Context) error {
	first, err := t.client.History(ctx, HistoryQuery{SessionID: t.sessionID, Page: 1, PageSize: t.pageSize})
	if err != nil {
		return err
	}
	pages := make([][]Message, max(first.TotalPages, 1))
	pages[0] = first.Messages

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := 1; i < len(pages); i++ {
		g.Go(func() error {
			p, err := t.client.History(gctx, HistoryQuery{SessionID: t.sessionID, Page: i + 1, PageSize: t.pageSize})
			if err != nil {
				return err
			}
			pages[i] = p.Messages
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	t.mu.Lock()
	t.seen = make(map[string]struct{})
	var all []Message
	for _, p := range pages {
		all = append(all, t.unseen(p)...)
	}
	t.older = false
	t.before = ""
	t.mu.Unlock()

	t.buf.Reset(all...)
	t.buf.ScrollToBottom()
	return nil
}

// Add appends a live message, ignoring one already loaded.
func (t *Transcript) Add(m Message) {
	t.mu.Lock()
	fresh := t.unseen([]Message{m})
	t.mu.Unlock()
	t.buf.Append(fresh...)
}

// unseen filters out loaded ids and records the rest. Callers hold t.mu.
func (t *Transcript) unseen(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := t.seen[m.ID]; ok {
			continue
		}
		t.seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func (t *Transcript) Len() int { return t.buf.Len() }

// Visible returns the messages to render, overscan included.
func (t *Transcript) Visible() []Message {
	_, items := t.buf.Visible()
	return items
}

func (t *Transcript) ScrollTo(top int) { t.buf.ScrollTo(top) }

func (t *Transcript) ScrollTop() int { return t.buf.ScrollTop() }

func (t *Transcript) SetViewport(height int) { t.buf.SetViewport(height) }

// AtTop reports whether the reader has reached the first loaded message.
func (t *Transcript) AtTop() bool { return t.buf.AtTop() }

// HasOlder reports whether LoadOlder would fetch anything.
func (t *Transcript) HasOlder() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.older && t.before != ""
}
