// Package history pages through a session's messages in (timestamp, id)
// order, by opaque cursor or by page number.
package history

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/storage"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Query selects one page. Cursor continues forward after a previous page,
// Before walks backward from a cursor, Page is 1-based. With none of them
// set the first page is returned.
type Query struct {
	SessionID string
	Cursor    string
	Before    string
	Page      int
	PageSize  int
}

type Page struct {
	Messages   []core.Message `json:"messages"`
	HasMore    bool           `json:"hasMore"`
	NextCursor string         `json:"nextCursor,omitempty"`
	PrevCursor string         `json:"prevCursor,omitempty"`
	Page       int            `json:"page,omitempty"`
	PageSize   int            `json:"pageSize"`
	TotalCount int            `json:"totalCount"`
	TotalPages int            `json:"totalPages"`
}

type Pager struct {
	store       storage.Store
	defaultSize int
	maxSize     int
}

func NewPager(store storage.Store, defaultSize, maxSize int) *Pager {
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}
	if maxSize <= 0 {
		maxSize = MaxPageSize
	}
	return &Pager{store: store, defaultSize: min(defaultSize, maxSize), maxSize: maxSize}
}

// Page returns messages ascending within the page. Every response carries
// the totals, so a client can jump to the newest page directly.
func (p *Pager) Page(ctx context.Context, tenant string, q Query) (Page, error) {
	if q.SessionID == "" {
		return Page{}, core.Invalid("sessionId required")
	}
	if q.Page < 0 || q.PageSize < 0 {
		return Page{}, core.Invalid("page and pageSize must not be negative")
	}
	modes := 0
	for _, set := range []bool{q.Cursor != "", q.Before != "", q.Page > 0} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return Page{}, core.Invalid("use only one of cursor, before and page")
	}
	sess, err := p.store.GetSession(ctx, q.SessionID)
	if err != nil {
		return Page{}, err
	}
	if sess.Tenant != tenant {
		// Don't reveal sessions of other tenants.
		return Page{}, core.ErrNotFound
	}

	size := q.PageSize
	if size == 0 {
		size = p.defaultSize
	}
	size = min(size, p.maxSize)

	total, err := p.store.CountMessages(ctx, q.SessionID)
	if err != nil {
		return Page{}, err
	}
	out := Page{PageSize: size, TotalCount: total, TotalPages: (total + size - 1) / size}

	switch {
	case q.Before != "":
		pos, err := DecodeCursor(q.Before)
		if err != nil {
			return Page{}, err
		}
		// Fetch one extra to learn whether older messages remain.
		msgs, err := p.store.ListMessages(ctx, q.SessionID, storage.MessageQuery{Before: &pos, Limit: size + 1, Descending: true})
		if err != nil {
			return Page{}, err
		}
		out.HasMore = len(msgs) > size
		if out.HasMore {
			msgs = msgs[:size]
		}
		reverse(msgs)
		out.Messages = msgs
		if len(msgs) > 0 {
			out.NextCursor = EncodeCursor(storage.PositionOf(msgs[len(msgs)-1]))
			if out.HasMore {
				out.PrevCursor = EncodeCursor(storage.PositionOf(msgs[0]))
			}
		}
	default:
		mq := storage.MessageQuery{Limit: size + 1}
		if q.Cursor != "" {
			pos, err := DecodeCursor(q.Cursor)
			if err != nil {
				return Page{}, err
			}
			mq.After = &pos
		} else {
			out.Page = max(q.Page, 1)
			mq.Offset = (out.Page - 1) * size
		}
		msgs, err := p.store.ListMessages(ctx, q.SessionID, mq)
		if err != nil {
			return Page{}, err
		}
		out.HasMore = len(msgs) > size
		if out.HasMore {
			msgs = msgs[:size]
		}
		out.Messages = msgs
		if len(msgs) > 0 {
			out.NextCursor = EncodeCursor(storage.PositionOf(msgs[len(msgs)-1]))
			out.PrevCursor = EncodeCursor(storage.PositionOf(msgs[0]))
		}
	}
	if out.Messages == nil {
		out.Messages = []core.Message{}
	}
	return out, nil
}

func reverse(msgs []core.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// EncodeCursor makes an opaque token for a message position.
func EncodeCursor(p storage.Position) string {
	raw := strconv.FormatInt(p.At.UnixNano(), 10) + ":" + p.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (storage.Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return storage.Position{}, core.Invalid("malformed cursor")
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return storage.Position{}, core.Invalid("malformed cursor")
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return storage.Position{}, core.Invalid("malformed cursor")
	}
	return storage.Position{At: time.Unix(0, n).UTC(), ID: id}, nil
}
