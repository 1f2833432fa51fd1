package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/storage"
	"github.com/mistakeknot/interdesk/internal/storage/sqlite"
)

func seed(t *testing.T, st storage.Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	_, err := st.CreateSession(ctx, core.Session{ID: "s", Tenant: "acme", VisitorID: "v", State: core.SessionActive})
	require.NoError(t, err)
	base := time.Unix(1700000000, 0).UTC()
	var ids []string
	for i := 0; i < n; i++ {
		// pairs share a timestamp so the id tie-break matters
		m := core.Message{
			ID: fmt.Sprintf("m%03d", i), SessionID: "s", Tenant: "acme",
			Direction: core.ToAgent, SenderType: core.SenderVisitor, SenderID: "v",
			Content: fmt.Sprintf("message %d", i), ContentType: core.ContentText,
			CreatedAt: base.Add(time.Duration(i/2) * time.Second),
		}
		require.NoError(t, st.AppendMessage(ctx, m))
		ids = append(ids, m.ID)
	}
	return ids
}

func stores(t *testing.T) map[string]storage.Store {
	return map[string]storage.Store{
		"memory": storage.NewInMemory(),
		"sqlite": sqlite.NewSQLiteTest(t),
	}
}

func collect(msgs []core.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestCursorPagingReproducesFullList(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			want := seed(t, st, 47)
			p := NewPager(st, 10, 100)
			ctx := context.Background()

			var got []string
			q := Query{SessionID: "s"}
			for pages := 0; ; pages++ {
				require.Less(t, pages, 10)
				page, err := p.Page(ctx, "acme", q)
				require.NoError(t, err)
				require.Equal(t, 47, page.TotalCount)
				require.Equal(t, 5, page.TotalPages)
				got = append(got, collect(page.Messages)...)
				if !page.HasMore {
					break
				}
				q = Query{SessionID: "s", Cursor: page.NextCursor}
			}
			require.Equal(t, want, got)
		})
	}
}

func TestLastPageByNumberMatchesSequential(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			want := seed(t, st, 23)
			p := NewPager(st, 10, 100)
			ctx := context.Background()

			first, err := p.Page(ctx, "acme", Query{SessionID: "s"})
			require.NoError(t, err)
			last, err := p.Page(ctx, "acme", Query{SessionID: "s", Page: first.TotalPages})
			require.NoError(t, err)
			require.Equal(t, want[20:], collect(last.Messages))
			require.False(t, last.HasMore)

			var seq []string
			for n := 1; n <= first.TotalPages; n++ {
				pg, err := p.Page(ctx, "acme", Query{SessionID: "s", Page: n})
				require.NoError(t, err)
				seq = append(seq, collect(pg.Messages)...)
			}
			require.Equal(t, want, seq)
		})
	}
}

func TestBeforeWalksBackwardAscendingWithinPage(t *testing.T) {
	st := storage.NewInMemory()
	want := seed(t, st, 25)
	p := NewPager(st, 10, 100)
	ctx := context.Background()

	last, err := p.Page(ctx, "acme", Query{SessionID: "s", Page: 3})
	require.NoError(t, err)
	require.Equal(t, want[20:], collect(last.Messages))

	older, err := p.Page(ctx, "acme", Query{SessionID: "s", Before: last.PrevCursor})
	require.NoError(t, err)
	require.Equal(t, want[10:20], collect(older.Messages))
	require.True(t, older.HasMore)

	oldest, err := p.Page(ctx, "acme", Query{SessionID: "s", Before: older.PrevCursor})
	require.NoError(t, err)
	require.Equal(t, want[:10], collect(oldest.Messages))
	require.False(t, oldest.HasMore)
}

func TestPageSizeClampAndErrors(t *testing.T) {
	st := storage.NewInMemory()
	seed(t, st, 5)
	p := NewPager(st, 20, 3)
	ctx := context.Background()

	page, err := p.Page(ctx, "acme", Query{SessionID: "s", PageSize: 50})
	require.NoError(t, err)
	require.Equal(t, 3, page.PageSize)
	require.Len(t, page.Messages, 3)

	page, err = p.Page(ctx, "acme", Query{SessionID: "s", Page: 9})
	require.NoError(t, err)
	require.Empty(t, page.Messages)
	require.NotNil(t, page.Messages)

	_, err = p.Page(ctx, "acme", Query{SessionID: "s", Cursor: "%%%"})
	require.ErrorIs(t, err, core.ErrValidation)
	_, err = p.Page(ctx, "acme", Query{SessionID: "s", Cursor: "x", Page: 2})
	require.ErrorIs(t, err, core.ErrValidation)
	_, err = p.Page(ctx, "globex", Query{SessionID: "s"})
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestCursorRoundTrip(t *testing.T) {
	pos := storage.Position{At: time.Unix(0, 1700000000123456789).UTC(), ID: "abc:def"}
	got, err := DecodeCursor(EncodeCursor(pos))
	require.NoError(t, err)
	require.True(t, got.At.Equal(pos.At))
	require.Equal(t, pos.ID, got.ID)
}
