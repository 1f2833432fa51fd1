package vscroll

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func seq(from, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = from + i
	}
	return out
}

func TestRangeIsBoundedByViewportAndOverscan(t *testing.T) {
	b := New[int](Config{ItemHeight: 20, ViewportHeight: 100, Overscan: 3})
	b.Append(seq(0, 10000)...)
	b.ScrollTo(0)

	r := b.Range()
	require.Equal(t, Range{Start: 0, End: 8}, r)

	b.ScrollTo(20 * 5000)
	r, items := b.Visible()
	require.Equal(t, Range{Start: 4997, End: 5008}, r)
	require.Equal(t, 4997, items[0])
	require.LessOrEqual(t, r.Len(), 100/20+2*3+1)

	require.Equal(t, 200000, b.TotalHeight())
}

func TestScrollClamps(t *testing.T) {
	b := New[int](Config{ItemHeight: 10, ViewportHeight: 50})
	b.Append(seq(0, 20)...)
	b.ScrollTo(-5)
	require.Equal(t, 0, b.ScrollTop())
	b.ScrollTo(1000)
	require.Equal(t, 150, b.ScrollTop())
}

func TestPrependKeepsAnchor(t *testing.T) {
	const k = 25
	b := New[int](Config{ItemHeight: 18, ViewportHeight: 400, Overscan: 5})
	b.Append(seq(1000, 100)...)
	b.ScrollTo(18 * 10)

	anchorIdx := b.ScrollTop() / 18
	anchor, _ := b.At(anchorIdx)
	screenY := b.Offset(anchorIdx) - b.ScrollTop()

	for i := 1; i <= 8; i++ {
		b.Prepend(seq(1000-i*k, k)...)

		idx := -1
		for j := 0; j < b.Len(); j++ {
			if v, _ := b.At(j); v == anchor {
				idx = j
				break
			}
		}
		require.Equal(t, screenY, b.Offset(idx)-b.ScrollTop(), "after %d prepends", i)
		require.LessOrEqual(t, b.Range().Len(), 400/18+1+2*5+1)
	}
	require.Equal(t, 300, b.Len())
}

func TestAppendFollowsBottomOnlyWhenPinned(t *testing.T) {
	b := New[int](Config{ItemHeight: 10, ViewportHeight: 50})
	b.Append(seq(0, 10)...)
	b.ScrollToBottom()
	b.Append(seq(10, 5)...)
	require.Equal(t, 100, b.ScrollTop())

	b.ScrollTo(0)
	require.True(t, b.AtTop())
	b.Append(seq(15, 5)...)
	require.Equal(t, 0, b.ScrollTop())
}

func TestEmptyBuffer(t *testing.T) {
	b := New[string](Config{ItemHeight: 10, ViewportHeight: 50, Overscan: 2})
	require.Equal(t, Range{}, b.Range())
	_, ok := b.At(0)
	require.False(t, ok)
	b.Prepend()
	require.Equal(t, 0, b.Len())
}

func TestResetReplacesItems(t *testing.T) {
	b := New[int](Config{ItemHeight: 10, ViewportHeight: 30})
	b.Append(seq(0, 50)...)
	b.ScrollToBottom()

	b.Reset(seq(100, 5)...)
	require.Equal(t, 5, b.Len())
	require.True(t, b.AtTop())
	v, ok := b.At(0)
	require.True(t, ok)
	require.Equal(t, 100, v)
}
