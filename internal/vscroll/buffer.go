// Package vscroll windows a long ordered list to the slice a viewport can
// show. Items are treated as a fixed estimated height, so positions are
// approximate when real heights vary.
package vscroll

import "sync"

type Config struct {
	ItemHeight     int // estimated height of one item, in pixels
	ViewportHeight int
	Overscan       int // items rendered beyond each edge
}

// Range is the half-open item interval [Start, End) to render.
type Range struct {
	Start int
	End   int
}

func (r Range) Len() int { return r.End - r.Start }

// Buffer holds the items and the scroll offset. It is safe for concurrent
// use; a loader may prepend while a renderer reads the window.
type Buffer[T any] struct {
	mu        sync.RWMutex
	cfg       Config
	items     []T
	scrollTop int
}

func New[T any](cfg Config) *Buffer[T] {
	if cfg.ItemHeight <= 0 {
		cfg.ItemHeight = 1
	}
	if cfg.ViewportHeight < 0 {
		cfg.ViewportHeight = 0
	}
	if cfg.Overscan < 0 {
		cfg.Overscan = 0
	}
	return &Buffer[T]{cfg: cfg}
}

func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// TotalHeight is item count times the estimated item height.
func (b *Buffer[T]) TotalHeight() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalHeight()
}

func (b *Buffer[T]) totalHeight() int {
	return len(b.items) * b.cfg.ItemHeight
}

func (b *Buffer[T]) maxScroll() int {
	return max(b.totalHeight()-b.cfg.ViewportHeight, 0)
}

func (b *Buffer[T]) ScrollTop() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scrollTop
}

// ScrollTo sets the offset, clamped to the scrollable extent.
func (b *Buffer[T]) ScrollTo(top int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scrollTop = min(max(top, 0), b.maxScroll())
}

func (b *Buffer[T]) ScrollToBottom() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scrollTop = b.maxScroll()
}

// SetViewport changes the viewport height, keeping the offset in range.
func (b *Buffer[T]) SetViewport(height int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.ViewportHeight = max(height, 0)
	b.scrollTop = min(b.scrollTop, b.maxScroll())
}

// Range returns the items intersecting
// [scrollTop - overscan, scrollTop + viewport + overscan], in items.
func (b *Buffer[T]) Range() Range {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rangeLocked()
}

func (b *Buffer[T]) rangeLocked() Range {
	n := len(b.items)
	if n == 0 {
		return Range{}
	}
	h := b.cfg.ItemHeight
	first := b.scrollTop / h
	last := (b.scrollTop + b.cfg.ViewportHeight + h - 1) / h // exclusive
	start := max(first-b.cfg.Overscan, 0)
	end := min(last+b.cfg.Overscan, n)
	if end < start {
		end = start
	}
	return Range{Start: start, End: end}
}

// Visible copies the items in Range.
func (b *Buffer[T]) Visible() (Range, []T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.rangeLocked()
	out := make([]T, r.Len())
	copy(out, b.items[r.Start:r.End])
	return r, out
}

// Offset is the pixel offset of item i from the top of the list.
func (b *Buffer[T]) Offset(i int) int {
	return i * b.cfg.ItemHeight
}

func (b *Buffer[T]) At(i int) (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var zero T
	if i < 0 || i >= len(b.items) {
		return zero, false
	}
	return b.items[i], true
}

// Append adds newer items at the end. A viewport pinned to the bottom stays
// pinned so new messages scroll into view.
func (b *Buffer[T]) Append(items ...T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pinned := b.scrollTop >= b.maxScroll()
	b.items = append(b.items, items...)
	if pinned {
		b.scrollTop = b.maxScroll()
	}
}

// Prepend inserts older items at the front and shifts the offset by the
// added height, so the item at the top of the viewport stays put on screen.
func (b *Buffer[T]) Prepend(items ...T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	before := b.totalHeight()
	merged := make([]T, 0, len(items)+len(b.items))
	merged = append(merged, items...)
	merged = append(merged, b.items...)
	b.items = merged
	b.scrollTop += b.totalHeight() - before
}

// Reset replaces every item and scrolls to the top.
func (b *Buffer[T]) Reset(items ...T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append([]T(nil), items...)
	b.scrollTop = 0
}

// AtTop reports whether the viewport shows the first item, the cue for
// loading an older page.
func (b *Buffer[T]) AtTop() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scrollTop == 0
}
