// Package dataframe implements the data-frame view (§4.2 component K): a
// live, paginated window over one CRDT map's keys, with preceding/following
// lookaround buffers and a change stream that fires whenever the matching
// key set's membership shifts.
package dataframe

import (
	"sort"
	"sync"

	"github.com/latticedb/engine/internal/coordinator"
	"github.com/latticedb/engine/internal/rankfusion"
)

// Window is one page of a View: the keys currently on the page, plus up to
// bufferSize keys immediately before and after it in sorted key order.
type Window struct {
	Preceding []string
	Current   []string
	Following []string
}

// View is a live, paginated window over a map, built on
// Coordinator.LiveQuery for change notification and internal/rankfusion's
// Cursor for offset bookkeeping, generalizing
// internal/query/knirvql.go's LIMIT handling into a scrollable page cursor.
type View struct {
	sub        *coordinator.Subscription
	pageSize   int
	bufferSize int

	mu       sync.Mutex
	keys     []string
	cursor   rankfusion.Cursor
	onChange func(Window)
}

// NewView opens a live view over mapName's keys matching filter (nil
// matches every key), pageSize keys per page and bufferSize keys of
// lookaround either side of the current page.
func NewView(coord *coordinator.Coordinator, mapName string, filter coordinator.Filter, pageSize, bufferSize int) (*View, error) {
	sub, err := coord.LiveQuery(mapName, filter)
	if err != nil {
		return nil, err
	}

	v := &View{
		sub:        sub,
		pageSize:   pageSize,
		bufferSize: bufferSize,
		keys:       sortedCopy(sub.Keys()),
	}
	sub.OnPaginationChange(func(ev coordinator.PageEvent) {
		v.mu.Lock()
		v.keys = sortedCopy(ev.Keys)
		cb := v.onChange
		w := v.windowLocked()
		v.mu.Unlock()
		if cb != nil {
			cb(w)
		}
	})
	return v, nil
}

func sortedCopy(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}

// OnChange registers cb to be called with the current Window whenever the
// underlying map's matching key set changes membership. Only one callback
// is held at a time; a later call replaces the previous one.
func (v *View) OnChange(cb func(Window)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onChange = cb
}

// Window returns the page at the view's current cursor position, together
// with its preceding/following buffers.
func (v *View) Window() Window {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.windowLocked()
}

func (v *View) windowLocked() Window {
	page, _ := rankfusion.Page(v.keys, v.cursor, v.pageSize)
	return Window{
		Preceding: v.sliceBefore(v.cursor.Offset),
		Current:   page,
		Following: v.sliceAfter(v.cursor.Offset + len(page)),
	}
}

func (v *View) sliceBefore(offset int) []string {
	if offset <= 0 || offset > len(v.keys) {
		return nil
	}
	start := offset - v.bufferSize
	if start < 0 {
		start = 0
	}
	return append([]string(nil), v.keys[start:offset]...)
}

func (v *View) sliceAfter(offset int) []string {
	if offset >= len(v.keys) {
		return nil
	}
	end := offset + v.bufferSize
	if end > len(v.keys) {
		end = len(v.keys)
	}
	return append([]string(nil), v.keys[offset:end]...)
}

// Next advances the view by one page and returns the new Window. Past the
// last page it holds in place.
func (v *View) Next() Window {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, next := rankfusion.Page(v.keys, v.cursor, v.pageSize); next != nil {
		v.cursor = *next
	}
	return v.windowLocked()
}

// Prev moves the view back by one page and returns the new Window. Before
// the first page it clamps to offset zero.
func (v *View) Prev() Window {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cursor.Offset -= v.pageSize
	if v.cursor.Offset < 0 {
		v.cursor.Offset = 0
	}
	return v.windowLocked()
}

// Reset returns the view to its first page.
func (v *View) Reset() Window {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cursor = rankfusion.Cursor{}
	return v.windowLocked()
}

// Close disposes the underlying subscription; no further OnChange callbacks
// fire after it returns.
func (v *View) Close() {
	v.sub.Dispose()
}
