// Package pagination tracks cursor state for incrementally loaded lists so
// that overlapping page loads cannot corrupt ordering.
package pagination

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Cursor is an opaque, ordered position in a list.
type Cursor string

// Direction selects which end of the list a page extends.
type Direction int

const (
	Older Direction = iota
	Newer
)

func (d Direction) String() string {
	if d == Newer {
		return "newer"
	}
	return "older"
}

// Request describes one page load.
type Request struct {
	Direction Direction
	Limit     int
	// From is the cursor the page starts after. Empty loads from the
	// relevant end of the list.
	From Cursor
}

// Page is a loaded page. Cursors holds the position of every item in the
// page in any order. HasMore overrides the size-based guess when not nil.
type Page struct {
	Cursors []Cursor
	HasMore *bool
}

// State is a snapshot of the machine.
type State struct {
	HasMore       bool
	OldestCursor  Cursor
	NewestCursor  Cursor
	IsLoadingPage bool
}

// Machine holds the cursor state of one list. It is safe for concurrent use.
type Machine struct {
	less   func(a, b Cursor) bool
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	inFlight *Request
}

// NewMachine creates a machine ordering cursors with less. A nil less orders
// cursors byte-wise.
func NewMachine(less func(a, b Cursor) bool, logger *zap.Logger) *Machine {
	if less == nil {
		less = func(a, b Cursor) bool { return a < b }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		less:   less,
		logger: logger,
		state:  State{HasMore: true},
	}
}

// State returns the current snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Begin marks req as loading. It reports false, changing nothing, while
// another page is loading.
func (m *Machine) Begin(req Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.IsLoadingPage {
		m.logger.Debug("rejecting overlapping page load", zap.Stringer("direction", req.Direction))
		return false
	}
	r := req
	m.inFlight = &r
	m.state.IsLoadingPage = true
	return true
}

// End completes the load started by Begin(req). On success the cursors only
// ever move outward. On failure the cursors are left where they are, which
// keeps any Advance made while the page was loading.
func (m *Machine) End(req Request, page Page, loadErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight == nil || *m.inFlight != req {
		return ErrUnmatchedEnd
	}
	m.inFlight = nil

	if loadErr != nil {
		m.logger.Debug("page load failed", zap.Error(loadErr))
		m.state.IsLoadingPage = false
		return nil
	}

	s := m.state
	s.IsLoadingPage = false
	if len(page.Cursors) > 0 {
		oldest, newest := page.Cursors[0], page.Cursors[0]
		for _, c := range page.Cursors[1:] {
			if m.less(c, oldest) {
				oldest = c
			}
			if m.less(newest, c) {
				newest = c
			}
		}

		// Older pages only move the oldest edge and newer pages only the
		// newest edge. An unset edge is seeded from the page.
		if s.OldestCursor == "" || (req.Direction == Older && m.less(oldest, s.OldestCursor)) {
			s.OldestCursor = oldest
		}
		if s.NewestCursor == "" || (req.Direction == Newer && m.less(s.NewestCursor, newest)) {
			s.NewestCursor = newest
		}
	}

	switch {
	case page.HasMore != nil:
		s.HasMore = *page.HasMore
	case req.Limit > 0:
		s.HasMore = len(page.Cursors) >= req.Limit
	default:
		s.HasMore = len(page.Cursors) > 0
	}
	m.state = s
	return nil
}

// Advance records a live item at c, moving the newest edge forward only.
func (m *Machine) Advance(c Cursor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == "" {
		return
	}
	if m.state.NewestCursor == "" || m.less(m.state.NewestCursor, c) {
		m.state.NewestCursor = c
	}
	if m.state.OldestCursor == "" {
		m.state.OldestCursor = c
	}
}

// Reset forgets all cursors. A load in flight is abandoned and its End will
// report ErrUnmatchedEnd.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{HasMore: true}
	m.inFlight = nil
}

// Fetcher loads one page.
type Fetcher func(ctx context.Context, req Request) (Page, error)

// Load runs Begin, fetch and End. It returns ErrAlreadyLoading when another
// load is running.
func (m *Machine) Load(ctx context.Context, req Request, fetch Fetcher) (Page, error) {
	if !m.Begin(req) {
		return Page{}, ErrAlreadyLoading
	}
	page, err := fetch(ctx, req)
	if endErr := m.End(req, page, err); endErr != nil {
		return page, endErr
	}
	return page, err
}
