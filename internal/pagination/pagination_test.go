package pagination

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func newTestMachine() *Machine {
	logger, _ := zap.NewDevelopment()
	return NewMachine(nil, logger)
}

func TestMachine_FirstPage(t *testing.T) {
	m := newTestMachine()
	req := Request{Direction: Older, Limit: 2}

	if !m.Begin(req) {
		t.Fatal("expected Begin to succeed")
	}
	if !m.State().IsLoadingPage {
		t.Error("expected loading after Begin")
	}

	if err := m.End(req, Page{Cursors: []Cursor{"0002", "0001"}}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := m.State()
	if s.OldestCursor != "0001" {
		t.Errorf("expected oldest 0001, got %q", s.OldestCursor)
	}
	if s.NewestCursor != "0002" {
		t.Errorf("expected newest 0002, got %q", s.NewestCursor)
	}
	if !s.HasMore {
		t.Error("expected hasMore for a full page")
	}
	if s.IsLoadingPage {
		t.Error("expected not loading after End")
	}
}

func TestMachine_DoubleBeginRejected(t *testing.T) {
	m := newTestMachine()
	first := Request{Direction: Older, Limit: 10}

	if !m.Begin(first) {
		t.Fatal("expected first Begin to succeed")
	}
	before := m.State()
	if m.Begin(Request{Direction: Newer, Limit: 5}) {
		t.Fatal("expected overlapping Begin to be rejected")
	}
	if m.State() != before {
		t.Error("rejected Begin must not change state")
	}
	if err := m.End(first, Page{}, nil); err != nil {
		t.Errorf("expected original load to still complete, got %v", err)
	}
}

func TestMachine_ConcurrentBeginOnlyOneWins(t *testing.T) {
	m := newTestMachine()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Begin(Request{Direction: Older, Limit: 1}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one Begin to win, got %d", wins)
	}
}

func TestMachine_CursorsOnlyMoveOutward(t *testing.T) {
	m := newTestMachine()
	load := func(req Request, cursors ...Cursor) {
		t.Helper()
		if !m.Begin(req) {
			t.Fatal("Begin rejected")
		}
		if err := m.End(req, Page{Cursors: cursors}, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	load(Request{Direction: Older, Limit: 3}, "05", "06", "07")
	load(Request{Direction: Older, Limit: 3, From: "05"}, "02", "03", "04")
	if s := m.State(); s.OldestCursor != "02" || s.NewestCursor != "07" {
		t.Fatalf("unexpected cursors after older page: %+v", s)
	}

	// An older page carrying a newer item does not move the newest edge.
	load(Request{Direction: Older, Limit: 3, From: "02"}, "01", "09")
	if s := m.State(); s.NewestCursor != "07" {
		t.Errorf("older page moved newest edge: %+v", s)
	}

	// A newer page never moves the oldest edge backwards or the newest edge back.
	load(Request{Direction: Newer, Limit: 3, From: "07"}, "00", "08")
	s := m.State()
	if s.OldestCursor != "01" {
		t.Errorf("newer page moved oldest edge: %+v", s)
	}
	if s.NewestCursor != "08" {
		t.Errorf("expected newest 08, got %+v", s)
	}
	if s.HasMore {
		t.Error("expected hasMore false for a short page")
	}
}

func TestMachine_FailureLeavesCursors(t *testing.T) {
	m := newTestMachine()
	req := Request{Direction: Older, Limit: 2}
	m.Begin(req)
	_ = m.End(req, Page{Cursors: []Cursor{"5", "6"}}, nil)
	before := m.State()

	next := Request{Direction: Older, Limit: 2, From: "5"}
	m.Begin(next)
	if err := m.End(next, Page{Cursors: []Cursor{"1"}}, errors.New("network down")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.State(); got != before {
		t.Errorf("expected state kept at %+v, got %+v", before, got)
	}
}

func TestMachine_FailureKeepsLiveAdvance(t *testing.T) {
	m := newTestMachine()
	req := Request{Direction: Older, Limit: 2}
	m.Begin(req)
	_ = m.End(req, Page{Cursors: []Cursor{"b", "c"}}, nil)

	next := Request{Direction: Older, Limit: 2, From: "b"}
	m.Begin(next)
	m.Advance("d")
	if err := m.End(next, Page{}, errors.New("network down")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := m.State()
	if s.NewestCursor != "d" {
		t.Errorf("expected newest d after failed older load, got %q", s.NewestCursor)
	}
	if s.OldestCursor != "b" || s.IsLoadingPage {
		t.Errorf("unexpected state: %+v", s)
	}

	// A failed first load keeps the edge a live item seeded.
	m.Reset()
	first := Request{Direction: Newer, Limit: 2}
	m.Begin(first)
	m.Advance("x")
	_ = m.End(first, Page{}, errors.New("timeout"))
	if s := m.State(); s.OldestCursor != "x" || s.NewestCursor != "x" {
		t.Errorf("expected live cursor kept, got %+v", s)
	}
}

func TestMachine_UnmatchedEnd(t *testing.T) {
	m := newTestMachine()
	req := Request{Direction: Older, Limit: 2}

	if err := m.End(req, Page{}, nil); !errors.Is(err, ErrUnmatchedEnd) {
		t.Errorf("expected ErrUnmatchedEnd without Begin, got %v", err)
	}

	m.Begin(req)
	if err := m.End(Request{Direction: Newer, Limit: 2}, Page{}, nil); !errors.Is(err, ErrUnmatchedEnd) {
		t.Errorf("expected ErrUnmatchedEnd for a different request, got %v", err)
	}
	if !m.State().IsLoadingPage {
		t.Error("mismatched End must not finish the running load")
	}
}

func TestMachine_ExplicitHasMore(t *testing.T) {
	m := newTestMachine()
	req := Request{Direction: Older, Limit: 2}
	no := false

	m.Begin(req)
	_ = m.End(req, Page{Cursors: []Cursor{"1", "2"}, HasMore: &no}, nil)
	if m.State().HasMore {
		t.Error("expected explicit HasMore=false to win")
	}
}

func TestMachine_AdvanceAndReset(t *testing.T) {
	m := newTestMachine()
	m.Advance("5")
	m.Advance("3")
	m.Advance("7")

	s := m.State()
	if s.NewestCursor != "7" || s.OldestCursor != "5" {
		t.Errorf("unexpected state: %+v", s)
	}

	req := Request{Direction: Older, Limit: 1}
	m.Begin(req)
	m.Reset()
	if s := m.State(); s.NewestCursor != "" || s.IsLoadingPage || !s.HasMore {
		t.Errorf("unexpected state after reset: %+v", s)
	}
	if err := m.End(req, Page{}, nil); !errors.Is(err, ErrUnmatchedEnd) {
		t.Errorf("expected abandoned load to be unmatched, got %v", err)
	}
}

func TestMachine_Load(t *testing.T) {
	m := newTestMachine()
	block := make(chan struct{})
	started := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := m.Load(context.Background(), Request{Direction: Older, Limit: 1}, func(ctx context.Context, req Request) (Page, error) {
			close(started)
			<-block
			return Page{Cursors: []Cursor{"1"}}, nil
		})
		done <- err
	}()
	<-started

	_, err := m.Load(context.Background(), Request{Direction: Newer, Limit: 1}, func(context.Context, Request) (Page, error) {
		t.Error("overlapping load must not fetch")
		return Page{}, nil
	})
	if !errors.Is(err, ErrAlreadyLoading) {
		t.Errorf("expected ErrAlreadyLoading, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s := m.State(); s.OldestCursor != "1" || !s.HasMore {
		t.Errorf("unexpected state: %+v", s)
	}
}
