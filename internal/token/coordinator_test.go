package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/timer"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type result struct {
	tok Token
	err error
}

type providerCall struct {
	ctx    context.Context
	userID string
	reply  chan result
}

// fakeProvider parks every FetchToken call until the test replies.
type fakeProvider struct {
	calls chan *providerCall
	count atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{calls: make(chan *providerCall, 16)}
}

func (p *fakeProvider) FetchToken(ctx context.Context, userID string) (Token, error) {
	p.count.Add(1)
	c := &providerCall{ctx: ctx, userID: userID, reply: make(chan result, 1)}
	p.calls <- c
	select {
	case r := <-c.reply:
		return r.tok, r.err
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

func (p *fakeProvider) next(t *testing.T) *providerCall {
	t.Helper()
	select {
	case c := <-p.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected a provider call")
		return nil
	}
}

func (p *fakeProvider) expectNoCall(t *testing.T) {
	t.Helper()
	select {
	case <-p.calls:
		t.Fatal("unexpected provider call")
	case <-time.After(50 * time.Millisecond):
	}
}

func collector() (Waiter, chan result) {
	ch := make(chan result, 1)
	return func(tok Token, err error) { ch <- result{tok, err} }, ch
}

func wait(t *testing.T, ch chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not called")
		return result{}
	}
}

func expectPending(t *testing.T, ch chan result) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("waiter unexpectedly called with %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func valid(value string) Token {
	return Token{Value: value, UserID: "u1", ExpiresAt: epoch.Add(time.Hour)}
}

func expired(value string) Token {
	return Token{Value: value, UserID: "u1", ExpiresAt: epoch.Add(-time.Minute)}
}

func newTestCoordinator(t *testing.T, initial Token) (*Coordinator, *fakeProvider) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	p := newFakeProvider()
	c := NewCoordinator("u1", initial, p, timer.NewVirtual(epoch), logger)
	t.Cleanup(c.Close)
	return c, p
}

func TestAdd_ValidTokenDeliversSynchronously(t *testing.T) {
	c, p := newTestCoordinator(t, valid("a"))

	var got Token
	called := false
	c.Add(func(tok Token, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		got = tok
		called = true
	})

	if !called {
		t.Fatal("expected waiter to be called before Add returned")
	}
	if got.Value != "a" {
		t.Errorf("expected token a, got %q", got.Value)
	}
	p.expectNoCall(t)
}

func TestAdd_NeverStartsRefresh(t *testing.T) {
	c, p := newTestCoordinator(t, Token{})

	w, ch := collector()
	c.Add(w)

	p.expectNoCall(t)
	expectPending(t, ch)
	if n := c.pendingWaiters(); n != 1 {
		t.Errorf("expected 1 pending waiter, got %d", n)
	}
}

func TestAcquire_ConcurrentCallersShareOneRefresh(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger, _ := zap.NewDevelopment()
	p := newFakeProvider()
	c := NewCoordinator("u1", Token{}, p, timer.NewVirtual(epoch), logger)
	defer c.Close()

	const n = 32
	results := make(chan result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Acquire(func(tok Token, err error) { results <- result{tok, err} })
		}()
	}
	wg.Wait()

	call := p.next(t)
	if call.userID != "u1" {
		t.Errorf("expected refresh for u1, got %q", call.userID)
	}
	p.expectNoCall(t)

	call.reply <- result{tok: valid("fresh")}

	for i := 0; i < n; i++ {
		r := wait(t, results)
		if r.err != nil {
			t.Fatalf("unexpected error: %v", r.err)
		}
		if r.tok.Value != "fresh" {
			t.Fatalf("expected fresh token, got %q", r.tok.Value)
		}
	}
	if got := p.count.Load(); got != 1 {
		t.Errorf("expected exactly 1 provider call, got %d", got)
	}
	if tok, ok := c.Current(); !ok || tok.Value != "fresh" {
		t.Errorf("expected fresh token installed, got %+v valid=%v", tok, ok)
	}
}

func TestSet_RejectsInvalidTokensAndKeepsWaitersPending(t *testing.T) {
	tests := []struct {
		name    string
		tok     Token
		wantErr error
	}{
		{"expired", expired("old"), ErrExpired},
		{"wrong user", Token{Value: "x", UserID: "u2"}, ErrWrongUser},
		{"malformed", Token{UserID: "u1"}, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCoordinator(t, Token{})

			w, ch := collector()
			c.Add(w)

			var setErr error
			c.Set(tt.tok, func(err error) { setErr = err })

			if !errors.Is(setErr, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, setErr)
			}
			expectPending(t, ch)
			if n := c.pendingWaiters(); n != 1 {
				t.Errorf("expected waiter to stay pending, have %d", n)
			}
			if _, ok := c.Current(); ok {
				t.Error("expected no valid token after rejected Set")
			}

			c.Set(valid("good"), nil)
			if r := wait(t, ch); r.err != nil || r.tok.Value != "good" {
				t.Errorf("expected good token after valid Set, got %+v", r)
			}
		})
	}
}

func TestSet_CancelsRunningRefresh(t *testing.T) {
	c, p := newTestCoordinator(t, Token{})

	w, ch := collector()
	c.Acquire(w)
	call := p.next(t)

	c.Set(valid("manual"), nil)

	r := wait(t, ch)
	if r.err != nil || r.tok.Value != "manual" {
		t.Fatalf("expected manual token, got %+v", r)
	}
	select {
	case <-call.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected in-flight refresh to be cancelled")
	}

	// A late provider answer must not replace the token.
	call.reply <- result{tok: valid("late")}
	time.Sleep(20 * time.Millisecond)
	if tok, _ := c.Current(); tok.Value != "manual" {
		t.Errorf("expected manual token to stay installed, got %q", tok.Value)
	}
}

func TestRefreshFailure_FailsFlowAndGeneralWaiters(t *testing.T) {
	c, p := newTestCoordinator(t, expired("old"))

	general, generalCh := collector()
	c.Add(general)
	flowWaiter, flowCh := collector()
	c.RefreshToken(flowWaiter)

	boom := errors.New("refresh endpoint down")
	p.next(t).reply <- result{err: boom}

	for _, ch := range []chan result{generalCh, flowCh} {
		if r := wait(t, ch); !errors.Is(r.err, boom) {
			t.Errorf("expected refresh error, got %v", r.err)
		}
	}
	if tok, _ := c.Current(); tok.Value != "" {
		t.Errorf("expected token cleared after failure, got %q", tok.Value)
	}
}

func TestRefresh_ProviderReturnsExpiredToken(t *testing.T) {
	c, p := newTestCoordinator(t, Token{})

	w, ch := collector()
	c.Acquire(w)
	p.next(t).reply <- result{tok: expired("stale")}

	if r := wait(t, ch); !errors.Is(r.err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", r.err)
	}
}

func TestCancelRefreshFlow_KeepsToken(t *testing.T) {
	c, p := newTestCoordinator(t, valid("a"))

	w, ch := collector()
	c.RefreshToken(w)
	call := p.next(t)

	c.CancelRefreshFlow(nil)

	if r := wait(t, ch); !errors.Is(r.err, ErrRefreshCancelled) {
		t.Fatalf("expected ErrRefreshCancelled, got %v", r.err)
	}
	<-call.ctx.Done()
	if tok, ok := c.Current(); !ok || tok.Value != "a" {
		t.Errorf("expected token a kept, got %+v valid=%v", tok, ok)
	}
}

func TestRefreshExpired_DeliversNewerTokenWithoutRefresh(t *testing.T) {
	c, p := newTestCoordinator(t, valid("b"))

	w, ch := collector()
	c.RefreshExpired(valid("a"), w)

	if r := wait(t, ch); r.err != nil || r.tok.Value != "b" {
		t.Fatalf("expected current token b, got %+v", r)
	}
	p.expectNoCall(t)
}

func TestRefreshExpired_JoinsFlowForSameToken(t *testing.T) {
	c, p := newTestCoordinator(t, valid("a"))

	w1, ch1 := collector()
	w2, ch2 := collector()
	c.RefreshExpired(valid("a"), w1)
	call := p.next(t)
	c.RefreshExpired(valid("a"), w2)
	p.expectNoCall(t)

	call.reply <- result{tok: valid("b")}
	for _, ch := range []chan result{ch1, ch2} {
		if r := wait(t, ch); r.tok.Value != "b" {
			t.Errorf("expected b, got %+v", r)
		}
	}
}

func TestRefreshExpired_RacingFlows(t *testing.T) {
	tests := []struct {
		name       string
		firstDone  bool
		wantActive string
	}{
		{"superseded flow finishes first", true, "two"},
		{"current flow finishes first", false, "two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, p := newTestCoordinator(t, expired("a"))

			w1, ch1 := collector()
			c.RefreshExpired(expired("a"), w1)
			call1 := p.next(t)

			w2, ch2 := collector()
			c.RefreshExpired(expired("z"), w2)
			call2 := p.next(t)

			general, generalCh := collector()
			c.Add(general)

			if tt.firstDone {
				call1.reply <- result{tok: valid("one")}
				if r := wait(t, ch1); r.tok.Value != "one" {
					t.Fatalf("expected superseded flow waiter to get its own result, got %+v", r)
				}
				if tok, _ := c.Current(); tok.Value == "one" {
					t.Fatal("superseded flow must not install its token")
				}
				expectPending(t, generalCh)
				call2.reply <- result{tok: valid("two")}
			} else {
				call2.reply <- result{tok: valid("two")}
				if r := wait(t, generalCh); r.tok.Value != "two" {
					t.Fatalf("expected general waiter to get current flow result, got %+v", r)
				}
				call1.reply <- result{tok: valid("one")}
				if r := wait(t, ch1); r.tok.Value != "one" {
					t.Fatalf("expected superseded waiter to get one, got %+v", r)
				}
			}

			if r := wait(t, ch2); r.tok.Value != "two" {
				t.Errorf("expected current flow waiter to get two, got %+v", r)
			}
			if tt.firstDone {
				if r := wait(t, generalCh); r.tok.Value != "two" {
					t.Errorf("expected general waiter to get two, got %+v", r)
				}
			}
			time.Sleep(10 * time.Millisecond)
			if tok, _ := c.Current(); tok.Value != tt.wantActive {
				t.Errorf("expected %q installed, got %q", tt.wantActive, tok.Value)
			}
		})
	}
}

func TestRemoveWaiter(t *testing.T) {
	c, _ := newTestCoordinator(t, Token{})

	w, ch := collector()
	id := c.Add(w)
	c.RemoveWaiter(id)
	c.RemoveWaiter(id)

	c.Set(valid("a"), nil)
	expectPending(t, ch)
}

func TestSetUser_CancelsEverything(t *testing.T) {
	c, p := newTestCoordinator(t, valid("a"))

	w, ch := collector()
	c.RefreshToken(w)
	call := p.next(t)

	c.SetUser("u2")

	if r := wait(t, ch); !errors.Is(r.err, ErrUserChanged) {
		t.Fatalf("expected ErrUserChanged, got %v", r.err)
	}
	<-call.ctx.Done()
	if tok, _ := c.Current(); tok.Value != "" {
		t.Errorf("expected token cleared on user switch, got %q", tok.Value)
	}

	var setErr error
	c.Set(valid("a"), func(err error) { setErr = err })
	if !errors.Is(setErr, ErrWrongUser) {
		t.Errorf("expected ErrWrongUser for the old user's token, got %v", setErr)
	}
}

func TestClose_FailsWaiters(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	c := NewCoordinator("u1", Token{}, newFakeProvider(), timer.NewVirtual(epoch), logger)

	w, ch := collector()
	c.Add(w)
	c.Close()
	c.Close()

	if r := wait(t, ch); !errors.Is(r.err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", r.err)
	}

	w2, ch2 := collector()
	c.Acquire(w2)
	if r := wait(t, ch2); !errors.Is(r.err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", r.err)
	}
}

func TestToken_ExpiryFollowsClock(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	clock := timer.NewVirtual(epoch)
	c := NewCoordinator("u1", valid("a"), newFakeProvider(), clock, logger)
	defer c.Close()

	if _, ok := c.Current(); !ok {
		t.Fatal("expected token valid before expiry")
	}
	clock.Advance(2 * time.Hour)
	if _, ok := c.Current(); ok {
		t.Error("expected token invalid after expiry")
	}
}
