package token

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/metrics"
	"github.com/dgnsrekt/chatsync/internal/timer"
)

// refreshFlow is one provider call. A flow is current while it is the
// coordinator's flow field; a superseded flow still answers its own waiters
// but never installs its token.
type refreshFlow struct {
	key    string
	cancel context.CancelFunc
	done   bool
}

type waiter struct {
	fn   Waiter
	flow *refreshFlow // nil for general waiters
}

type delivery struct {
	fn  Waiter
	tok Token
	err error
}

// Coordinator owns the current token and serializes refreshes.
// All methods are safe for concurrent use. Waiters are invoked outside the
// internal lock and at most once.
type Coordinator struct {
	mu       sync.Mutex
	provider Provider
	clock    timer.Scheduler
	logger   *zap.Logger

	userID  string
	current Token
	waiters map[WaiterID]*waiter
	flow    *refreshFlow
	flows   map[*refreshFlow]struct{}
	closed  bool
}

// NewCoordinator creates a coordinator for userID. initial may be the zero
// Token when no token is known yet.
func NewCoordinator(userID string, initial Token, provider Provider, clock timer.Scheduler, logger *zap.Logger) *Coordinator {
	if clock == nil {
		clock = timer.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		provider: provider,
		clock:    clock,
		logger:   logger,
		userID:   userID,
		current:  initial,
		waiters:  make(map[WaiterID]*waiter),
		flows:    make(map[*refreshFlow]struct{}),
	}
}

// Current returns the installed token and whether it is currently valid.
func (c *Coordinator) Current() (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.validLocked()
}

// UserID returns the configured user.
func (c *Coordinator) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Add registers w. If a valid token exists and no refresh is running, w is
// called before Add returns. Add never starts a refresh.
func (c *Coordinator) Add(w Waiter) WaiterID {
	id := newWaiterID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		w(Token{}, ErrClosed)
		return id
	}
	if c.flow == nil && c.validLocked() {
		tok := c.current
		c.mu.Unlock()
		w(tok, nil)
		return id
	}
	c.waiters[id] = &waiter{fn: w}
	c.mu.Unlock()
	return id
}

// Acquire is Add, but starts a refresh when no valid token exists and none is
// running. Concurrent callers share one provider call.
func (c *Coordinator) Acquire(w Waiter) WaiterID {
	id := newWaiterID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		w(Token{}, ErrClosed)
		return id
	}
	if c.flow == nil && c.validLocked() {
		tok := c.current
		c.mu.Unlock()
		w(tok, nil)
		return id
	}
	c.waiters[id] = &waiter{fn: w}
	if c.flow == nil {
		c.startFlowLocked(c.current.Value)
	}
	c.mu.Unlock()
	return id
}

// RemoveWaiter forgets a waiter. It is a no-op for unknown or fulfilled ids.
func (c *Coordinator) RemoveWaiter(id WaiterID) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// RefreshToken triggers or joins a refresh of the current token.
func (c *Coordinator) RefreshToken(w Waiter) WaiterID {
	c.mu.Lock()
	stale := c.current
	c.mu.Unlock()
	return c.RefreshExpired(stale, w)
}

// RefreshExpired reports that stale was rejected. If a different valid token
// is already installed, w receives it. If the running refresh was started for
// the same stale token, w joins it. Otherwise a new refresh starts and any
// running one is superseded.
func (c *Coordinator) RefreshExpired(stale Token, w Waiter) WaiterID {
	id := newWaiterID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		w(Token{}, ErrClosed)
		return id
	}
	if c.current.Value != stale.Value && c.validLocked() {
		tok := c.current
		c.mu.Unlock()
		w(tok, nil)
		return id
	}

	flow := c.flow
	if flow == nil || flow.key != stale.Value {
		if flow != nil {
			c.logger.Debug("superseding token refresh", zap.String("previous", redact(flow.key)))
		}
		flow = c.startFlowLocked(stale.Value)
	}
	c.waiters[id] = &waiter{fn: w, flow: flow}
	c.mu.Unlock()
	return id
}

// Set installs a token obtained out of band. Malformed, wrong-user and expired
// tokens are rejected through completion and leave every waiter pending.
// On success the running refresh is cancelled and all waiters receive tok.
func (c *Coordinator) Set(tok Token, completion func(error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		complete(completion, ErrClosed)
		return
	}
	if err := tok.Validate(c.userID, c.clock.Now()); err != nil {
		c.mu.Unlock()
		c.logger.Warn("rejected token", zap.String("userID", tok.UserID), zap.Error(err))
		complete(completion, err)
		return
	}

	c.current = tok
	c.cancelFlowsLocked()
	out := c.drainLocked(func(*waiter) bool { return true }, tok, nil)
	c.mu.Unlock()

	deliver(out)
	complete(completion, nil)
}

// CancelRefreshFlow stops any running refresh and fails every pending waiter
// with err. The installed token is kept.
func (c *Coordinator) CancelRefreshFlow(err error) {
	if err == nil {
		err = ErrRefreshCancelled
	}
	c.mu.Lock()
	c.cancelFlowsLocked()
	out := c.drainLocked(func(*waiter) bool { return true }, Token{}, err)
	c.mu.Unlock()

	if len(out) > 0 {
		metrics.TokenRefreshes.WithLabelValues("cancelled").Inc()
	}
	deliver(out)
}

// SetUser switches the configured user. Switching to a different user clears
// the token and fails everything pending with ErrUserChanged.
func (c *Coordinator) SetUser(userID string) {
	c.mu.Lock()
	if c.userID == userID {
		c.mu.Unlock()
		return
	}
	c.logger.Info("switching token user", zap.String("from", c.userID), zap.String("to", userID))
	c.userID = userID
	c.current = Token{}
	c.cancelFlowsLocked()
	out := c.drainLocked(func(*waiter) bool { return true }, Token{}, ErrUserChanged)
	c.mu.Unlock()

	deliver(out)
}

// Close cancels refreshes and fails every pending waiter with ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelFlowsLocked()
	out := c.drainLocked(func(*waiter) bool { return true }, Token{}, ErrClosed)
	c.mu.Unlock()

	deliver(out)
}

func (c *Coordinator) startFlowLocked(key string) *refreshFlow {
	ctx, cancel := context.WithCancel(context.Background())
	f := &refreshFlow{key: key, cancel: cancel}
	c.flow = f
	c.flows[f] = struct{}{}
	userID := c.userID

	c.logger.Debug("starting token refresh", zap.String("userID", userID))
	go c.runFlow(ctx, f, userID)
	return f
}

func (c *Coordinator) runFlow(ctx context.Context, f *refreshFlow, userID string) {
	tok, err := c.provider.FetchToken(ctx, userID)
	c.finishFlow(f, userID, tok, err)
}

func (c *Coordinator) finishFlow(f *refreshFlow, userID string, tok Token, err error) {
	c.mu.Lock()
	if f.done {
		c.mu.Unlock()
		return
	}
	f.done = true
	f.cancel()
	delete(c.flows, f)

	if err == nil {
		err = tok.Validate(userID, c.clock.Now())
	}

	var out []delivery
	if c.flow == f {
		c.flow = nil
		if err == nil {
			c.current = tok
			out = c.drainLocked(func(w *waiter) bool { return w.flow == nil || w.flow == f }, tok, nil)
		} else {
			c.current = Token{}
			out = c.drainLocked(func(w *waiter) bool { return w.flow == nil || w.flow == f }, Token{}, err)
		}
	} else {
		if err == nil {
			out = c.drainLocked(func(w *waiter) bool { return w.flow == f }, tok, nil)
		} else {
			out = c.drainLocked(func(w *waiter) bool { return w.flow == f }, Token{}, err)
		}
	}
	c.mu.Unlock()

	switch {
	case err != nil:
		c.logger.Warn("token refresh failed", zap.String("userID", userID), zap.Error(err))
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
	default:
		c.logger.Debug("token refreshed", zap.String("userID", userID), zap.Int("waiters", len(out)))
		metrics.TokenRefreshes.WithLabelValues("success").Inc()
	}
	deliver(out)
}

func (c *Coordinator) cancelFlowsLocked() {
	for f := range c.flows {
		f.done = true
		f.cancel()
	}
	c.flows = make(map[*refreshFlow]struct{})
	c.flow = nil
}

func (c *Coordinator) drainLocked(match func(*waiter) bool, tok Token, err error) []delivery {
	var out []delivery
	for id, w := range c.waiters {
		if !match(w) {
			continue
		}
		delete(c.waiters, id)
		out = append(out, delivery{fn: w.fn, tok: tok, err: err})
	}
	return out
}

func (c *Coordinator) validLocked() bool {
	return c.current.Validate(c.userID, c.clock.Now()) == nil
}

// pendingWaiters is used by tests.
func (c *Coordinator) pendingWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func deliver(out []delivery) {
	for _, d := range out {
		d.fn(d.tok, d.err)
	}
}

func complete(fn func(error), err error) {
	if fn != nil {
		fn(err)
	}
}

func newWaiterID() WaiterID {
	return WaiterID(uuid.NewString())
}

func redact(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return v[:4] + "****"
}
