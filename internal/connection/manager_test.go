package connection

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/event"
	"github.com/dgnsrekt/chatsync/internal/timer"
	"github.com/dgnsrekt/chatsync/internal/token"
)

var healthFrame = []byte(`{"type":"health.check","connection_id":"conn-1"}`)

type fakeConn struct {
	d      Delegate
	mu     sync.Mutex
	writes [][]byte
	once   sync.Once
	wg     *sync.WaitGroup
}

func (c *fakeConn) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close() error {
	c.serverClose(nil)
	return nil
}

// serverClose reports the end of the connection once, like a read pump
// exiting.
func (c *fakeConn) serverClose(err error) {
	c.once.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.d.OnClose(err)
		}()
	})
}

func (c *fakeConn) pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.writes {
		if string(w) == string(pingFrame) {
			n++
		}
	}
	return n
}

type dialed struct {
	req  ConnectRequest
	conn *fakeConn
}

type fakeTransport struct {
	dials chan dialed
	wg    sync.WaitGroup

	mu     sync.Mutex
	latest *fakeConn
	fail   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dials: make(chan dialed, 256)}
}

func (t *fakeTransport) Dial(ctx context.Context, req ConnectRequest, d Delegate) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return nil, t.fail
	}
	c := &fakeConn{d: d, wg: &t.wg}
	t.latest = c
	t.dials <- dialed{req: req, conn: c}
	return c, nil
}

// frame delivers data on c from a transport goroutine.
func (t *fakeTransport) frame(c *fakeConn, data []byte) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		c.d.OnFrame(data)
	}()
}

type harness struct {
	m         *Manager
	transport *fakeTransport
	clock     *timer.Virtual
	tokens    *token.Coordinator
	states    chan State
	fetches   atomic.Int32
}

func newHarness(t *testing.T, cfg Config, initial token.Token, fetch token.ProviderFunc) *harness {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	dec, err := event.NewDecoder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(dec.Close)

	h := &harness{
		transport: newFakeTransport(),
		clock:     timer.NewVirtual(time.Unix(0, 0)),
		states:    make(chan State, 256),
	}
	if fetch == nil {
		fetch = func(context.Context, string) (token.Token, error) {
			return token.Token{}, errors.New("no provider")
		}
	}
	provider := token.ProviderFunc(func(ctx context.Context, userID string) (token.Token, error) {
		h.fetches.Add(1)
		return fetch(ctx, userID)
	})
	h.tokens = token.NewCoordinator("u1", initial, provider, h.clock, logger)
	if cfg.URL == "" {
		cfg.URL = "ws://chat.test/connect"
	}
	h.m = NewManager(cfg, h.transport, h.tokens, dec, nil, nil, h.clock, logger)
	h.m.OnStateChange(func(s State) { h.states <- s })
	return h
}

func (h *harness) close() {
	h.m.Close()
	h.tokens.Close()
	h.transport.wg.Wait()
}

func (h *harness) waitState(t *testing.T, kind Kind) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s.Kind == kind {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, current %s", kind, h.m.State())
		}
	}
}

func (h *harness) nextDial(t *testing.T) dialed {
	t.Helper()
	select {
	case d := <-h.transport.dials:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
	}
	return dialed{}
}

// connect drives the manager to Connected and returns the open connection.
func (h *harness) connect(t *testing.T) dialed {
	t.Helper()
	h.m.Connect()
	d := h.nextDial(t)
	h.transport.frame(d.conn, healthFrame)
	h.waitState(t, Connected)
	return d
}

var validToken = token.Token{Value: "t1", UserID: "u1"}

func TestManager_ConnectReachesConnected(t *testing.T) {
	h := newHarness(t, Config{}, validToken, nil)
	defer h.close()

	if got := h.m.State().Kind; got != Initialized {
		t.Fatalf("expected initialized, got %s", got)
	}

	d := h.connect(t)
	if d.req.Token != "t1" || d.req.UserID != "u1" || d.req.URL != "ws://chat.test/connect" {
		t.Errorf("unexpected connect request: %+v", d.req)
	}

	id, err := h.m.ConnectionID(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "conn-1" {
		t.Errorf("expected conn-1, got %q", id)
	}
	if cur, ok := h.m.CurrentConnectionID(); !ok || cur != "conn-1" {
		t.Errorf("expected current id conn-1, got %q %v", cur, ok)
	}

	if err := h.m.Send([]byte(`{"type":"typing.start"}`)); err != nil {
		t.Errorf("unexpected send error: %v", err)
	}

	// A second connect while connected is ignored.
	h.m.Connect()
	h.m.sync()
	select {
	case extra := <-h.transport.dials:
		t.Errorf("unexpected second dial: %+v", extra.req)
	default:
	}
}

func TestManager_SendRequiresConnection(t *testing.T) {
	h := newHarness(t, Config{}, validToken, nil)
	defer h.close()

	if err := h.m.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestManager_MissingPongsDisconnectAndBackOff(t *testing.T) {
	cfg := Config{
		PingInterval: 10 * time.Second,
		PongTimeout:  30 * time.Second,
		Strategy: StrategyConfig{
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  25 * time.Second,
			Rand:      func(int64) int64 { return 0 },
		},
	}
	h := newHarness(t, cfg, validToken, nil)
	defer h.close()

	d := h.connect(t)

	for i := 0; i < 3; i++ {
		h.clock.Advance(10 * time.Second)
		h.m.sync()
	}
	if got := d.conn.pings(); got != 3 {
		t.Fatalf("expected 3 pings before timeout, got %d", got)
	}
	if got := h.m.State().Kind; got != Connected {
		t.Fatalf("expected still connected before the pong timeout, got %s", got)
	}

	h.clock.Advance(10 * time.Second)
	src := h.waitState(t, Disconnecting)
	if src.Source.Kind != NoPongReceived {
		t.Errorf("expected no-pong source, got %s", src.Source.Kind)
	}
	s := h.waitState(t, Disconnected)
	if !errors.Is(s.Err, ErrPongTimeout) {
		t.Errorf("expected pong timeout cause, got %v", s.Err)
	}

	var failures int
	h.m.queue.Sync(func() { failures = h.m.strategy.Failures() })
	if failures != 1 {
		t.Errorf("expected 1 failure, got %d", failures)
	}

	// Rand returning 0 makes the delay exactly half the base delay.
	h.clock.Advance(249 * time.Millisecond)
	h.m.sync()
	select {
	case <-h.transport.dials:
		t.Fatal("reconnected before the backoff elapsed")
	default:
	}
	h.clock.Advance(time.Millisecond)
	h.nextDial(t)
}

func TestManager_ExpiredTokenErrorRefreshesBeforeReconnect(t *testing.T) {
	fresh := token.Token{Value: "t2", UserID: "u1"}
	h := newHarness(t, Config{}, validToken, func(context.Context, string) (token.Token, error) {
		return fresh, nil
	})
	defer h.close()

	d := h.connect(t)
	h.transport.frame(d.conn, []byte(`{"type":"connection.error","error":{"code":40,"message":"token expired","StatusCode":401}}`))

	s := h.waitState(t, Disconnecting)
	var serr *ServerError
	if !errors.As(s.Source.Err, &serr) || serr.Code != CodeTokenExpired {
		t.Fatalf("expected server error 40, got %v", s.Source.Err)
	}
	h.waitState(t, Disconnected)

	next := h.nextDial(t)
	if next.req.Token != "t2" {
		t.Errorf("expected refreshed token, got %q", next.req.Token)
	}
	if got := h.fetches.Load(); got != 1 {
		t.Errorf("expected 1 token fetch, got %d", got)
	}
}

func TestManager_TokenFailureDisconnectsWithoutDialing(t *testing.T) {
	h := newHarness(t, Config{}, token.Token{}, func(context.Context, string) (token.Token, error) {
		return token.Token{}, errors.New("auth service down")
	})
	defer h.close()

	h.m.Connect()
	h.waitState(t, Connecting)
	s := h.waitState(t, Disconnected)
	if s.Err == nil {
		t.Fatal("expected disconnect cause")
	}

	select {
	case d := <-h.transport.dials:
		t.Errorf("unexpected dial: %+v", d.req)
	default:
	}
}

func TestManager_DialFailureIsTransportError(t *testing.T) {
	h := newHarness(t, Config{}, validToken, nil)
	defer h.close()
	h.transport.fail = errors.New("connection refused")

	h.m.Connect()
	s := h.waitState(t, Disconnected)
	var terr *TransportError
	if !errors.As(s.Err, &terr) || terr.Op != "dial" {
		t.Errorf("expected dial transport error, got %v", s.Err)
	}
}

func TestManager_ConnectWhileDisconnectingIsDeferred(t *testing.T) {
	h := newHarness(t, Config{}, validToken, nil)
	defer h.close()

	h.connect(t)
	h.m.queue.Sync(func() {
		h.m.disconnect(DisconnectSource{Kind: UserInitiated})
		h.m.connect()
	})

	h.waitState(t, Disconnecting)
	h.waitState(t, Disconnected)
	h.waitState(t, Connecting)
	h.nextDial(t)
}

func TestManager_UserDisconnectDoesNotReconnect(t *testing.T) {
	h := newHarness(t, Config{}, validToken, nil)
	defer h.close()

	h.connect(t)
	h.m.Disconnect(DisconnectSource{Kind: UserInitiated})
	h.waitState(t, Disconnected)

	h.clock.Advance(time.Minute)
	h.m.sync()
	if got := h.m.State().Kind; got != Disconnected {
		t.Errorf("expected to stay disconnected, got %s", got)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("expected no reconnect timer, %d pending", h.clock.Pending())
	}
}

func TestManager_ServerCloseReconnects(t *testing.T) {
	h := newHarness(t, Config{Strategy: StrategyConfig{Rand: func(int64) int64 { return 0 }}}, validToken, nil)
	defer h.close()

	d := h.connect(t)
	d.conn.serverClose(errors.New("connection reset"))

	s := h.waitState(t, Disconnecting)
	if s.Source.Kind != ServerInitiated {
		t.Errorf("expected server-initiated source, got %s", s.Source.Kind)
	}
	h.waitState(t, Disconnected)
	h.m.sync()

	h.clock.Advance(DefaultStrategyConfig().BaseDelay)
	h.nextDial(t)
}

func TestManager_SystemDisconnectKeepsScheduledReconnect(t *testing.T) {
	h := newHarness(t, Config{Strategy: StrategyConfig{Rand: func(int64) int64 { return 0 }}}, validToken, nil)
	defer h.close()

	d := h.connect(t)
	d.conn.serverClose(errors.New("connection reset"))
	h.waitState(t, Disconnected)
	h.m.sync()

	h.m.Disconnect(DisconnectSource{Kind: SystemInitiated})
	h.m.sync()
	if h.clock.Pending() == 0 {
		t.Fatal("expected the reconnect to stay scheduled")
	}
	h.clock.Advance(DefaultStrategyConfig().BaseDelay)
	h.nextDial(t)
}

func TestManager_UserDisconnectCancelsScheduledReconnect(t *testing.T) {
	h := newHarness(t, Config{Strategy: StrategyConfig{Rand: func(int64) int64 { return 0 }}}, validToken, nil)
	defer h.close()

	d := h.connect(t)
	d.conn.serverClose(errors.New("connection reset"))
	h.waitState(t, Disconnected)
	h.m.sync()

	h.m.Disconnect(DisconnectSource{Kind: UserInitiated})
	h.m.sync()
	h.clock.Advance(time.Minute)
	h.m.sync()
	select {
	case <-h.transport.dials:
		t.Fatal("reconnected after a user disconnect")
	default:
	}
}

func TestManager_ConnectionIDWaiterFailsOnUserDisconnect(t *testing.T) {
	h := newHarness(t, Config{}, token.Token{}, func(ctx context.Context, _ string) (token.Token, error) {
		<-ctx.Done()
		return token.Token{}, ctx.Err()
	})
	defer h.close()

	h.m.Connect()
	h.waitState(t, Connecting)

	errc := make(chan error, 1)
	go func() {
		_, err := h.m.ConnectionID(context.Background())
		errc <- err
	}()
	for registered := false; !registered; {
		h.m.queue.Sync(func() { registered = len(h.m.idWaiters) == 1 })
	}

	h.m.Disconnect(DisconnectSource{Kind: UserInitiated})
	select {
	case err := <-errc:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released by the disconnect")
	}
	if got := h.m.State().Kind; got != Disconnected {
		t.Errorf("expected disconnected, got %s", got)
	}
}

func TestManager_CloseFailsWaiters(t *testing.T) {
	h := newHarness(t, Config{}, validToken, nil)
	h.close()

	if _, err := h.m.ConnectionID(context.Background()); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed, got %v", err)
	}
}

func TestManager_RandomOperationsFollowLegalEdges(t *testing.T) {
	dec, err := event.NewDecoder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer dec.Close()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	for seed := uint64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*7))
		logger := zap.NewNop()
		clock := timer.NewVirtual(time.Unix(0, 0))
		tr := newFakeTransport()
		tokens := token.NewCoordinator("u1", validToken, token.Static(validToken), clock, logger)
		m := NewManager(Config{URL: "ws://chat.test"}, tr, tokens, dec, nil, nil, clock, logger)

		var (
			prev    = Initialized
			illegal []string
		)
		m.OnStateChange(func(s State) {
			if !CanTransition(prev, s.Kind) {
				illegal = append(illegal, prev.String()+"->"+s.Kind.String())
			}
			prev = s.Kind
		})

		for i := 0; i < 200; i++ {
			tr.mu.Lock()
			latest := tr.latest
			tr.mu.Unlock()

			switch rng.IntN(6) {
			case 0, 1:
				m.Connect()
			case 2:
				m.Disconnect(DisconnectSource{Kind: UserInitiated})
			case 3:
				m.Disconnect(DisconnectSource{Kind: SystemInitiated})
			case 4:
				if latest != nil {
					tr.frame(latest, healthFrame)
				}
			case 5:
				if latest != nil {
					latest.serverClose(errors.New("reset"))
				}
				clock.Advance(time.Duration(rng.IntN(30)) * time.Second)
			}
			for len(tr.dials) > 0 {
				<-tr.dials
			}
			m.sync()
		}

		m.Close()
		tokens.Close()
		tr.wg.Wait()

		if len(illegal) > 0 {
			t.Fatalf("seed %d: illegal transitions %v", seed, illegal)
		}
	}
}
