// Package connection owns the lifecycle of the real-time connection: token
// gating, the transport, the heartbeat and reconnection.
package connection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/event"
	"github.com/dgnsrekt/chatsync/internal/metrics"
	"github.com/dgnsrekt/chatsync/internal/serial"
	"github.com/dgnsrekt/chatsync/internal/timer"
	"github.com/dgnsrekt/chatsync/internal/token"
)

var pingFrame = []byte(`{"type":"health.check"}`)

// TokenSource hands out tokens. token.Coordinator satisfies it.
type TokenSource interface {
	Acquire(w token.Waiter) token.WaiterID
	RefreshExpired(stale token.Token, w token.Waiter) token.WaiterID
	RemoveWaiter(id token.WaiterID)
}

// Reachability reports network availability. reachability.Monitor
// satisfies it.
type Reachability interface {
	IsAvailable() bool
	NotifyWhenAvailable(fn func()) (cancel func())
}

// EventSink receives non-control events in arrival order.
type EventSink interface {
	Append(env event.Envelope) error
}

// Config holds manager settings.
type Config struct {
	URL          string
	PingInterval time.Duration
	PongTimeout  time.Duration
	Strategy     StrategyConfig
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 25 * time.Second,
		PongTimeout:  3 * time.Second,
		Strategy:     DefaultStrategyConfig(),
	}
}

// Manager drives a single connection. Every state change happens on its
// serial queue; public methods post work and return.
type Manager struct {
	cfg       Config
	transport Transport
	tokens    TokenSource
	decoder   *event.Decoder
	sink      EventSink
	reach     Reachability
	clock     timer.Scheduler
	logger    *zap.Logger
	queue     *serial.Queue

	// stateMu guards state and conn for readers off the queue.
	stateMu sync.RWMutex
	state   State
	conn    Conn

	listenersMu sync.Mutex
	listeners   map[int]func(State)
	nextID      int

	// Owned by the queue.
	attempt        uint64
	heartbeat      *Heartbeat
	strategy       *Strategy
	connectToken   token.Token
	tokenWaiter    token.WaiterID
	dialCancel     context.CancelFunc
	reconnectTimer timer.Timer
	cancelReach    func()
	pendingConnect bool
	idWaiters      []chan idResult
	closed         bool
}

type idResult struct {
	id  string
	err error
}

// NewManager creates a manager in the Initialized state. sink and reach may
// be nil.
func NewManager(cfg Config, transport Transport, tokens TokenSource, decoder *event.Decoder, sink EventSink, reach Reachability, clock timer.Scheduler, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if clock == nil {
		clock = timer.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		tokens:    tokens,
		decoder:   decoder,
		sink:      sink,
		reach:     reach,
		clock:     clock,
		logger:    logger,
		queue:     serial.NewQueue(),
		state:     State{Kind: Initialized},
		listeners: make(map[int]func(State)),
		strategy:  NewStrategy(cfg.Strategy),
	}
	m.heartbeat = NewHeartbeat(clock, cfg.PingInterval, cfg.PongTimeout, m.queue.Async, m.sendPing, m.disconnectOnNoPongReceived)
	metrics.SetConnectionState(Initialized.String())
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// CurrentConnectionID returns the id while Connected.
func (m *Manager) CurrentConnectionID() (string, bool) {
	s := m.State()
	if s.Kind != Connected {
		return "", false
	}
	return s.ConnectionID, true
}

// OnStateChange registers fn to run on the manager queue after every
// transition. The returned func unregisters it.
func (m *Manager) OnStateChange(fn func(State)) (cancel func()) {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// Connect starts connecting unless already connecting or connected. A call
// made while disconnecting takes effect once the disconnect completes.
func (m *Manager) Connect() {
	m.queue.Async(m.connect)
}

// Disconnect closes the connection. Only UserInitiated suppresses automatic
// reconnection.
func (m *Manager) Disconnect(source DisconnectSource) {
	m.queue.Async(func() { m.disconnect(source) })
}

// Send writes frame while Connected.
func (m *Manager) Send(frame []byte) error {
	m.stateMu.RLock()
	kind, conn := m.state.Kind, m.conn
	m.stateMu.RUnlock()
	if kind != Connected || conn == nil {
		return ErrNotConnected
	}
	return conn.Write(frame)
}

// ConnectionID waits for the connection id. It fails when the connection
// ends for a reason a reconnect will not fix.
func (m *Manager) ConnectionID(ctx context.Context) (string, error) {
	ch := make(chan idResult, 1)
	if !m.queue.Async(func() {
		if m.closed {
			ch <- idResult{err: ErrManagerClosed}
			return
		}
		if m.state.Kind == Connected {
			ch <- idResult{id: m.state.ConnectionID}
			return
		}
		m.idWaiters = append(m.idWaiters, ch)
	}) {
		return "", ErrManagerClosed
	}

	select {
	case r := <-ch:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close tears the connection down and stops the queue. It must not be called
// from a state listener.
func (m *Manager) Close() {
	m.queue.Sync(m.shutdown)
	m.queue.Close()
}

// sync waits for queued work; used by tests.
func (m *Manager) sync() {
	m.queue.Sync(func() {})
}

func (m *Manager) connect() {
	if m.closed {
		return
	}
	switch m.state.Kind {
	case Connecting, Connected:
		return
	case Disconnecting:
		m.logger.Debug("connect requested while disconnecting, deferring")
		m.pendingConnect = true
		return
	}
	m.cancelReconnect()
	m.startConnecting(false)
}

// startConnecting moves to Connecting and asks for a token. With refresh the
// token the last attempt used is reported as rejected.
func (m *Manager) startConnecting(refresh bool) {
	m.attempt++
	a := m.attempt
	if !m.transition(State{Kind: Connecting}) {
		return
	}

	w := func(tok token.Token, err error) {
		m.queue.Async(func() { m.onToken(a, tok, err) })
	}
	if refresh {
		m.logger.Info("refreshing token before reconnect")
		m.tokenWaiter = m.tokens.RefreshExpired(m.connectToken, w)
	} else {
		m.tokenWaiter = m.tokens.Acquire(w)
	}
}

func (m *Manager) onToken(a uint64, tok token.Token, err error) {
	if a != m.attempt || m.state.Kind != Connecting || m.closed {
		return
	}
	m.tokenWaiter = ""

	if err != nil {
		m.logger.Warn("could not obtain token", zap.Error(err))
		m.transition(State{Kind: Disconnected, Err: err})
		m.afterDisconnected(DisconnectSource{Kind: SystemInitiated}, err)
		return
	}

	m.connectToken = tok
	req := ConnectRequest{URL: m.cfg.URL, UserID: tok.UserID, Token: tok.Value}
	d := &attemptDelegate{m: m, attempt: a, opened: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel

	m.logger.Debug("dialing", zap.String("url", req.URL), zap.String("userID", req.UserID))
	go func() {
		conn, err := m.transport.Dial(ctx, req, d)
		if err != nil {
			d.release()
			m.queue.Async(func() { m.onDialFailed(a, err) })
			return
		}
		if !m.queue.Async(func() { m.onOpen(d, conn) }) {
			_ = conn.Close()
			d.release()
		}
	}()
}

func (m *Manager) onDialFailed(a uint64, err error) {
	if a != m.attempt || m.state.Kind != Connecting || m.closed {
		return
	}
	m.dialCancel = nil
	cause := &TransportError{Op: "dial", Err: err}
	m.logger.Warn("dial failed", zap.Error(err))
	m.transition(State{Kind: Disconnected, Err: cause})
	m.afterDisconnected(DisconnectSource{Kind: SystemInitiated}, cause)
}

func (m *Manager) onOpen(d *attemptDelegate, conn Conn) {
	defer d.release()
	if d.attempt != m.attempt || m.state.Kind != Connecting || m.closed {
		_ = conn.Close()
		return
	}
	m.dialCancel = nil
	m.setConn(conn)
	m.heartbeat.Start()
	m.logger.Debug("transport open, waiting for health check")
}

func (m *Manager) onFrame(a uint64, data []byte) {
	if a != m.attempt || m.closed {
		return
	}
	m.heartbeat.Activity()

	env, err := m.decoder.Decode(data)
	if err != nil {
		metrics.DecodeErrors.Inc()
		m.logger.Warn("dropping undecodable frame", zap.Int("size", len(data)), zap.Error(err))
		return
	}

	switch env.Type {
	case event.TypeHealthCheck:
		if m.state.Kind == Connecting && env.ConnectionID != "" {
			m.onConnected(env.ConnectionID)
		}
	case event.TypeConnectionError:
		serr := &ServerError{}
		if env.Error != nil {
			serr.Code, serr.Message, serr.StatusCode = env.Error.Code, env.Error.Message, env.Error.StatusCode
		}
		m.logger.Warn("server error frame", zap.Int("code", serr.Code), zap.String("message", serr.Message))
		m.disconnect(DisconnectSource{Kind: ServerInitiated, Err: serr})
	default:
		if m.sink != nil {
			if err := m.sink.Append(env); err != nil {
				m.logger.Warn("event sink rejected event", zap.String("type", env.Type), zap.Error(err))
			}
		}
	}
}

func (m *Manager) onConnected(id string) {
	if !m.transition(State{Kind: Connected, ConnectionID: id}) {
		return
	}
	m.strategy.Reset()
	for _, ch := range m.idWaiters {
		ch <- idResult{id: id}
	}
	m.idWaiters = nil
}

func (m *Manager) onClose(a uint64, err error) {
	if a != m.attempt || m.closed {
		return
	}
	m.heartbeat.Stop()
	m.setConn(nil)

	var (
		source DisconnectSource
		cause  error
	)
	switch m.state.Kind {
	case Disconnecting:
		source = m.state.Source
		cause = source.Err
	case Connected, Connecting:
		cause = &TransportError{Op: "read", Err: err}
		if err == nil {
			cause = &TransportError{Op: "read", Err: errors.New("connection closed")}
		}
		source = DisconnectSource{Kind: ServerInitiated, Err: cause}
		if m.state.Kind == Connected {
			m.transition(State{Kind: Disconnecting, Source: source})
		}
	default:
		return
	}

	m.logger.Info("connection closed", zap.Stringer("source", source.Kind), zap.Error(cause))
	m.transition(State{Kind: Disconnected, Err: cause})
	m.afterDisconnected(source, cause)
}

// afterDisconnected runs the deferred connect, or asks the strategy.
func (m *Manager) afterDisconnected(source DisconnectSource, cause error) {
	// After a token error the id arrives once the refreshed token connects.
	switch {
	case cause == nil:
		m.failIDWaiters(ErrNotConnected)
	case !token.IsTokenError(cause):
		m.failIDWaiters(fmt.Errorf("%w: %v", ErrNotConnected, cause))
	}

	if m.pendingConnect {
		m.pendingConnect = false
		m.startConnecting(false)
		return
	}
	if source.Kind == UserInitiated {
		return
	}
	m.scheduleReconnect(cause)
}

func (m *Manager) scheduleReconnect(cause error) {
	online := m.reach == nil || m.reach.IsAvailable()
	d := m.strategy.Next(cause, online)
	metrics.ReconnectDecisions.WithLabelValues(d.String()).Inc()
	m.logger.Debug("reconnect decision",
		zap.Stringer("decision", d),
		zap.Duration("delay", d.Delay),
		zap.Int("failures", m.strategy.Failures()),
		zap.Error(cause),
	)

	a := m.attempt
	switch {
	case !d.Retry:
		m.logger.Warn("not reconnecting", zap.Error(cause))
	case d.WaitForNetwork:
		m.cancelReach = m.reach.NotifyWhenAvailable(func() {
			m.queue.Async(func() { m.reconnectNow(a, false) })
		})
	case d.RefreshToken:
		m.startConnecting(true)
	default:
		m.reconnectTimer = m.clock.AfterFunc(d.Delay, func() {
			m.queue.Async(func() { m.reconnectNow(a, false) })
		})
	}
}

func (m *Manager) reconnectNow(a uint64, refresh bool) {
	if a != m.attempt || m.state.Kind != Disconnected || m.closed {
		return
	}
	m.reconnectTimer = nil
	m.cancelReach = nil
	m.startConnecting(refresh)
}

func (m *Manager) disconnect(source DisconnectSource) {
	// Only the user withdraws a scheduled reconnect or a queued Connect.
	if source.Kind == UserInitiated {
		m.cancelReconnect()
		m.pendingConnect = false
	}

	switch m.state.Kind {
	case Connecting:
		m.heartbeat.Stop()
		m.stateMu.RLock()
		open := m.conn != nil
		m.stateMu.RUnlock()
		if open {
			m.transition(State{Kind: Disconnecting, Source: source})
			m.closeConn()
			return
		}

		// Still waiting for a token or the dial.
		if m.tokenWaiter != "" {
			m.tokens.RemoveWaiter(m.tokenWaiter)
			m.tokenWaiter = ""
		}
		if m.dialCancel != nil {
			m.dialCancel()
			m.dialCancel = nil
		}
		m.attempt++
		m.transition(State{Kind: Disconnected})
		m.afterDisconnected(source, source.Err)

	case Connected:
		m.heartbeat.Stop()
		m.transition(State{Kind: Disconnecting, Source: source})
		m.closeConn()
	}
}

func (m *Manager) disconnectOnNoPongReceived() {
	m.logger.Warn("no pong received, disconnecting")
	m.disconnect(DisconnectSource{Kind: NoPongReceived, Err: ErrPongTimeout})
}

func (m *Manager) sendPing() {
	m.stateMu.RLock()
	conn := m.conn
	m.stateMu.RUnlock()
	if conn == nil {
		return
	}
	if err := conn.Write(pingFrame); err != nil {
		m.logger.Debug("ping write failed", zap.Error(err))
	}
}

func (m *Manager) shutdown() {
	if m.closed {
		return
	}
	m.cancelReconnect()
	m.heartbeat.Stop()
	if m.tokenWaiter != "" {
		m.tokens.RemoveWaiter(m.tokenWaiter)
		m.tokenWaiter = ""
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}

	switch m.state.Kind {
	case Connected:
		m.transition(State{Kind: Disconnecting, Source: DisconnectSource{Kind: UserInitiated}})
		m.transition(State{Kind: Disconnected})
	case Connecting, Disconnecting:
		m.transition(State{Kind: Disconnected})
	}
	m.closeConn()
	m.closed = true
	m.attempt++
	m.failIDWaiters(ErrManagerClosed)
}

func (m *Manager) cancelReconnect() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.cancelReach != nil {
		m.cancelReach()
		m.cancelReach = nil
	}
}

func (m *Manager) failIDWaiters(err error) {
	for _, ch := range m.idWaiters {
		ch <- idResult{err: err}
	}
	m.idWaiters = nil
}

func (m *Manager) closeConn() {
	m.stateMu.RLock()
	conn := m.conn
	m.stateMu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) setConn(c Conn) {
	m.stateMu.Lock()
	m.conn = c
	m.stateMu.Unlock()
}

// transition applies next if the edge is allowed and notifies listeners.
func (m *Manager) transition(next State) bool {
	m.stateMu.Lock()
	prev := m.state
	if !CanTransition(prev.Kind, next.Kind) {
		m.stateMu.Unlock()
		m.logger.Error("illegal connection state transition",
			zap.Stringer("from", prev), zap.Stringer("to", next))
		return false
	}
	m.state = next
	m.stateMu.Unlock()

	metrics.SetConnectionState(next.Kind.String())
	m.logger.Info("connection state changed", zap.Stringer("from", prev), zap.Stringer("to", next))

	m.listenersMu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	m.listenersMu.Unlock()
	slices.Sort(ids)
	for _, id := range ids {
		m.listenersMu.Lock()
		fn, ok := m.listeners[id]
		m.listenersMu.Unlock()
		if ok {
			fn(next)
		}
	}
	return true
}

// attemptDelegate binds transport callbacks to one connection attempt.
// Frames wait until the manager has processed the open so they never
// overtake it.
type attemptDelegate struct {
	m       *Manager
	attempt uint64
	opened  chan struct{}
	once    sync.Once
}

func (d *attemptDelegate) release() {
	d.once.Do(func() { close(d.opened) })
}

func (d *attemptDelegate) OnFrame(data []byte) {
	<-d.opened
	d.m.queue.Async(func() { d.m.onFrame(d.attempt, data) })
}

func (d *attemptDelegate) OnClose(err error) {
	<-d.opened
	d.m.queue.Async(func() { d.m.onClose(d.attempt, err) })
}
