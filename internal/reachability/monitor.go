// Package reachability tracks whether the network is usable.
package reachability

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor holds the current reachability and notifies listeners on change.
type Monitor struct {
	mu        sync.Mutex
	available bool
	next      int
	once      map[int]func()
	listeners map[int]func(bool)
	logger    *zap.Logger
}

// NewMonitor starts with the given reachability.
func NewMonitor(available bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		available: available,
		once:      make(map[int]func()),
		listeners: make(map[int]func(bool)),
		logger:    logger,
	}
}

// IsAvailable reports the last known reachability.
func (m *Monitor) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Set records reachability. Listeners run on the calling goroutine only when
// the value changes.
func (m *Monitor) Set(available bool) {
	m.mu.Lock()
	if m.available == available {
		m.mu.Unlock()
		return
	}
	m.available = available

	var once []func()
	if available {
		for id, fn := range m.once {
			once = append(once, fn)
			delete(m.once, id)
		}
	}
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info("network reachability changed", zap.Bool("available", available))
	for _, fn := range listeners {
		fn(available)
	}
	for _, fn := range once {
		fn()
	}
}

// NotifyWhenAvailable calls fn once the network is available, immediately if
// it already is. The returned func cancels a pending notification.
func (m *Monitor) NotifyWhenAvailable(fn func()) (cancel func()) {
	m.mu.Lock()
	if m.available {
		m.mu.Unlock()
		fn()
		return func() {}
	}
	id := m.next
	m.next++
	m.once[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.once, id)
		m.mu.Unlock()
	}
}

// Subscribe calls fn on every change until cancelled.
func (m *Monitor) Subscribe(fn func(available bool)) (cancel func()) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Probe dials addr every interval and feeds the result into Set until ctx
// is done.
func (m *Monitor) Probe(ctx context.Context, addr string, interval, timeout time.Duration) {
	dialer := net.Dialer{Timeout: timeout}
	check := func() {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("reachability probe failed", zap.String("addr", addr), zap.Error(err))
				m.Set(false)
			}
			return
		}
		_ = conn.Close()
		m.Set(true)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
