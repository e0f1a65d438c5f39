package event

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler receives dispatched events.
type Handler func(Envelope)

// Subscription is the handle returned by Registry.Subscribe.
type Subscription struct {
	id       string
	typ      string // empty matches every type
	handler  Handler
	active   atomic.Bool
	registry *Registry
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Cancel stops deliveries to the handler. A delivery already running when
// Cancel is called may finish; none starts after Cancel returns. Cancel is
// idempotent and may be called from inside the handler.
func (s *Subscription) Cancel() {
	if !s.active.Swap(false) {
		return
	}
	s.registry.remove(s.id)
}

// Registry maps event types to subscribers.
type Registry struct {
	mu   sync.RWMutex
	subs []*Subscription
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe registers handler for events of type typ.
func (r *Registry) Subscribe(typ string, handler Handler) *Subscription {
	s := &Subscription{id: uuid.NewString(), typ: typ, handler: handler, registry: r}
	s.active.Store(true)

	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()
	return s
}

// SubscribeAll registers handler for every event.
func (r *Registry) SubscribeAll(handler Handler) *Subscription {
	return r.Subscribe("", handler)
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dispatch delivers env to matching subscribers in registration order on the
// calling goroutine.
func (r *Registry) Dispatch(env Envelope) {
	r.mu.RLock()
	matching := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.typ == "" || s.typ == env.Type {
			matching = append(matching, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range matching {
		if s.active.Load() {
			s.handler(env)
		}
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}
