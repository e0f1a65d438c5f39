package observer

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var ErrAlreadyStarted = errors.New("observer already started")

// CommitSource announces committed writes. store.Store satisfies it.
type CommitSource interface {
	OnCommit(fn func()) (cancel func())
}

// ChangeObserver re-runs a query after every commit and reports the
// difference to the previously emitted snapshot.
type ChangeObserver[T any] struct {
	source CommitSource
	fetch  func() ([]T, error)
	key    func(T) string
	equal  func(a, b T) bool
	logger *zap.Logger

	// deliver is held for a whole fetch, diff and callback cycle.
	deliver  sync.Mutex
	mu       sync.Mutex
	items    []T
	onChange func([]Change[T])
	cancel   func()
	started  bool
	stopped  atomic.Bool
}

// New creates an observer. fetch returns the current query result in display
// order, key identifies an item and equal reports whether two versions of an
// item are the same.
func New[T any](source CommitSource, fetch func() ([]T, error), key func(T) string, equal func(a, b T) bool, logger *zap.Logger) *ChangeObserver[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeObserver[T]{
		source: source,
		fetch:  fetch,
		key:    key,
		equal:  equal,
		logger: logger,
	}
}

// StartObserving fetches the initial result, reports it as inserts and then
// reports a change set after each commit. Empty change sets are not reported.
func (o *ChangeObserver[T]) StartObserving(onChange func([]Change[T])) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.onChange = onChange
	o.mu.Unlock()

	o.deliver.Lock()
	defer o.deliver.Unlock()

	// Subscribe before the first fetch so no commit falls in between.
	cancel := o.source.OnCommit(o.refresh)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	initial, err := o.fetch()
	if err != nil {
		o.StopObservingAsync()
		return err
	}
	o.setItems(initial)

	if len(initial) > 0 && !o.stopped.Load() {
		changes := make([]Change[T], len(initial))
		for i, item := range initial {
			changes[i] = Change[T]{Kind: Insert, Item: item, Index: i}
		}
		onChange(changes)
	}
	return nil
}

// StopObserving unregisters from the source and waits for an in-flight
// delivery to finish. No callback runs after it returns. It is idempotent and
// must not be called from inside the change callback.
func (o *ChangeObserver[T]) StopObserving() {
	if !o.StopObservingAsync() {
		return
	}
	// Wait for a delivery that may be running.
	o.deliver.Lock()
	o.deliver.Unlock()
}

// StopObservingAsync stops future deliveries without waiting and reports
// whether this call stopped the observer. It is safe inside the callback.
func (o *ChangeObserver[T]) StopObservingAsync() bool {
	if o.stopped.Swap(true) {
		return false
	}
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// Items returns the last emitted snapshot.
func (o *ChangeObserver[T]) Items() []T {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]T, len(o.items))
	copy(out, o.items)
	return out
}

func (o *ChangeObserver[T]) refresh() {
	if o.stopped.Load() {
		return
	}
	o.deliver.Lock()
	defer o.deliver.Unlock()
	if o.stopped.Load() {
		return
	}

	next, err := o.fetch()
	if err != nil {
		o.logger.Warn("observer query failed", zap.Error(err))
		return
	}

	o.mu.Lock()
	prev := o.items
	onChange := o.onChange
	o.mu.Unlock()

	changes := Diff(prev, next, o.key, o.equal)
	o.setItems(next)
	if len(changes) > 0 {
		onChange(changes)
	}
}

func (o *ChangeObserver[T]) setItems(items []T) {
	o.mu.Lock()
	o.items = items
	o.mu.Unlock()
}
