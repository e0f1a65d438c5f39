// Package timer abstracts wall-clock scheduling so components can be driven
// by a virtual clock in tests.
package timer

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the
	// callback already ran or was stopped.
	Stop() bool
}

// Scheduler creates timers and reports the current time.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Real is the wall-clock Scheduler.
type Real struct{}

var _ Scheduler = Real{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Virtual is a manually advanced clock. Callbacks run on the goroutine that
// calls Advance, in deadline order.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*virtualTimer
}

var _ Scheduler = (*Virtual)(nil)

type virtualTimer struct {
	clock   *Virtual
	at      time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

// NewVirtual returns a clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) AfterFunc(d time.Duration, fn func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &virtualTimer{clock: v, at: v.now.Add(d), seq: v.seq, fn: fn}
	v.pending = append(v.pending, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// Advance moves the clock forward by d, firing every timer whose deadline is
// reached, including timers scheduled by callbacks within the window.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.mu.Lock()
		next := v.popDue(target)
		if next == nil {
			v.now = target
			v.mu.Unlock()
			return
		}
		if next.at.After(v.now) {
			v.now = next.at
		}
		next.fired = true
		v.mu.Unlock()

		next.fn()
	}
}

func (v *Virtual) popDue(target time.Time) *virtualTimer {
	if len(v.pending) == 0 {
		return nil
	}
	sort.Slice(v.pending, func(i, j int) bool {
		if v.pending[i].at.Equal(v.pending[j].at) {
			return v.pending[i].seq < v.pending[j].seq
		}
		return v.pending[i].at.Before(v.pending[j].at)
	})
	first := v.pending[0]
	if first.at.After(target) {
		return nil
	}
	v.pending = v.pending[1:]
	return first
}

func (t *virtualTimer) Stop() bool {
	v := t.clock
	v.mu.Lock()
	defer v.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	for i, p := range v.pending {
		if p == t {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			break
		}
	}
	return true
}
