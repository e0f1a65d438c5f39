package connection

import (
	"time"

	"github.com/dgnsrekt/chatsync/internal/timer"
)

// Heartbeat sends an application ping every interval. The first unanswered
// ping arms a pong timer; any inbound activity disarms it. All methods must
// be called from the owner's serial queue; timers post back through post.
type Heartbeat struct {
	clock       timer.Scheduler
	interval    time.Duration
	pongTimeout time.Duration
	post        func(func()) bool
	sendPing    func()
	onTimeout   func()

	gen       uint64
	pingTimer timer.Timer
	pongTimer timer.Timer
	pongGen   uint64
	running   bool
}

func NewHeartbeat(clock timer.Scheduler, interval, pongTimeout time.Duration, post func(func()) bool, sendPing, onTimeout func()) *Heartbeat {
	return &Heartbeat{
		clock:       clock,
		interval:    interval,
		pongTimeout: pongTimeout,
		post:        post,
		sendPing:    sendPing,
		onTimeout:   onTimeout,
	}
}

// Start (re)starts the ping cycle.
func (h *Heartbeat) Start() {
	h.Stop()
	h.running = true
	h.schedulePing()
}

// Stop cancels both timers.
func (h *Heartbeat) Stop() {
	h.gen++
	h.running = false
	if h.pingTimer != nil {
		h.pingTimer.Stop()
		h.pingTimer = nil
	}
	h.disarmPong()
}

// Activity records inbound traffic, which counts as a pong.
func (h *Heartbeat) Activity() {
	h.disarmPong()
}

func (h *Heartbeat) schedulePing() {
	gen := h.gen
	h.pingTimer = h.clock.AfterFunc(h.interval, func() {
		h.post(func() { h.onPing(gen) })
	})
}

func (h *Heartbeat) onPing(gen uint64) {
	if gen != h.gen || !h.running {
		return
	}
	h.sendPing()
	if h.pongTimer == nil {
		h.pongGen++
		pg := h.pongGen
		h.pongTimer = h.clock.AfterFunc(h.pongTimeout, func() {
			h.post(func() { h.onPongTimeout(gen, pg) })
		})
	}
	h.schedulePing()
}

func (h *Heartbeat) onPongTimeout(gen, pongGen uint64) {
	if gen != h.gen || pongGen != h.pongGen || h.pongTimer == nil {
		return
	}
	h.Stop()
	h.onTimeout()
}

func (h *Heartbeat) disarmPong() {
	if h.pongTimer != nil {
		h.pongTimer.Stop()
		h.pongTimer = nil
	}
	h.pongGen++
}
