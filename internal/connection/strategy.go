package connection

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/dgnsrekt/chatsync/internal/token"
)

// StrategyConfig tunes reconnection backoff.
type StrategyConfig struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxTokenRetries int
	// Rand returns a value in [0, n). Defaults to math/rand.
	Rand func(n int64) int64
}

func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        25 * time.Second,
		MaxTokenRetries: 3,
	}
}

// Decision is what to do after a disconnect.
type Decision struct {
	Retry          bool
	Delay          time.Duration
	RefreshToken   bool
	WaitForNetwork bool
}

func (d Decision) String() string {
	switch {
	case !d.Retry:
		return "stop"
	case d.WaitForNetwork:
		return "wait_network"
	case d.RefreshToken:
		return "refresh_token"
	}
	return "backoff"
}

// Strategy decides whether and when to reconnect. It is not safe for
// concurrent use; the manager calls it from its queue.
type Strategy struct {
	cfg          StrategyConfig
	failures     int
	tokenRetries int
}

func NewStrategy(cfg StrategyConfig) *Strategy {
	def := DefaultStrategyConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxTokenRetries < 0 {
		cfg.MaxTokenRetries = 0
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Int64N
	}
	return &Strategy{cfg: cfg}
}

// Failures returns the consecutive failures counted since the last Reset.
func (s *Strategy) Failures() int { return s.failures }

// Reset clears counters after a successful connection.
func (s *Strategy) Reset() {
	s.failures = 0
	s.tokenRetries = 0
}

// Next decides after a disconnect caused by cause.
func (s *Strategy) Next(cause error, online bool) Decision {
	if !online {
		return Decision{Retry: true, WaitForNetwork: true}
	}

	isToken := token.IsTokenError(cause)
	if isToken && s.tokenRetries < s.cfg.MaxTokenRetries {
		s.tokenRetries++
		return Decision{Retry: true, RefreshToken: true}
	}

	var serr *ServerError
	if !isToken && errors.As(cause, &serr) && serr.IsClientError() {
		return Decision{}
	}

	s.failures++
	return Decision{Retry: true, Delay: s.backoff()}
}

// backoff is exponential with equal jitter: half fixed, half random.
func (s *Strategy) backoff() time.Duration {
	d := s.cfg.MaxDelay
	if shift := s.failures - 1; shift < 32 {
		if exp := s.cfg.BaseDelay << shift; exp > 0 && exp < d {
			d = exp
		}
	}
	half := d / 2
	delay := half + time.Duration(s.cfg.Rand(int64(d-half)+1))
	if delay <= 0 {
		delay = d
	}
	return delay
}
