package connection

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dgnsrekt/chatsync/internal/token"
)

func TestStrategy_BackoffGrowsAndCaps(t *testing.T) {
	s := NewStrategy(StrategyConfig{
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  4 * time.Second,
		Rand:      func(n int64) int64 { return n - 1 },
	})

	cause := errors.New("connection reset")
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}
	for i, w := range want {
		d := s.Next(cause, true)
		if !d.Retry || d.RefreshToken || d.WaitForNetwork {
			t.Fatalf("attempt %d: unexpected decision %s", i+1, d)
		}
		if d.Delay != w {
			t.Errorf("attempt %d: expected %s, got %s", i+1, w, d.Delay)
		}
	}
	if s.Failures() != len(want) {
		t.Errorf("expected %d failures, got %d", len(want), s.Failures())
	}

	s.Reset()
	if d := s.Next(cause, true); d.Delay != 500*time.Millisecond {
		t.Errorf("expected delay to restart after reset, got %s", d.Delay)
	}
}

func TestStrategy_JitterStaysInUpperHalf(t *testing.T) {
	s := NewStrategy(StrategyConfig{BaseDelay: time.Second, MaxDelay: time.Minute})
	for i := 0; i < 200; i++ {
		s.Reset()
		d := s.Next(errors.New("eof"), true)
		if d.Delay < 500*time.Millisecond || d.Delay > time.Second {
			t.Fatalf("delay %s outside [500ms, 1s]", d.Delay)
		}
	}
}

func TestStrategy_DelayIsAlwaysPositive(t *testing.T) {
	s := NewStrategy(StrategyConfig{
		BaseDelay: time.Nanosecond,
		MaxDelay:  time.Nanosecond,
		Rand:      func(int64) int64 { return 0 },
	})
	for i := 0; i < 100; i++ {
		if d := s.Next(errors.New("eof"), true); d.Delay <= 0 {
			t.Fatalf("attempt %d: non-positive delay %s", i+1, d.Delay)
		}
	}
}

func TestStrategy_Decisions(t *testing.T) {
	tests := []struct {
		name   string
		cause  error
		online bool
		want   string
	}{
		{"offline waits for network", errors.New("eof"), false, "wait_network"},
		{"expired token refreshes", &ServerError{Code: CodeTokenExpired, StatusCode: 401}, true, "refresh_token"},
		{"invalid token refreshes", &ServerError{Code: CodeTokenSignatureFailed, StatusCode: 401}, true, "refresh_token"},
		{"wrapped token error refreshes", fmt.Errorf("connect: %w", token.ErrExpired), true, "refresh_token"},
		{"client error stops", &ServerError{Code: 17, StatusCode: 403}, true, "stop"},
		{"rate limit backs off", &ServerError{Code: 9, StatusCode: 429}, true, "backoff"},
		{"server error backs off", &ServerError{Code: 1, StatusCode: 500}, true, "backoff"},
		{"transport error backs off", &TransportError{Op: "read", Err: errors.New("reset")}, true, "backoff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStrategy(DefaultStrategyConfig())
			if got := s.Next(tt.cause, tt.online).String(); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestStrategy_TokenRetriesAreCapped(t *testing.T) {
	s := NewStrategy(StrategyConfig{MaxTokenRetries: 2, Rand: func(int64) int64 { return 0 }})
	cause := &ServerError{Code: CodeTokenExpired, StatusCode: 401}

	for i := 0; i < 2; i++ {
		if d := s.Next(cause, true); !d.RefreshToken || d.Delay != 0 {
			t.Fatalf("attempt %d: expected immediate refresh, got %s", i+1, d)
		}
	}
	d := s.Next(cause, true)
	if d.RefreshToken || !d.Retry || d.Delay <= 0 {
		t.Errorf("expected backoff after the retry cap, got %s delay %s", d, d.Delay)
	}

	s.Reset()
	if d := s.Next(cause, true); !d.RefreshToken {
		t.Errorf("expected refresh after reset, got %s", d)
	}
}
