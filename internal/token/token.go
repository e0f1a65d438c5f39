// Package token keeps an authentication token valid and hands it to the
// operations waiting on it.
package token

import (
	"context"
	"time"
)

// Token is an opaque credential bound to one user.
type Token struct {
	Value     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token has an expiry at or before now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Validate checks the token against the configured user at now.
func (t Token) Validate(userID string, now time.Time) error {
	switch {
	case t.Value == "":
		return ErrMalformed
	case t.UserID != userID:
		return ErrWrongUser
	case t.Expired(now):
		return ErrExpired
	}
	return nil
}

// Waiter receives a token or the reason none could be produced.
type Waiter func(Token, error)

// WaiterID identifies a registered waiter.
type WaiterID string

// Provider fetches a fresh token for a user, typically over REST.
type Provider interface {
	FetchToken(ctx context.Context, userID string) (Token, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, userID string) (Token, error)

func (f ProviderFunc) FetchToken(ctx context.Context, userID string) (Token, error) {
	return f(ctx, userID)
}

// Static returns a Provider that always yields tok.
func Static(tok Token) Provider {
	return ProviderFunc(func(context.Context, string) (Token, error) {
		return tok, nil
	})
}
