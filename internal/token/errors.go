package token

import "errors"

var (
	ErrExpired          = errors.New("token expired")
	ErrInvalid          = errors.New("token invalid")
	ErrMalformed        = errors.New("token malformed")
	ErrWrongUser        = errors.New("token belongs to a different user")
	ErrUserChanged      = errors.New("current user changed")
	ErrClosed           = errors.New("token coordinator closed")
	ErrRefreshCancelled = errors.New("token refresh cancelled")
)

// IsTokenError reports whether err means the token itself was rejected and a
// fresh one could fix it.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrExpired) || errors.Is(err, ErrInvalid) || errors.Is(err, ErrMalformed)
}
