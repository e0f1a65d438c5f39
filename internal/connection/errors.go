package connection

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dgnsrekt/chatsync/internal/token"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrPongTimeout   = errors.New("no pong received")
	ErrManagerClosed = errors.New("connection manager closed")
)

// Server error codes that mean the token must be replaced.
const (
	CodeTokenExpired         = 40
	CodeTokenNotValid        = 41
	CodeTokenDateIncorrect   = 42
	CodeTokenSignatureFailed = 43
)

// ServerError is an error frame sent by the server.
type ServerError struct {
	Code       int
	Message    string
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// Unwrap maps token error codes onto the token package sentinels.
func (e *ServerError) Unwrap() error {
	switch e.Code {
	case CodeTokenExpired:
		return token.ErrExpired
	case CodeTokenNotValid, CodeTokenDateIncorrect, CodeTokenSignatureFailed:
		return token.ErrInvalid
	}
	return nil
}

// IsClientError reports a 4xx rejection that retrying will not fix.
func (e *ServerError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// TransportError wraps a transport failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
