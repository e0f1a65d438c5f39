package event

import (
	"errors"
	"fmt"
)

var ErrPipelineClosed = errors.New("event pipeline closed")

// DecodeError reports a frame that could not be turned into an Envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding event: %s: %v", e.Reason, e.Err)
	}
	return "decoding event: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PersistenceError reports a batch whose store transaction failed. The batch
// is not retried.
type PersistenceError struct {
	Batch    int
	FirstSeq uint64
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting batch of %d events from seq %d: %v", e.Batch, e.FirstSeq, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
