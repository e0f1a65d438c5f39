package model

import "errors"

// ErrMissingKey marks an event whose payload lacks the id its row is keyed by.
var ErrMissingKey = errors.New("payload missing key")
