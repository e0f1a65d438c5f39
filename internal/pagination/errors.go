package pagination

import "errors"

var (
	ErrUnmatchedEnd   = errors.New("pagination end without matching begin")
	ErrAlreadyLoading = errors.New("a page is already loading")
)
