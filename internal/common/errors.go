package common

import (
	"context"
	"errors"
)

// Error taxonomy shared by the graph, matchmaking and session layers.
// Callers wrap these with fmt.Errorf("...: %w", ...) and test with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrAlreadySearching = errors.New("already searching")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidSession   = errors.New("invalid session")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidArgument  = errors.New("invalid argument")
)

var domainErrors = []error{
	ErrNotFound,
	ErrConflict,
	ErrAlreadySearching,
	ErrForbidden,
	ErrInvalidSession,
	ErrStoreUnavailable,
	ErrInvalidArgument,
}

// IsDomain reports whether err belongs to the taxonomy above.
func IsDomain(err error) bool {
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

// Retryable reports whether err looks like a transient infrastructure failure.
func Retryable(err error) bool {
	if err == nil || IsDomain(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
