package streamclient

import (
	"errors"
	"fmt"
)

func Errorf(format string, v ...interface{}) error {
	return &Error{fmt.Errorf(format, v...)}
}

// Error wraps error and implements MarshalJSON so that errors that are parts
// of structs are properly serialized.
type Error struct {
	error
}

func (e *Error) Unwrap() error {
	return e.error
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.Error() + `"`), nil
}

// Code classifies errors returned by a stream service. The set is small and
// fixed: these are the conditions the fetcher has to react to, everything
// else is treated as transient.
type Code string

const (
	// CursorNotFound means the cursor token is not known to the service
	// (purged, or minted against a previous assignment).
	CursorNotFound Code = "CURSOR_NOT_FOUND"
	// CursorExpired means the cursor's server-side lease ran out.
	CursorExpired Code = "CURSOR_EXPIRED"
	// GenerationMismatch means the consumer's group generation is stale
	// and its partition assignment is no longer valid.
	GenerationMismatch Code = "GENERATION_MISMATCH"
)

// StreamError is an error response from the stream service.
type StreamError struct {
	Code    Code
	Message string
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *StreamError) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.Error() + `"`), nil
}

// IsAssignmentFatal reports whether err implies that the consumer's partition
// assignment is no longer valid and the membership layer should rebalance.
// Transient errors (network, throttling, service hiccups) are not fatal: the
// partition is simply retried on the next fetch round.
func IsAssignmentFatal(err error) bool {
	var se *StreamError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case CursorNotFound, CursorExpired, GenerationMismatch:
		return true
	}
	return false
}
