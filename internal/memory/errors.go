package memory

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a delete or lookup targets an unknown id.
// Search never returns it; an empty result is valid.
var ErrNotFound = errors.New("memory not found")

// ErrEmbeddingUnavailable is returned by similarity search when the query
// could not be embedded. Stores absorb the same condition by writing the
// record without a vector.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// ConnectivityError wraps a backend failure with the backend's name. Only
// durable store connectivity errors reach callers; the rest are absorbed
// into degraded-mode fallbacks.
type ConnectivityError struct {
	Backend string
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.Backend, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}
