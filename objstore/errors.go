package objstore

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a key with no object in the requested bucket. Adapters
// wrap it with bucket and key context; match with errors.Is.
var ErrNotFound = errors.New("object not found")

// UnavailableError reports a store that could not be reached or a request
// that failed in transit. Operations failing with it may be retried.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("object store unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}
