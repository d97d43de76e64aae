package carbon

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid startup configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransport marks network-level failures: refused, reset, timed out.
	ErrTransport = errors.New("transport failure")
	// ErrRemote marks a non-success HTTP status from the API.
	ErrRemote = errors.New("remote error")
	// ErrParse marks a success response whose body lacks the expected fields.
	ErrParse = errors.New("parse failure")
	// ErrStorageCorruption marks a persisted series that cannot be reshaped into rows.
	ErrStorageCorruption = errors.New("storage corruption")
	// ErrThresholdExceeded marks too many consecutive failed cycles.
	ErrThresholdExceeded = errors.New("consecutive failure threshold exceeded")
)

// FetchError describes why a fetch cycle produced no sample.
type FetchError struct {
	Kind       error // one of ErrTransport, ErrRemote, ErrParse
	StatusCode int   // set for ErrRemote
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%v after %d attempt(s): status %d: %v", e.Kind, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%v after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
