package witness

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks a malformed zk-fetch request.
	ErrInvalidRequest = errors.New("witness: invalid request")
	// ErrHostNotAllowed is returned for fetch targets outside the allow list.
	ErrHostNotAllowed = errors.New("witness: host not allowed")
	// ErrMatchFailed is returned when a response match selects nothing.
	ErrMatchFailed = errors.New("witness: response match failed")
	// ErrUnauthorized is returned for unknown or mismatched app credentials.
	ErrUnauthorized = errors.New("witness: unauthorized application")
)

// FetchError describes a failed upstream fetch.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("witness: fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("witness: fetch %s: status %d", e.URL, e.Status)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }
