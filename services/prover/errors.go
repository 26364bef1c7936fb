package prover

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks requests missing fid, cast hash or expected text.
var ErrInvalidRequest = errors.New("prover: invalid request")

// UpstreamFetchError is returned when the hub read API cannot serve the cast.
type UpstreamFetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *UpstreamFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("prover: fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("prover: fetch %s: status %d", e.URL, e.Status)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// FactMismatchError is returned when the cast text differs from the expected
// milestone text.
type FactMismatchError struct {
	Expected string
	Actual   string
}

func (e *FactMismatchError) Error() string {
	return fmt.Sprintf("prover: cast text %q does not match milestone text %q", e.Actual, e.Expected)
}

// ProofGenerationError wraps attester failures.
type ProofGenerationError struct {
	Err error
}

func (e *ProofGenerationError) Error() string {
	return fmt.Sprintf("prover: generate proof: %v", e.Err)
}

func (e *ProofGenerationError) Unwrap() error { return e.Err }
