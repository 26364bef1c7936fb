package agreement

import (
	"errors"
	"fmt"
)

var (
	errNilState = errors.New("agreement: state not configured")

	// ErrInvalidAgreement is returned for malformed agreements and unknown
	// ids.
	ErrInvalidAgreement = errors.New("agreement: invalid agreement")
	// ErrUnknownAgreement narrows ErrInvalidAgreement to ids never issued.
	ErrUnknownAgreement = fmt.Errorf("%w: unknown id", ErrInvalidAgreement)
	// ErrAgreementAlreadyTerminated is returned for any mutation of a
	// terminated agreement.
	ErrAgreementAlreadyTerminated = errors.New("agreement: already terminated")
	// ErrInvalidCheckpoint is returned for out of range or already paid
	// checkpoint ids.
	ErrInvalidCheckpoint = errors.New("agreement: invalid checkpoint")
	// ErrCheckpointAlreadyCompleted narrows ErrInvalidCheckpoint to the
	// double-completion case.
	ErrCheckpointAlreadyCompleted = fmt.Errorf("%w: already completed", ErrInvalidCheckpoint)
	// ErrCheckpointVerificationFailed is returned when the verifier rejects a
	// checkpoint proof.
	ErrCheckpointVerificationFailed = errors.New("agreement: checkpoint verification failed")
	// ErrTerminationVerificationFailed is returned when the verifier rejects a
	// termination proof.
	ErrTerminationVerificationFailed = errors.New("agreement: termination verification failed")
	// ErrVaultTransfer wraps failures moving released funds.
	ErrVaultTransfer = errors.New("agreement: vault transfer failed")
)
