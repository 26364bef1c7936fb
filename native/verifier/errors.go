package verifier

import "errors"

var (
	// ErrUnauthorized is returned when a registry that is not on the
	// allow-list calls the verifier.
	ErrUnauthorized = errors.New("verifier: unauthorized")
	// ErrUnknownAgreement is returned when no template is bound to the
	// (registry, agreement) pair.
	ErrUnknownAgreement = errors.New("verifier: unknown agreement")
	// ErrAgreementRegistered is returned when a template is already bound to
	// the agreement id.
	ErrAgreementRegistered = errors.New("verifier: agreement already registered")
	// ErrMalformedContractInfo marks templates that cannot be decoded. It is
	// distinct from a proof that simply does not match.
	ErrMalformedContractInfo = errors.New("verifier: malformed contract info")
	// ErrScheduleMismatch is returned when a template has fewer checkpoint
	// texts than the agreement has checkpoints.
	ErrScheduleMismatch = errors.New("verifier: template does not cover checkpoint schedule")
	// ErrInvalidEpoch is returned for unusable witness sets.
	ErrInvalidEpoch = errors.New("verifier: invalid epoch")
	// ErrInvalidRegistry is returned when a zero address is allow-listed.
	ErrInvalidRegistry = errors.New("verifier: invalid registry address")
)

// Rejection reasons. These never leave the package as errors from the
// Verify* calls, which report them as a false result.
var (
	errRejectIdentifier = errors.New("claim identifier does not match claim info")
	errRejectEpoch      = errors.New("unknown epoch")
	errRejectSignatures = errors.New("signatures not trusted")
	errRejectProvider   = errors.New("unsupported provider")
	errRejectParameters = errors.New("unreadable claim parameters")
	errRejectResource   = errors.New("claim targets a different resource")
	errRejectContext    = errors.New("unreadable claim context")
	errRejectValue      = errors.New("extracted value does not match template")
	errRejectNoText     = errors.New("template has no text for this claim")
)
