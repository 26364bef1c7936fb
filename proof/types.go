// Package proof models zk-fetch attestations: a claim that a trusted
// attester fetched a resource and observed a value, signed by one or more
// witnesses, together with the canonical ABI layout used by on-chain
// verifiers.
package proof

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrMalformedProof is returned when encoded proof bytes cannot be
	// decoded into the canonical tuple layout.
	ErrMalformedProof = errors.New("proof: malformed proof encoding")
	// ErrMalformedAttestation marks attester responses that cannot be
	// transformed into an on-chain proof.
	ErrMalformedAttestation = errors.New("proof: malformed attestation")
	// ErrNoSignatures is returned when a signed claim carries no signatures.
	ErrNoSignatures = errors.New("proof: signed claim has no signatures")
)

// ClaimInfo describes what was claimed and against which endpoint. The field
// order and names mirror the ABI tuple components.
type ClaimInfo struct {
	Provider   string
	Parameters string
	Context    string
}

// Claim is the signed portion of an attestation.
type Claim struct {
	Identifier [32]byte
	Owner      common.Address
	TimestampS uint32
	Epoch      uint32
}

// SignedClaim pairs a claim with its witness signatures.
type SignedClaim struct {
	Claim      Claim
	Signatures [][]byte
}

// Proof is the on-chain representation of an attestation.
type Proof struct {
	ClaimInfo   ClaimInfo
	SignedClaim SignedClaim
}

// Clone returns a deep copy of the proof.
func (p *Proof) Clone() *Proof {
	if p == nil {
		return nil
	}
	clone := *p
	if len(p.SignedClaim.Signatures) > 0 {
		clone.SignedClaim.Signatures = make([][]byte, len(p.SignedClaim.Signatures))
		for i, sig := range p.SignedClaim.Signatures {
			clone.SignedClaim.Signatures[i] = append([]byte(nil), sig...)
		}
	}
	return &clone
}

// IdentifierHash returns the claim identifier as a common.Hash.
func (c Claim) IdentifierHash() common.Hash {
	return common.Hash(c.Identifier)
}
