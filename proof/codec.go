package proof

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var proofArguments = abi.Arguments{{Name: "proof", Type: mustTupleType([]abi.ArgumentMarshaling{
	{Name: "claimInfo", Type: "tuple", Components: []abi.ArgumentMarshaling{
		{Name: "provider", Type: "string"},
		{Name: "parameters", Type: "string"},
		{Name: "context", Type: "string"},
	}},
	{Name: "signedClaim", Type: "tuple", Components: []abi.ArgumentMarshaling{
		{Name: "claim", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "identifier", Type: "bytes32"},
			{Name: "owner", Type: "address"},
			{Name: "timestampS", Type: "uint32"},
			{Name: "epoch", Type: "uint32"},
		}},
		{Name: "signatures", Type: "bytes[]"},
	}},
})}}

func mustTupleType(components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType("tuple", "", components)
	if err != nil {
		panic(fmt.Sprintf("proof: build abi tuple: %v", err))
	}
	return typ
}

// EncodeProof serialises the proof into the canonical ABI encoding of
// (claimInfo, signedClaim). The output is byte-for-byte identical to what
// Solidity's abi.encode produces for the same tuple.
func EncodeProof(p *Proof) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("proof: nil proof")
	}
	normalized := p.Clone()
	if normalized.SignedClaim.Signatures == nil {
		normalized.SignedClaim.Signatures = [][]byte{}
	}
	encoded, err := proofArguments.Pack(*normalized)
	if err != nil {
		return nil, fmt.Errorf("proof: encode: %w", err)
	}
	return encoded, nil
}

// DecodeProof parses bytes produced by EncodeProof (or any ABI encoder using
// the same tuple layout).
func DecodeProof(data []byte) (decoded *Proof, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedProof)
	}
	defer func() {
		// abi.ConvertType panics on shape mismatches.
		if r := recover(); r != nil {
			decoded = nil
			err = fmt.Errorf("%w: %v", ErrMalformedProof, r)
		}
	}()
	values, err := proofArguments.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: expected one value, got %d", ErrMalformedProof, len(values))
	}
	out := abi.ConvertType(values[0], new(Proof)).(*Proof)
	return out, nil
}
