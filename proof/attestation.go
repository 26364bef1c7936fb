package proof

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ClaimData is the attester's JSON rendering of a claim and its info.
type ClaimData struct {
	Provider   string `json:"provider"`
	Parameters string `json:"parameters"`
	Owner      string `json:"owner"`
	TimestampS uint32 `json:"timestampS"`
	Context    string `json:"context"`
	Identifier string `json:"identifier"`
	Epoch      uint32 `json:"epoch"`
}

// WitnessData identifies a witness that took part in an attestation.
type WitnessData struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Attestation is the document returned by a zk-fetch attester.
type Attestation struct {
	ClaimData                ClaimData         `json:"claimData"`
	Identifier               string            `json:"identifier"`
	Signatures               []string          `json:"signatures"`
	Witnesses                []WitnessData     `json:"witnesses"`
	ExtractedParameterValues map[string]string `json:"extractedParameterValues,omitempty"`
}

// NewAttestation renders an on-chain proof in the attester JSON form.
func NewAttestation(p *Proof, witnesses []WitnessData, extracted map[string]string) *Attestation {
	if p == nil {
		return nil
	}
	id := "0x" + hex.EncodeToString(p.SignedClaim.Claim.Identifier[:])
	sigs := make([]string, 0, len(p.SignedClaim.Signatures))
	for _, sig := range p.SignedClaim.Signatures {
		sigs = append(sigs, "0x"+hex.EncodeToString(sig))
	}
	return &Attestation{
		ClaimData: ClaimData{
			Provider:   p.ClaimInfo.Provider,
			Parameters: p.ClaimInfo.Parameters,
			Owner:      strings.ToLower(p.SignedClaim.Claim.Owner.Hex()),
			TimestampS: p.SignedClaim.Claim.TimestampS,
			Context:    p.ClaimInfo.Context,
			Identifier: id,
			Epoch:      p.SignedClaim.Claim.Epoch,
		},
		Identifier:               id,
		Signatures:               sigs,
		Witnesses:                append([]WitnessData(nil), witnesses...),
		ExtractedParameterValues: extracted,
	}
}

// ToOnchain converts the attester document into the tuple layout accepted by
// verifiers.
func (a *Attestation) ToOnchain() (*Proof, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil attestation", ErrMalformedAttestation)
	}
	idRaw := a.ClaimData.Identifier
	if strings.TrimSpace(idRaw) == "" {
		idRaw = a.Identifier
	}
	id, err := decodeHex(idRaw)
	if err != nil || len(id) != 32 {
		return nil, fmt.Errorf("%w: identifier %q", ErrMalformedAttestation, idRaw)
	}
	if !common.IsHexAddress(strings.TrimSpace(a.ClaimData.Owner)) {
		return nil, fmt.Errorf("%w: owner %q", ErrMalformedAttestation, a.ClaimData.Owner)
	}
	if len(a.Signatures) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAttestation, ErrNoSignatures)
	}
	sigs := make([][]byte, 0, len(a.Signatures))
	for i, raw := range a.Signatures {
		sig, err := decodeHex(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: signature %d: %v", ErrMalformedAttestation, i, err)
		}
		sigs = append(sigs, sig)
	}
	out := &Proof{
		ClaimInfo: ClaimInfo{
			Provider:   a.ClaimData.Provider,
			Parameters: a.ClaimData.Parameters,
			Context:    a.ClaimData.Context,
		},
		SignedClaim: SignedClaim{
			Claim: Claim{
				Owner:      common.HexToAddress(a.ClaimData.Owner),
				TimestampS: a.ClaimData.TimestampS,
				Epoch:      a.ClaimData.Epoch,
			},
			Signatures: sigs,
		},
	}
	copy(out.SignedClaim.Claim.Identifier[:], id)
	return out, nil
}

func decodeHex(raw string) ([]byte, error) {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	return hex.DecodeString(cleaned)
}
