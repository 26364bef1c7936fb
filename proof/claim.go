package proof

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nagare/crypto"
)

// HashClaimInfo returns the content identifier of a claim:
// keccak256(provider "\n" parameters "\n" context).
func HashClaimInfo(info ClaimInfo) [32]byte {
	joined := strings.Join([]string{info.Provider, info.Parameters, info.Context}, "\n")
	return ethcrypto.Keccak256Hash([]byte(joined))
}

// SerialiseClaim renders the claim in the newline separated form that
// witnesses sign.
func SerialiseClaim(c Claim) string {
	return strings.Join([]string{
		"0x" + hex.EncodeToString(c.Identifier[:]),
		strings.ToLower(c.Owner.Hex()),
		strconv.FormatUint(uint64(c.TimestampS), 10),
		strconv.FormatUint(uint64(c.Epoch), 10),
	}, "\n")
}

// SignClaim produces a witness signature over the serialised claim.
func SignClaim(c Claim, key *crypto.PrivateKey) ([]byte, error) {
	return crypto.SignPersonal(key, []byte(SerialiseClaim(c)))
}

// RecoverSigners returns the witness address behind every signature in the
// order the signatures appear.
func RecoverSigners(sc SignedClaim) ([]common.Address, error) {
	if len(sc.Signatures) == 0 {
		return nil, ErrNoSignatures
	}
	msg := []byte(SerialiseClaim(sc.Claim))
	signers := make([]common.Address, 0, len(sc.Signatures))
	for i, sig := range sc.Signatures {
		addr, err := crypto.RecoverPersonal(msg, sig)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		signers = append(signers, addr)
	}
	return signers, nil
}

// IdentifierMatches reports whether the claim identifier is the content hash
// of the claim info.
func (p *Proof) IdentifierMatches() bool {
	if p == nil {
		return false
	}
	return HashClaimInfo(p.ClaimInfo) == p.SignedClaim.Claim.Identifier
}

// Sign assembles a proof over info, computing its identifier and collecting a
// signature from every supplied witness key.
func Sign(info ClaimInfo, owner common.Address, timestampS, epoch uint32, witnesses ...*crypto.PrivateKey) (*Proof, error) {
	if len(witnesses) == 0 {
		return nil, ErrNoSignatures
	}
	claim := Claim{
		Identifier: HashClaimInfo(info),
		Owner:      owner,
		TimestampS: timestampS,
		Epoch:      epoch,
	}
	sigs := make([][]byte, 0, len(witnesses))
	for _, key := range witnesses {
		sig, err := SignClaim(claim, key)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return &Proof{ClaimInfo: info, SignedClaim: SignedClaim{Claim: claim, Signatures: sigs}}, nil
}
