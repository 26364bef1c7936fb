package verifier

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nagare/native/authority"
	"nagare/proof"
)

// Epoch is a witness set trusted for signing claims.
type Epoch struct {
	ID               uint32
	Witnesses        []common.Address
	MinimumWitnesses uint32
	CreatedAt        int64
}

// Clone returns a deep copy of the epoch.
func (e *Epoch) Clone() *Epoch {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Witnesses = append([]common.Address(nil), e.Witnesses...)
	return &clone
}

func (e *Epoch) has(addr common.Address) bool {
	for _, w := range e.Witnesses {
		if w == addr {
			return true
		}
	}
	return false
}

// EpochState persists attester epochs.
type EpochState interface {
	EpochPut(*Epoch) error
	Epochs() ([]*Epoch, error)
}

// ProofChecker decides whether a proof carries enough trusted signatures.
type ProofChecker interface {
	CheckSignatures(*proof.Proof) error
}

// Attesters is the owner-managed registry of witness epochs. Epoch ids start
// at 1 and only grow.
type Attesters struct {
	auth  *authority.Authority
	state EpochState
	nowFn func() int64

	mu      sync.RWMutex
	epochs  map[uint32]*Epoch
	current uint32
}

// NewAttesters loads persisted epochs from state. A nil state keeps epochs in
// memory only.
func NewAttesters(auth *authority.Authority, state EpochState) (*Attesters, error) {
	if auth == nil {
		return nil, fmt.Errorf("verifier: attesters require an authority")
	}
	a := &Attesters{
		auth:   auth,
		state:  state,
		nowFn:  func() int64 { return time.Now().Unix() },
		epochs: make(map[uint32]*Epoch),
	}
	if state != nil {
		stored, err := state.Epochs()
		if err != nil {
			return nil, fmt.Errorf("verifier: load epochs: %w", err)
		}
		for _, epoch := range stored {
			if epoch == nil {
				continue
			}
			a.epochs[epoch.ID] = epoch.Clone()
			if epoch.ID > a.current {
				a.current = epoch.ID
			}
		}
	}
	return a, nil
}

// SetNowFunc overrides the clock used to stamp new epochs.
func (a *Attesters) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	a.mu.Lock()
	a.nowFn = now
	a.mu.Unlock()
}

// Authority exposes the owner controlling epoch changes.
func (a *Attesters) Authority() *authority.Authority { return a.auth }

// AddEpoch starts a new epoch with the supplied witnesses. Only the owner may
// call it.
func (a *Attesters) AddEpoch(caller common.Address, witnesses []common.Address, minimum uint32) (*Epoch, error) {
	if err := a.auth.Require(caller); err != nil {
		return nil, err
	}
	if len(witnesses) == 0 {
		return nil, fmt.Errorf("%w: no witnesses", ErrInvalidEpoch)
	}
	seen := make(map[common.Address]struct{}, len(witnesses))
	cleaned := make([]common.Address, 0, len(witnesses))
	for _, w := range witnesses {
		if w == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero witness address", ErrInvalidEpoch)
		}
		if _, dup := seen[w]; dup {
			return nil, fmt.Errorf("%w: duplicate witness %s", ErrInvalidEpoch, w.Hex())
		}
		seen[w] = struct{}{}
		cleaned = append(cleaned, w)
	}
	if minimum == 0 || int(minimum) > len(cleaned) {
		return nil, fmt.Errorf("%w: minimum %d outside 1..%d", ErrInvalidEpoch, minimum, len(cleaned))
	}
	sort.Slice(cleaned, func(i, j int) bool { return cleaned[i].Hex() < cleaned[j].Hex() })

	a.mu.Lock()
	defer a.mu.Unlock()
	epoch := &Epoch{
		ID:               a.current + 1,
		Witnesses:        cleaned,
		MinimumWitnesses: minimum,
		CreatedAt:        a.nowFn(),
	}
	if a.state != nil {
		if err := a.state.EpochPut(epoch.Clone()); err != nil {
			return nil, fmt.Errorf("verifier: persist epoch: %w", err)
		}
	}
	a.epochs[epoch.ID] = epoch
	a.current = epoch.ID
	return epoch.Clone(), nil
}

// CurrentEpoch returns the newest epoch, if any.
func (a *Attesters) CurrentEpoch() (*Epoch, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	epoch, ok := a.epochs[a.current]
	return epoch.Clone(), ok
}

// Epoch returns the epoch with the given id.
func (a *Attesters) Epoch(id uint32) (*Epoch, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	epoch, ok := a.epochs[id]
	return epoch.Clone(), ok
}

// CheckSignatures verifies that the proof's signatures come from at least the
// epoch's minimum number of distinct witnesses, with no unknown or repeated
// signer.
func (a *Attesters) CheckSignatures(p *proof.Proof) error {
	if p == nil {
		return errRejectSignatures
	}
	epoch, ok := a.Epoch(p.SignedClaim.Claim.Epoch)
	if !ok {
		return fmt.Errorf("%w: %d", errRejectEpoch, p.SignedClaim.Claim.Epoch)
	}
	signers, err := proof.RecoverSigners(p.SignedClaim)
	if err != nil {
		return fmt.Errorf("%w: %v", errRejectSignatures, err)
	}
	seen := make(map[common.Address]struct{}, len(signers))
	for _, signer := range signers {
		if !epoch.has(signer) {
			return fmt.Errorf("%w: unknown witness %s", errRejectSignatures, signer.Hex())
		}
		if _, dup := seen[signer]; dup {
			return fmt.Errorf("%w: duplicate witness %s", errRejectSignatures, signer.Hex())
		}
		seen[signer] = struct{}{}
	}
	if uint32(len(seen)) < epoch.MinimumWitnesses {
		return fmt.Errorf("%w: %d of %d witnesses", errRejectSignatures, len(seen), epoch.MinimumWitnesses)
	}
	return nil
}
