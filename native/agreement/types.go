package agreement

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Status enumerates the lifecycle of an agreement.
type Status uint8

const (
	// StatusActive agreements accept checkpoints and termination.
	StatusActive Status = iota
	// StatusTerminated agreements accept nothing further.
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Agreement is the escrow schedule supplied at start. ContractInfo is opaque
// to the registry and interpreted only by the verifier.
type Agreement struct {
	Verifier        common.Address
	ContractInfo    []byte
	TotalSize       *big.Int
	CheckpointSizes []*big.Int
	Receiver        common.Address
	Provider        common.Address
}

// Clone returns a deep copy of the agreement.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := *a
	clone.ContractInfo = append([]byte(nil), a.ContractInfo...)
	clone.TotalSize = cloneBigInt(a.TotalSize)
	clone.CheckpointSizes = make([]*big.Int, len(a.CheckpointSizes))
	for i, size := range a.CheckpointSizes {
		clone.CheckpointSizes[i] = cloneBigInt(size)
	}
	return &clone
}

// Validate checks the schedule. Verifier resolution happens in the registry.
func (a *Agreement) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil agreement", ErrInvalidAgreement)
	}
	if a.Verifier == (common.Address{}) {
		return fmt.Errorf("%w: verifier required", ErrInvalidAgreement)
	}
	if a.Receiver == (common.Address{}) {
		return fmt.Errorf("%w: receiver required", ErrInvalidAgreement)
	}
	if a.Provider == (common.Address{}) {
		return fmt.Errorf("%w: provider required", ErrInvalidAgreement)
	}
	if a.TotalSize == nil || a.TotalSize.Sign() <= 0 {
		return fmt.Errorf("%w: total size must be positive", ErrInvalidAgreement)
	}
	if len(a.CheckpointSizes) == 0 {
		return fmt.Errorf("%w: checkpoint schedule required", ErrInvalidAgreement)
	}
	sum := new(big.Int)
	for i, size := range a.CheckpointSizes {
		if size == nil || size.Sign() < 0 {
			return fmt.Errorf("%w: checkpoint %d size must not be negative", ErrInvalidAgreement, i)
		}
		sum.Add(sum, size)
	}
	if sum.Cmp(a.TotalSize) > 0 {
		return fmt.Errorf("%w: checkpoint sizes sum to %s, above total %s", ErrInvalidAgreement, sum, a.TotalSize)
	}
	return nil
}

// Record is the stored state of an agreement. It is append-only: completed
// checkpoints only grow and Terminated never clears.
type Record struct {
	ID                 uint64
	Creator            common.Address
	Terms              *Agreement
	Completed          []uint64
	Released           *big.Int
	TerminationRelease *big.Int
	Terminated         bool
	CreatedAt          int64
	UpdatedAt          int64
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Terms = r.Terms.Clone()
	clone.Completed = append([]uint64(nil), r.Completed...)
	clone.Released = cloneBigInt(r.Released)
	clone.TerminationRelease = cloneBigInt(r.TerminationRelease)
	return &clone
}

// Status reports the lifecycle state.
func (r *Record) Status() Status {
	if r.Terminated {
		return StatusTerminated
	}
	return StatusActive
}

// IsCompleted reports whether checkpointID has been paid.
func (r *Record) IsCompleted(checkpointID uint64) bool {
	idx := sort.Search(len(r.Completed), func(i int) bool { return r.Completed[i] >= checkpointID })
	return idx < len(r.Completed) && r.Completed[idx] == checkpointID
}

// Balance returns the funds not yet released: total minus completed
// checkpoints minus any termination release.
func (r *Record) Balance() *big.Int {
	balance := cloneBigInt(r.Terms.TotalSize)
	balance.Sub(balance, cloneBigInt(r.Released))
	balance.Sub(balance, cloneBigInt(r.TerminationRelease))
	if balance.Sign() < 0 {
		return big.NewInt(0)
	}
	return balance
}

func (r *Record) markCompleted(checkpointID uint64, amount *big.Int) {
	idx := sort.Search(len(r.Completed), func(i int) bool { return r.Completed[i] >= checkpointID })
	r.Completed = append(r.Completed, 0)
	copy(r.Completed[idx+1:], r.Completed[idx:])
	r.Completed[idx] = checkpointID
	r.Released = new(big.Int).Add(cloneBigInt(r.Released), amount)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
