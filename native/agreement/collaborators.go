package agreement

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Verifier is anything able to judge checkpoint and termination evidence for
// agreements it has registered. Verify* return false for evidence that does
// not satisfy the template and an error for evidence that cannot be read.
// UnregisterAgreement undoes a registration the registry could not persist.
type Verifier interface {
	RegisterAgreement(caller common.Address, contractInfo []byte, agreementID uint64) error
	UnregisterAgreement(caller common.Address, agreementID uint64) error
	VerifyCheckpoint(caller common.Address, agreementID, checkpointID uint64, aux []byte) (bool, error)
	VerifyTermination(caller common.Address, agreementID uint64, aux []byte) (bool, error)
}

// ScheduleChecker is implemented by verifiers that can tell whether a
// template covers every checkpoint of an agreement.
type ScheduleChecker interface {
	CheckSchedule(contractInfo []byte, checkpoints int) error
}

// VerifierDirectory resolves the verifier referenced by an agreement.
type VerifierDirectory interface {
	Verifier(addr common.Address) (Verifier, bool)
}

// Vault is the pooled balance releases are drawn from.
type Vault interface {
	Transfer(from, to common.Address, amount *big.Int) error
	BalanceOf(account common.Address) (*big.Int, error)
}

// Directory is a VerifierDirectory backed by a map.
type Directory struct {
	mu        sync.RWMutex
	verifiers map[common.Address]Verifier
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{verifiers: make(map[common.Address]Verifier)}
}

// Register makes v resolvable at addr.
func (d *Directory) Register(addr common.Address, v Verifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v == nil {
		delete(d.verifiers, addr)
		return
	}
	d.verifiers[addr] = v
}

// Verifier implements VerifierDirectory.
func (d *Directory) Verifier(addr common.Address) (Verifier, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.verifiers[addr]
	return v, ok
}

type engineState interface {
	AgreementGet(id uint64) (*Record, bool, error)
	AgreementPut(*Record) error
	AgreementCount() (uint64, error)
}

// MemState keeps agreement records in memory.
type MemState struct {
	mu      sync.RWMutex
	records map[uint64]*Record
	count   uint64
}

// NewMemState returns an empty in-memory state.
func NewMemState() *MemState {
	return &MemState{records: make(map[uint64]*Record)}
}

func (m *MemState) AgreementGet(id uint64) (*Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec.Clone(), ok, nil
}

func (m *MemState) AgreementPut(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.Clone()
	if rec.ID >= m.count {
		m.count = rec.ID + 1
	}
	return nil
}

func (m *MemState) AgreementCount() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count, nil
}

// lockTable hands out one mutex per agreement id. Entries are dropped once
// no caller holds or waits on them.
type lockTable struct {
	mu    sync.Mutex
	locks map[uint64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (t *lockTable) lock(id uint64) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[uint64]*lockEntry)
	}
	entry, ok := t.locks[id]
	if !ok {
		entry = new(lockEntry)
		t.locks[id] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		t.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
