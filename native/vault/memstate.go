package vault

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemState keeps vault state in memory.
type MemState struct {
	mu     sync.RWMutex
	pool   *Pool
	shares map[common.Address]*big.Int
}

// NewMemState returns an empty in-memory vault state.
func NewMemState() *MemState {
	return &MemState{pool: (*Pool)(nil).Clone(), shares: make(map[common.Address]*big.Int)}
}

func (m *MemState) VaultPool() (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool.Clone(), nil
}

func (m *MemState) VaultShares(account common.Address) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneBig(m.shares[account]), nil
}

func (m *MemState) VaultCommit(pool *Pool, shares map[common.Address]*big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool = pool.Clone()
	for addr, bal := range shares {
		m.shares[addr] = cloneBig(bal)
	}
	return nil
}
