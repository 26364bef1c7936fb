package verifier

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// State persists the verifier's allow-list and templates.
type State interface {
	VerifierAllowedPut(registry common.Address, allowed bool) error
	VerifierAllowed() ([]common.Address, error)
	VerifierTemplatePut(registry common.Address, agreementID uint64, contractInfo []byte) error
	VerifierTemplateGet(registry common.Address, agreementID uint64) ([]byte, bool, error)
	VerifierTemplateDelete(registry common.Address, agreementID uint64) error
}

type templateKey struct {
	registry    common.Address
	agreementID uint64
}

// MemState is an in-memory State and EpochState.
type MemState struct {
	mu        sync.RWMutex
	allowed   map[common.Address]struct{}
	templates map[templateKey][]byte
	epochs    map[uint32]*Epoch
}

// NewMemState returns an empty in-memory state.
func NewMemState() *MemState {
	return &MemState{
		allowed:   make(map[common.Address]struct{}),
		templates: make(map[templateKey][]byte),
		epochs:    make(map[uint32]*Epoch),
	}
}

func (m *MemState) VerifierAllowedPut(registry common.Address, allowed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allowed {
		m.allowed[registry] = struct{}{}
	} else {
		delete(m.allowed, registry)
	}
	return nil
}

func (m *MemState) VerifierAllowed() ([]common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]common.Address, 0, len(m.allowed))
	for addr := range m.allowed {
		out = append(out, addr)
	}
	return out, nil
}

func (m *MemState) VerifierTemplatePut(registry common.Address, agreementID uint64, contractInfo []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[templateKey{registry, agreementID}] = append([]byte(nil), contractInfo...)
	return nil
}

func (m *MemState) VerifierTemplateGet(registry common.Address, agreementID uint64) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.templates[templateKey{registry, agreementID}]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

func (m *MemState) VerifierTemplateDelete(registry common.Address, agreementID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.templates, templateKey{registry, agreementID})
	return nil
}

func (m *MemState) EpochPut(epoch *Epoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs[epoch.ID] = epoch.Clone()
	return nil
}

func (m *MemState) Epochs() ([]*Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Epoch, 0, len(m.epochs))
	for _, epoch := range m.epochs {
		out = append(out, epoch.Clone())
	}
	return out, nil
}
