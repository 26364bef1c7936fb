package common

import (
	"errors"
	"strings"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"nagare/native/authority"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is an owner-controlled PauseView.
type Pauses struct {
	auth   *authority.Authority
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses returns a pause set controlled by auth.
func NewPauses(auth *authority.Authority) *Pauses {
	return &Pauses{auth: auth, paused: make(map[string]bool)}
}

// SetPaused pauses or resumes module. Only the owner may call it.
func (p *Pauses) SetPaused(caller ethcommon.Address, module string, paused bool) error {
	if err := p.auth.Require(caller); err != nil {
		return err
	}
	key := strings.ToLower(strings.TrimSpace(module))
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[key] = true
	} else {
		delete(p.paused, key)
	}
	return nil
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[strings.ToLower(strings.TrimSpace(module))]
}
