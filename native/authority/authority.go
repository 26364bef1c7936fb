// Package authority implements single-owner access control shared by the
// verifier, attester registry and agreement registry.
package authority

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnauthorizedAccount is matched by OwnableUnauthorizedAccount errors.
	ErrUnauthorizedAccount = errors.New("authority: unauthorized account")
	// ErrInvalidOwner is matched by OwnableInvalidOwner errors.
	ErrInvalidOwner = errors.New("authority: invalid owner")
)

// OwnableUnauthorizedAccount is returned when a non-owner invokes an
// owner-only operation.
type OwnableUnauthorizedAccount struct {
	Account common.Address
}

func (e *OwnableUnauthorizedAccount) Error() string {
	return fmt.Sprintf("authority: account %s is not the owner", e.Account.Hex())
}

// Is allows errors.Is(err, ErrUnauthorizedAccount).
func (e *OwnableUnauthorizedAccount) Is(target error) bool { return target == ErrUnauthorizedAccount }

// OwnableInvalidOwner is returned when ownership would be assigned to an
// unusable address.
type OwnableInvalidOwner struct {
	Owner common.Address
}

func (e *OwnableInvalidOwner) Error() string {
	return fmt.Sprintf("authority: invalid owner %s", e.Owner.Hex())
}

// Is allows errors.Is(err, ErrInvalidOwner).
func (e *OwnableInvalidOwner) Is(target error) bool { return target == ErrInvalidOwner }

// TransferHook observes ownership changes. It runs after the change has been
// applied.
type TransferHook func(previous, next common.Address)

// Authority tracks the owner of a component. The zero address means the
// authority was renounced and no owner-only operation can succeed again.
type Authority struct {
	mu    sync.RWMutex
	owner common.Address
	hook  TransferHook
}

// New returns an authority owned by owner.
func New(owner common.Address) (*Authority, error) {
	if owner == (common.Address{}) {
		return nil, &OwnableInvalidOwner{Owner: owner}
	}
	return &Authority{owner: owner}, nil
}

// Restore rebuilds an authority from persisted state. Unlike New it accepts
// the zero address so that a renounced authority stays renounced.
func Restore(owner common.Address) *Authority {
	return &Authority{owner: owner}
}

// SetHook installs a hook invoked after every ownership change.
func (a *Authority) SetHook(hook TransferHook) {
	a.mu.Lock()
	a.hook = hook
	a.mu.Unlock()
}

// Owner returns the current owner.
func (a *Authority) Owner() common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.owner
}

// Renounced reports whether ownership has been permanently cleared.
func (a *Authority) Renounced() bool {
	return a.Owner() == (common.Address{})
}

// Require fails unless caller is the current owner.
func (a *Authority) Require(caller common.Address) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.requireLocked(caller)
}

func (a *Authority) requireLocked(caller common.Address) error {
	if a.owner == (common.Address{}) || caller != a.owner {
		return &OwnableUnauthorizedAccount{Account: caller}
	}
	return nil
}

// TransferOwnership hands the authority to next. Only the current owner may
// call it.
func (a *Authority) TransferOwnership(caller, next common.Address) error {
	if next == (common.Address{}) {
		return &OwnableInvalidOwner{Owner: next}
	}
	return a.transfer(caller, next)
}

// RenounceOwnership clears the owner. There is no way back.
func (a *Authority) RenounceOwnership(caller common.Address) error {
	return a.transfer(caller, common.Address{})
}

func (a *Authority) transfer(caller, next common.Address) error {
	a.mu.Lock()
	if err := a.requireLocked(caller); err != nil {
		a.mu.Unlock()
		return err
	}
	previous := a.owner
	a.owner = next
	hook := a.hook
	a.mu.Unlock()
	if hook != nil {
		hook(previous, next)
	}
	return nil
}
