// Package vault implements a single-asset share vault. Depositors receive
// shares priced against the pool's total assets, so yield accrued into the
// pool raises the value of every share.
package vault

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	errNilState = errors.New("vault: state not configured")
	// ErrInvalidAmount is returned for nil, zero or negative amounts.
	ErrInvalidAmount = errors.New("vault: invalid amount")
	// ErrInvalidAccount is returned when the zero address is used.
	ErrInvalidAccount = errors.New("vault: invalid account")
	// ErrInsufficientBalance is returned when an account's shares do not
	// cover the requested assets.
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
	// ErrOverflow is returned when an amount does not fit 256 bits.
	ErrOverflow = errors.New("vault: amount overflows 256 bits")
	// ErrZeroShares is returned when a deposit is too small to mint a share.
	ErrZeroShares = errors.New("vault: deposit mints no shares")
)

// Pool holds the vault totals.
type Pool struct {
	TotalAssets *big.Int
	TotalShares *big.Int
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return &Pool{TotalAssets: big.NewInt(0), TotalShares: big.NewInt(0)}
	}
	return &Pool{TotalAssets: cloneBig(p.TotalAssets), TotalShares: cloneBig(p.TotalShares)}
}

type engineState interface {
	VaultPool() (*Pool, error)
	VaultShares(account common.Address) (*big.Int, error)
	// VaultCommit atomically stores the pool and the updated share balances.
	VaultCommit(pool *Pool, shares map[common.Address]*big.Int) error
}

// Vault is the share accounting engine.
type Vault struct {
	mu    sync.Mutex
	state engineState
}

// New returns a vault backed by state.
func New(state engineState) *Vault {
	return &Vault{state: state}
}

// Deposit adds assets to the pool and mints shares to receiver. The minted
// share amount is returned.
func (v *Vault) Deposit(receiver common.Address, assets *big.Int) (*big.Int, error) {
	if receiver == (common.Address{}) {
		return nil, ErrInvalidAccount
	}
	amount, err := toU256(assets)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	pool, err := v.pool()
	if err != nil {
		return nil, err
	}
	shares, err := previewShares(pool, amount, false)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, ErrZeroShares
	}
	held, err := v.shares(receiver)
	if err != nil {
		return nil, err
	}
	nextAssets, overflow := new(uint256.Int).AddOverflow(pool.assets, amount)
	if overflow {
		return nil, ErrOverflow
	}
	nextShares, overflow := new(uint256.Int).AddOverflow(pool.shares, shares)
	if overflow {
		return nil, ErrOverflow
	}
	nextHeld, overflow := new(uint256.Int).AddOverflow(held, shares)
	if overflow {
		return nil, ErrOverflow
	}
	if err := v.commit(nextAssets, nextShares, map[common.Address]*uint256.Int{receiver: nextHeld}); err != nil {
		return nil, err
	}
	return shares.ToBig(), nil
}

// Withdraw burns owner's shares worth assets and removes the assets from the
// pool on behalf of receiver. The burned share amount is returned.
func (v *Vault) Withdraw(owner, receiver common.Address, assets *big.Int) (*big.Int, error) {
	if owner == (common.Address{}) || receiver == (common.Address{}) {
		return nil, ErrInvalidAccount
	}
	amount, err := toU256(assets)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	pool, err := v.pool()
	if err != nil {
		return nil, err
	}
	if pool.assets.Lt(amount) {
		return nil, ErrInsufficientBalance
	}
	burn, err := previewShares(pool, amount, true)
	if err != nil {
		return nil, err
	}
	held, err := v.shares(owner)
	if err != nil {
		return nil, err
	}
	if held.Lt(burn) {
		return nil, ErrInsufficientBalance
	}
	nextAssets := new(uint256.Int).Sub(pool.assets, amount)
	nextShares := new(uint256.Int).Sub(pool.shares, burn)
	nextHeld := new(uint256.Int).Sub(held, burn)
	if err := v.commit(nextAssets, nextShares, map[common.Address]*uint256.Int{owner: nextHeld}); err != nil {
		return nil, err
	}
	return burn.ToBig(), nil
}

// Transfer moves shares worth assets from one account to another. Pool
// totals are unchanged.
func (v *Vault) Transfer(from, to common.Address, assets *big.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrInvalidAccount
	}
	amount, err := toU256(assets)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	pool, err := v.pool()
	if err != nil {
		return err
	}
	moved, err := previewShares(pool, amount, true)
	if err != nil {
		return err
	}
	fromHeld, err := v.shares(from)
	if err != nil {
		return err
	}
	if fromHeld.Lt(moved) {
		return fmt.Errorf("%w: %s holds %s shares, needs %s", ErrInsufficientBalance, from.Hex(), fromHeld.Dec(), moved.Dec())
	}
	if from == to {
		return nil
	}
	toHeld, err := v.shares(to)
	if err != nil {
		return err
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toHeld, moved)
	if overflow {
		return ErrOverflow
	}
	return v.commit(pool.assets, pool.shares, map[common.Address]*uint256.Int{
		from: new(uint256.Int).Sub(fromHeld, moved),
		to:   nextTo,
	})
}

// Accrue adds yield to the pool without minting shares.
func (v *Vault) Accrue(assets *big.Int) error {
	amount, err := toU256(assets)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	pool, err := v.pool()
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(pool.assets, amount)
	if overflow {
		return ErrOverflow
	}
	return v.commit(next, pool.shares, nil)
}

// BalanceOf returns the assets redeemable by account's shares.
func (v *Vault) BalanceOf(account common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pool, err := v.pool()
	if err != nil {
		return nil, err
	}
	held, err := v.shares(account)
	if err != nil {
		return nil, err
	}
	assets, err := previewAssets(pool, held)
	if err != nil {
		return nil, err
	}
	return assets.ToBig(), nil
}

// SharesOf returns account's raw share balance.
func (v *Vault) SharesOf(account common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	held, err := v.shares(account)
	if err != nil {
		return nil, err
	}
	return held.ToBig(), nil
}

// TotalAssets returns the assets held by the pool.
func (v *Vault) TotalAssets() (*big.Int, error) {
	p, err := v.Pool()
	if err != nil {
		return nil, err
	}
	return p.TotalAssets, nil
}

// Pool returns a copy of the vault totals.
func (v *Vault) Pool() (*Pool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pool, err := v.pool()
	if err != nil {
		return nil, err
	}
	return &Pool{TotalAssets: pool.assets.ToBig(), TotalShares: pool.shares.ToBig()}, nil
}

// ConvertToShares returns the shares minted for assets at the current price.
func (v *Vault) ConvertToShares(assets *big.Int) (*big.Int, error) {
	amount, err := toU256(assets)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	pool, err := v.pool()
	if err != nil {
		return nil, err
	}
	shares, err := previewShares(pool, amount, false)
	if err != nil {
		return nil, err
	}
	return shares.ToBig(), nil
}

// ConvertToAssets returns the assets redeemable for shares at the current
// price.
func (v *Vault) ConvertToAssets(shares *big.Int) (*big.Int, error) {
	amount, err := toU256(shares)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	pool, err := v.pool()
	if err != nil {
		return nil, err
	}
	assets, err := previewAssets(pool, amount)
	if err != nil {
		return nil, err
	}
	return assets.ToBig(), nil
}

type poolU256 struct {
	assets *uint256.Int
	shares *uint256.Int
}

func (v *Vault) pool() (*poolU256, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	stored, err := v.state.VaultPool()
	if err != nil {
		return nil, err
	}
	stored = stored.Clone()
	assets, overflow := uint256.FromBig(stored.TotalAssets)
	if overflow {
		return nil, ErrOverflow
	}
	shares, overflow := uint256.FromBig(stored.TotalShares)
	if overflow {
		return nil, ErrOverflow
	}
	return &poolU256{assets: assets, shares: shares}, nil
}

func (v *Vault) shares(account common.Address) (*uint256.Int, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	raw, err := v.state.VaultShares(account)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return new(uint256.Int), nil
	}
	held, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, ErrOverflow
	}
	return held, nil
}

func (v *Vault) commit(assets, shares *uint256.Int, balances map[common.Address]*uint256.Int) error {
	updates := make(map[common.Address]*big.Int, len(balances))
	for addr, bal := range balances {
		updates[addr] = bal.ToBig()
	}
	return v.state.VaultCommit(&Pool{TotalAssets: assets.ToBig(), TotalShares: shares.ToBig()}, updates)
}

// previewShares converts assets to shares against a virtual share and asset
// of one, so an empty pool prices at 1:1.
func previewShares(pool *poolU256, assets *uint256.Int, roundUp bool) (*uint256.Int, error) {
	num := new(uint256.Int).AddUint64(pool.shares, 1)
	den := new(uint256.Int).AddUint64(pool.assets, 1)
	if num.IsZero() || den.IsZero() {
		return nil, ErrOverflow
	}
	return mulDiv(assets, num, den, roundUp)
}

func previewAssets(pool *poolU256, shares *uint256.Int) (*uint256.Int, error) {
	num := new(uint256.Int).AddUint64(pool.assets, 1)
	den := new(uint256.Int).AddUint64(pool.shares, 1)
	if num.IsZero() || den.IsZero() {
		return nil, ErrOverflow
	}
	return mulDiv(shares, num, den, false)
}

func mulDiv(x, y, d *uint256.Int, roundUp bool) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if roundUp && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		out, overflow = new(uint256.Int).AddOverflow(out, uint256.NewInt(1))
		if overflow {
			return nil, ErrOverflow
		}
	}
	return out, nil
}

func toU256(v *big.Int) (*uint256.Int, error) {
	if v == nil || v.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
