package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"nagare/native/agreement"
	"nagare/native/vault"
	"nagare/native/verifier"
)

var (
	agreementPrefix      = []byte("agreement/record/")
	agreementCountKey    = []byte("agreement/count")
	verifierAllowPrefix  = []byte("verifier/allowed/")
	verifierTemplatePref = []byte("verifier/template/")
	epochPrefix          = []byte("verifier/epoch/")
	vaultPoolKey         = []byte("vault/pool")
	vaultSharesPrefix    = []byte("vault/shares/")
	ownerPrefix          = []byte("owner/")
)

// Store persists every engine's state in one Database. It satisfies the
// agreement, verifier and vault state interfaces.
type Store struct {
	db Database
	mu sync.Mutex
}

// NewStore wraps db.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

// KVGet decodes the RLP value at key into out. The boolean reports presence.
func (s *Store) KVGet(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return true, nil
}

// KVPut stores the RLP encoding of value at key.
func (s *Store) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}

func u64Key(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func addrKey(prefix []byte, addr common.Address) []byte {
	return append(append([]byte(nil), prefix...), addr.Bytes()...)
}

func unixToStored(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// --- agreements ---

type storedAgreement struct {
	ID                 uint64
	Creator            common.Address
	Verifier           common.Address
	ContractInfo       []byte
	TotalSize          *big.Int
	CheckpointSizes    []*big.Int
	Receiver           common.Address
	Provider           common.Address
	Completed          []uint64
	Released           *big.Int
	TerminationRelease *big.Int
	Terminated         bool
	CreatedAt          uint64
	UpdatedAt          uint64
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func toStoredAgreement(rec *agreement.Record) (*storedAgreement, error) {
	if rec == nil || rec.Terms == nil {
		return nil, fmt.Errorf("storage: agreement record must include terms")
	}
	sizes := make([]*big.Int, len(rec.Terms.CheckpointSizes))
	for i, size := range rec.Terms.CheckpointSizes {
		if size == nil || size.Sign() < 0 {
			return nil, fmt.Errorf("storage: checkpoint %d size must not be negative", i)
		}
		sizes[i] = size
	}
	return &storedAgreement{
		ID:                 rec.ID,
		Creator:            rec.Creator,
		Verifier:           rec.Terms.Verifier,
		ContractInfo:       rec.Terms.ContractInfo,
		TotalSize:          nonNil(rec.Terms.TotalSize),
		CheckpointSizes:    sizes,
		Receiver:           rec.Terms.Receiver,
		Provider:           rec.Terms.Provider,
		Completed:          rec.Completed,
		Released:           nonNil(rec.Released),
		TerminationRelease: nonNil(rec.TerminationRelease),
		Terminated:         rec.Terminated,
		CreatedAt:          unixToStored(rec.CreatedAt),
		UpdatedAt:          unixToStored(rec.UpdatedAt),
	}, nil
}

func (s *storedAgreement) record() *agreement.Record {
	return &agreement.Record{
		ID:      s.ID,
		Creator: s.Creator,
		Terms: &agreement.Agreement{
			Verifier:        s.Verifier,
			ContractInfo:    s.ContractInfo,
			TotalSize:       s.TotalSize,
			CheckpointSizes: s.CheckpointSizes,
			Receiver:        s.Receiver,
			Provider:        s.Provider,
		},
		Completed:          s.Completed,
		Released:           s.Released,
		TerminationRelease: s.TerminationRelease,
		Terminated:         s.Terminated,
		CreatedAt:          int64(s.CreatedAt),
		UpdatedAt:          int64(s.UpdatedAt),
	}
}

// AgreementGet loads an agreement record.
func (s *Store) AgreementGet(id uint64) (*agreement.Record, bool, error) {
	var stored storedAgreement
	ok, err := s.KVGet(u64Key(agreementPrefix, id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return stored.record(), true, nil
}

// AgreementPut writes the record and advances the count when rec is new.
func (s *Store) AgreementPut(rec *agreement.Record) error {
	stored, err := toStoredAgreement(rec)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.agreementCountLocked()
	if err != nil {
		return err
	}
	batch := new(Batch)
	batch.Put(u64Key(agreementPrefix, rec.ID), encoded)
	if rec.ID >= count {
		next, err := rlp.EncodeToBytes(rec.ID + 1)
		if err != nil {
			return err
		}
		batch.Put(agreementCountKey, next)
	}
	return s.db.Write(batch)
}

// AgreementCount returns the number of allocated agreement ids.
func (s *Store) AgreementCount() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agreementCountLocked()
}

func (s *Store) agreementCountLocked() (uint64, error) {
	var count uint64
	if _, err := s.KVGet(agreementCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// --- verifier ---

// VerifierAllowedPut records the registry allow-list flag.
func (s *Store) VerifierAllowedPut(registry common.Address, allowed bool) error {
	key := addrKey(verifierAllowPrefix, registry)
	if !allowed {
		return s.db.Delete(key)
	}
	return s.db.Put(key, []byte{1})
}

// VerifierAllowed lists allowed registries.
func (s *Store) VerifierAllowed() ([]common.Address, error) {
	var out []common.Address
	err := s.db.Iterate(verifierAllowPrefix, func(key, _ []byte) error {
		out = append(out, common.BytesToAddress(key[len(verifierAllowPrefix):]))
		return nil
	})
	return out, err
}

func templateKey(registry common.Address, agreementID uint64) []byte {
	return u64Key(addrKey(verifierTemplatePref, registry), agreementID)
}

// VerifierTemplatePut stores the encoded contract info.
func (s *Store) VerifierTemplatePut(registry common.Address, agreementID uint64, contractInfo []byte) error {
	return s.db.Put(templateKey(registry, agreementID), contractInfo)
}

// VerifierTemplateGet loads the encoded contract info.
func (s *Store) VerifierTemplateGet(registry common.Address, agreementID uint64) ([]byte, bool, error) {
	raw, err := s.db.Get(templateKey(registry, agreementID))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// VerifierTemplateDelete removes the encoded contract info.
func (s *Store) VerifierTemplateDelete(registry common.Address, agreementID uint64) error {
	return s.db.Delete(templateKey(registry, agreementID))
}

type storedEpoch struct {
	ID               uint64
	Witnesses        []common.Address
	MinimumWitnesses uint64
	CreatedAt        uint64
}

// EpochPut stores an attester epoch.
func (s *Store) EpochPut(epoch *verifier.Epoch) error {
	if epoch == nil {
		return fmt.Errorf("storage: epoch must not be nil")
	}
	return s.KVPut(u64Key(epochPrefix, uint64(epoch.ID)), storedEpoch{
		ID:               uint64(epoch.ID),
		Witnesses:        epoch.Witnesses,
		MinimumWitnesses: uint64(epoch.MinimumWitnesses),
		CreatedAt:        unixToStored(epoch.CreatedAt),
	})
}

// Epochs loads every stored epoch in id order.
func (s *Store) Epochs() ([]*verifier.Epoch, error) {
	var out []*verifier.Epoch
	err := s.db.Iterate(epochPrefix, func(_, value []byte) error {
		var stored storedEpoch
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return fmt.Errorf("storage: decode epoch: %w", err)
		}
		out = append(out, &verifier.Epoch{
			ID:               uint32(stored.ID),
			Witnesses:        stored.Witnesses,
			MinimumWitnesses: uint32(stored.MinimumWitnesses),
			CreatedAt:        int64(stored.CreatedAt),
		})
		return nil
	})
	return out, err
}

// --- vault ---

type storedPool struct {
	TotalAssets *big.Int
	TotalShares *big.Int
}

// VaultPool loads the vault totals.
func (s *Store) VaultPool() (*vault.Pool, error) {
	var stored storedPool
	ok, err := s.KVGet(vaultPoolKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (*vault.Pool)(nil).Clone(), nil
	}
	return &vault.Pool{TotalAssets: stored.TotalAssets, TotalShares: stored.TotalShares}, nil
}

// VaultShares loads the share balance of account.
func (s *Store) VaultShares(account common.Address) (*big.Int, error) {
	shares := new(big.Int)
	if _, err := s.KVGet(addrKey(vaultSharesPrefix, account), shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// VaultCommit writes the pool and share balances in one batch.
func (s *Store) VaultCommit(pool *vault.Pool, shares map[common.Address]*big.Int) error {
	if pool == nil {
		return fmt.Errorf("storage: vault pool must not be nil")
	}
	batch := new(Batch)
	encoded, err := rlp.EncodeToBytes(storedPool{TotalAssets: nonNil(pool.TotalAssets), TotalShares: nonNil(pool.TotalShares)})
	if err != nil {
		return err
	}
	batch.Put(vaultPoolKey, encoded)
	for addr, bal := range shares {
		key := addrKey(vaultSharesPrefix, addr)
		if bal == nil || bal.Sign() == 0 {
			batch.Delete(key)
			continue
		}
		encoded, err := rlp.EncodeToBytes(bal)
		if err != nil {
			return err
		}
		batch.Put(key, encoded)
	}
	return s.db.Write(batch)
}

// --- owners ---

// OwnerGet loads the persisted owner of component.
func (s *Store) OwnerGet(component string) (common.Address, bool, error) {
	raw, err := s.db.Get(append(append([]byte(nil), ownerPrefix...), component...))
	if errors.Is(err, ErrNotFound) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, err
	}
	return common.BytesToAddress(raw), true, nil
}

// OwnerPut persists the owner of component.
func (s *Store) OwnerPut(component string, owner common.Address) error {
	return s.db.Put(append(append([]byte(nil), ownerPrefix...), component...), owner.Bytes())
}
