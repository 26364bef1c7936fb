package prover

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var bucketIssuances = []byte("issuances")

// IssuanceEntry records one proof handed to a caller.
type IssuanceEntry struct {
	Identifier string `json:"identifier"`
	Fid        uint64 `json:"fid"`
	CastHash   string `json:"castHash"`
	RequestID  string `json:"requestId,omitempty"`
	Epoch      uint32 `json:"epoch"`
	IssuedAt   int64  `json:"issuedAt"`
}

// IssuanceLog persists issued claim identifiers for audit.
type IssuanceLog struct {
	db *bbolt.DB
}

// OpenIssuanceLog opens (or creates) the log at path.
func OpenIssuanceLog(path string) (*IssuanceLog, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIssuances)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &IssuanceLog{db: db}, nil
}

// Close releases the underlying database handle.
func (l *IssuanceLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record stores entry under its identifier. Re-issuing the same claim keeps
// the first entry.
func (l *IssuanceLog) Record(entry IssuanceEntry) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("issuance log not initialised")
	}
	key := strings.ToLower(strings.TrimSpace(entry.Identifier))
	if key == "" {
		return fmt.Errorf("issuance identifier required")
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketIssuances)
		if bucket.Get([]byte(key)) != nil {
			return nil
		}
		return bucket.Put([]byte(key), encoded)
	})
}

// Get returns the entry for identifier.
func (l *IssuanceLog) Get(identifier string) (*IssuanceEntry, bool, error) {
	if l == nil || l.db == nil {
		return nil, false, fmt.Errorf("issuance log not initialised")
	}
	var entry *IssuanceEntry
	err := l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketIssuances).Get([]byte(strings.ToLower(strings.TrimSpace(identifier))))
		if raw == nil {
			return nil
		}
		entry = new(IssuanceEntry)
		return json.Unmarshal(raw, entry)
	})
	if err != nil {
		return nil, false, err
	}
	return entry, entry != nil, nil
}

// Count returns the number of recorded issuances.
func (l *IssuanceLog) Count() (int, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("issuance log not initialised")
	}
	var n int
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketIssuances).Stats().KeyN
		return nil
	})
	return n, err
}
