package auth

import (
	"container/list"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nagare/storage"
)

// nonceCache is a bounded LRU of recently used nonces.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	at  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains reports whether key was seen inside the window.
func (c *nonceCache) Contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now.Add(-c.ttl))
	_, ok := c.entries[key]
	return ok
}

// Add records key, evicting the oldest entry when full.
func (c *nonceCache) Add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now.Add(-c.ttl))
	if elem, ok := c.entries[key]; ok {
		elem.Value = nonceEntry{key: key, at: now}
		c.order.MoveToBack(elem)
		return
	}
	for c.order.Len() >= c.capacity {
		c.remove(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(nonceEntry{key: key, at: now})
}

func (c *nonceCache) expire(cutoff time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if !front.Value.(nonceEntry).at.Before(cutoff) {
			return
		}
		c.remove(front)
	}
}

func (c *nonceCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(nonceEntry).key)
}

var (
	nonceKeyPrefix    = []byte("appauth/nonce/")
	observedKeyPrefix = []byte("appauth/observed/")
	errStopIteration  = errors.New("stop")
)

// StoreLog keeps nonce usage in a storage.Database. Each nonce has a lookup
// key and an observed key ordered by time so pruning can stop early.
type StoreLog struct {
	mu sync.Mutex
	db storage.Database
}

// NewStoreLog returns a NonceLog over db.
func NewStoreLog(db storage.Database) *StoreLog {
	return &StoreLog{db: db}
}

// Observe implements NonceLog.
func (s *StoreLog) Observe(ctx context.Context, app, nonce string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	app, nonce = strings.TrimSpace(app), strings.TrimSpace(nonce)
	if app == "" || nonce == "" {
		return false, errors.New("auth: incomplete nonce record")
	}
	composite := app + "|" + nonce
	lookup := append(append([]byte(nil), nonceKeyPrefix...), composite...)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Get(lookup)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, storage.ErrNotFound):
		return false, fmt.Errorf("load nonce: %w", err)
	}
	nanos := at.UTC().UnixNano()
	stamp := make([]byte, 8)
	binary.BigEndian.PutUint64(stamp, uint64(nanos))
	batch := new(storage.Batch)
	batch.Put(lookup, stamp)
	batch.Put(observedKey(nanos, composite), nil)
	return false, s.db.Write(batch)
}

// Prune implements NonceLog.
func (s *StoreLog) Prune(ctx context.Context, cutoff time.Time) error {
	limit := string(observedKey(cutoff.UTC().UnixNano(), ""))
	batch := new(storage.Batch)

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Iterate(observedKeyPrefix, func(key, _ []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if string(key) >= limit {
			return errStopIteration
		}
		batch.Delete(key)
		rest := key[len(observedKeyPrefix):]
		if idx := strings.IndexByte(string(rest), '/'); idx >= 0 {
			batch.Delete(append(append([]byte(nil), nonceKeyPrefix...), rest[idx+1:]...))
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return err
	}
	return s.db.Write(batch)
}

func observedKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", observedKeyPrefix, nanos, composite))
}
