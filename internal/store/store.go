package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eigerco/truelens/pkg/codec"
	"github.com/eigerco/truelens/pkg/db"
	"github.com/eigerco/truelens/pkg/db/pebble"
)

var ErrStoreClosed = errors.New("store is closed")

// Store is one domain's ledger. Transactions run one at a time: Update
// holds the write lock for the whole callback and commits the batch only if
// the callback succeeds, so a failed transaction leaves no partial writes.
type Store struct {
	db     db.KVStore
	mu     sync.RWMutex
	closed atomic.Bool
}

func New(kv db.KVStore) *Store {
	return &Store{db: kv}
}

// Open returns a store persisted in dir.
func Open(dir string) (*Store, error) {
	kv, err := pebble.NewKVStoreAt(dir)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", dir, err)
	}
	return New(kv), nil
}

// NewInMemory returns a store backed by an in-memory pebble instance.
func NewInMemory() (*Store, error) {
	kv, err := pebble.NewKVStore()
	if err != nil {
		return nil, err
	}
	return New(kv), nil
}

// Update runs fn inside a read-write transaction.
func (s *Store) Update(fn func(tx *Tx) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if err := fn(&Tx{b: batch, writable: true}); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	return fn(&Tx{b: batch})
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

var ErrReadOnly = errors.New("write in read-only transaction")

// Tx is a single domain transaction.
type Tx struct {
	b        db.Batch
	writable bool
}

// Get decodes the value stored at key into dst. It reports false when the
// key does not exist.
func (tx *Tx) Get(key []byte, dst any) (bool, error) {
	raw, err := tx.b.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", PrefixToString(key[0]), err)
	}
	if err := codec.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", PrefixToString(key[0]), err)
	}
	return true, nil
}

func (tx *Tx) Put(key []byte, v any) error {
	if !tx.writable {
		return ErrReadOnly
	}
	raw, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", PrefixToString(key[0]), err)
	}
	if err := tx.b.Put(key, raw); err != nil {
		return fmt.Errorf("put %s: %w", PrefixToString(key[0]), err)
	}
	return nil
}

func (tx *Tx) Delete(key []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	return tx.b.Delete(key)
}

// Uint64 reads a counter, zero when absent.
func (tx *Tx) Uint64(key []byte) (uint64, error) {
	var v uint64
	if _, err := tx.Get(key, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// Iterate calls fn with the key and raw value of every entry under prefix in
// key order. Returning false from fn stops the iteration.
func (tx *Tx) Iterate(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter, err := tx.b.NewIterator(prefix, prefixEnd(prefix))
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close() //nolint:errcheck

	for iter.Next() {
		value, err := iter.Value()
		if err != nil {
			return err
		}
		more, err := fn(iter.Key(), value)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
