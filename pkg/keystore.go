package pkg

import (
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/zhangyunhao116/skipmap"

	"github.com/zde37/ringkv/pkg/keyspace"
)

// Entry is a single key/value pair held by a KeyStore.
type Entry struct {
	Key   int    `json:"key"`
	Value string `json:"value"`
}

// KeyStore maps identifiers to string values.
// Keys are kept in ascending order so range scans need no sorting.
// Ownership of a key is decided by the node, not by the store.
type KeyStore struct {
	data   *skipmap.IntMap[string]
	closed atomic.Bool

	// Metrics for monitoring
	hits    atomic.Int64
	misses  atomic.Int64
	puts    atomic.Int64
	deletes atomic.Int64
}

// NewKeyStore creates an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		data: skipmap.NewInt[string](),
	}
}

// ValidValue reports whether v can travel as a single wire token.
func ValidValue(v string) bool {
	if v == "" {
		return false
	}
	return strings.IndexFunc(v, unicode.IsSpace) < 0
}

// Get retrieves the value stored under key.
// Returns ErrKeyNotFound if the key is absent.
func (ks *KeyStore) Get(key int) (string, error) {
	if ks.closed.Load() {
		return "", ErrStorageUnavailable
	}
	if !keyspace.Valid(key) {
		return "", ErrKeyOutOfRange
	}

	value, ok := ks.data.Load(key)
	if !ok {
		ks.misses.Add(1)
		return "", ErrKeyNotFound
	}

	ks.hits.Add(1)
	return value, nil
}

// Put stores value under key, overwriting any previous value.
func (ks *KeyStore) Put(key int, value string) error {
	if ks.closed.Load() {
		return ErrStorageUnavailable
	}
	if !keyspace.Valid(key) {
		return ErrKeyOutOfRange
	}
	if !ValidValue(value) {
		return ErrInvalidValue
	}

	ks.data.Store(key, value)
	ks.puts.Add(1)
	return nil
}

// Delete removes key and returns the value it held.
// Deleting an absent key is not an error; ok is false in that case.
func (ks *KeyStore) Delete(key int) (value string, ok bool, err error) {
	if ks.closed.Load() {
		return "", false, ErrStorageUnavailable
	}
	if !keyspace.Valid(key) {
		return "", false, ErrKeyOutOfRange
	}

	value, ok = ks.data.LoadAndDelete(key)
	if ok {
		ks.deletes.Add(1)
	}
	return value, ok, nil
}

// Range calls fn for every present key of [start, end] in ring order.
// A wrapped range visits start..MaxID before 0..end.
func (ks *KeyStore) Range(start, end int, fn func(key int, value string) bool) {
	if ks.closed.Load() {
		return
	}

	if start <= end {
		ks.data.Range(func(key int, value string) bool {
			if key > end {
				return false
			}
			if key < start {
				return true
			}
			return fn(key, value)
		})
		return
	}

	stopped := false
	ks.data.Range(func(key int, value string) bool {
		if key < start {
			return true
		}
		if !fn(key, value) {
			stopped = true
			return false
		}
		return true
	})
	if stopped {
		return
	}
	ks.data.Range(func(key int, value string) bool {
		if key > end {
			return false
		}
		return fn(key, value)
	})
}

// Extract returns a copy of the entries of [start, end] in ring order.
func (ks *KeyStore) Extract(start, end int) []Entry {
	entries := make([]Entry, 0)
	ks.Range(start, end, func(key int, value string) bool {
		entries = append(entries, Entry{Key: key, Value: value})
		return true
	})
	return entries
}

// Snapshot returns every stored entry in ascending key order.
func (ks *KeyStore) Snapshot() []Entry {
	return ks.Extract(0, keyspace.MaxID)
}

// Len returns the number of stored keys.
func (ks *KeyStore) Len() int {
	return ks.data.Len()
}

// Close marks the store unavailable. Further calls fail with ErrStorageUnavailable.
func (ks *KeyStore) Close() error {
	ks.closed.Store(true)
	return nil
}

// Stats returns current storage statistics.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
	Puts    int64
	Deletes int64
}

// GetStats returns current storage statistics.
func (ks *KeyStore) GetStats() Stats {
	return Stats{
		Entries: ks.data.Len(),
		Hits:    ks.hits.Load(),
		Misses:  ks.misses.Load(),
		Puts:    ks.puts.Load(),
		Deletes: ks.deletes.Load(),
	}
}
