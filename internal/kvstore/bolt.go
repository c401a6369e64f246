// Package kvstore is the write-through persistence adapter for the three
// logical Elder metadata databases and the Adult chunk store (spec §6,
// "Persisted state layout"), with an explicit open/flush/close lifecycle
// per the "Global mutable registries" redesign note in spec §9.
//
// The teacher's own on-disk cache (core/storage.go's diskLRU) is an
// in-process LRU, not a durable keyed index, so it isn't reused here.
// go.etcd.io/bbolt is adopted instead: a real dependency already present
// in the retrieval pack (kluzzebass-gastrolog, via hashicorp/raft-boltdb/v2)
// rather than an invented store.
package kvstore

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// DefaultBucket is the single bucket each DB file uses; one physical bbolt
// file per logical database keeps the "three databases on Elders, one on
// Adults" layout of spec §6 literal rather than multiplexed into buckets
// of a shared file.
var DefaultBucket = []byte("default")

// DB is a single opened bbolt-backed logical database.
type DB struct {
	path string
	bolt *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures
// DefaultBucket exists.
func Open(path string) (*DB, error) {
	b, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = b.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(DefaultBucket)
		return err
	})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("init bucket %s: %w", path, err)
	}
	return &DB{path: path, bolt: b}, nil
}

// Get returns the value for key, and whether it was present.
func (d *DB) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(DefaultBucket).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Set writes key to value.
func (d *DB) Set(key, value []byte) error {
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(DefaultBucket).Put(key, value)
	})
}

// Delete removes key. Deleting an absent key is a no-op, matching the
// idempotent-delete invariant the index mutations rely on.
func (d *DB) Delete(key []byte) error {
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(DefaultBucket).Delete(key)
	})
}

// Has reports whether key is present, without copying its value.
func (d *DB) Has(key []byte) (bool, error) {
	var found bool
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(DefaultBucket).Get(key) != nil
		return nil
	})
	return found, err
}

// ForEach iterates every key/value pair in ascending key byte order.
func (d *DB) ForEach(fn func(key, value []byte) error) error {
	return d.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(DefaultBucket).ForEach(fn)
	})
}

// Flush forces any pending writes to stable storage. bbolt commits each
// Update transaction synchronously, so this is a no-op kept for symmetry
// with the open/flush/close lifecycle the design notes call for, and as a
// hook for a future batched-write mode.
func (d *DB) Flush() error { return nil }

// Close releases the underlying file handle.
func (d *DB) Close() error { return d.bolt.Close() }
