// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package relaytest holds fixtures shared across this module's test
// files: an in-memory database.Database for storage.Store, and small
// event builders. Kept in its own package, in the teacher's *test
// convention, so it can be imported by every package's tests without
// creating import cycles back into the packages under test.
package relaytest

import (
	"sync"

	"github.com/luxfi/database"
)

// MemDB is a minimal in-memory database.Database, sufficient for
// exercising storage.Store and anything built on it in tests; it is
// not a performance-oriented implementation.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemDB returns an empty MemDB.
func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (m *MemDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemDB) NewBatch() database.Batch {
	return &memBatch{db: m}
}

func (m *MemDB) Close() error { return nil }

type batchOp struct {
	key     []byte
	value   []byte
	deleted bool
}

type memBatch struct {
	db  *MemDB
	ops []batchOp
}

func (b *memBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), deleted: true})
	return nil
}

func (b *memBatch) Size() int { return len(b.ops) }

func (b *memBatch) Write() error {
	for _, op := range b.ops {
		if op.deleted {
			_ = b.db.Delete(op.key)
			continue
		}
		_ = b.db.Put(op.key, op.value)
	}
	return nil
}

func (b *memBatch) Reset() { b.ops = nil }

func (b *memBatch) Replay(w database.Writer) error {
	for _, op := range b.ops {
		if op.deleted {
			if err := w.Delete(op.key); err != nil {
				return err
			}
			continue
		}
		if err := w.Put(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}
