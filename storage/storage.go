// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage defines the transaction contract the write phase
// (spec §4.7) commits through: stage index writes, then commit or roll
// back as one unit. Txn has no reserve step; a transaction takes no
// size hint and pre-allocates nothing.
package storage

import (
	"errors"
	"sync"

	"github.com/luxfi/database"
)

// ErrClosed is returned by any Txn method called after Commit or
// Rollback has already resolved it.
var ErrClosed = errors.New("storage: transaction already resolved")

// Txn is the unit the write phase stages one event's writes under. A
// Txn either commits in full (every staged key becomes durable) or
// never takes effect, matching the all-or-nothing write requirement
// of spec §4.7.
type Txn interface {
	// Put stages a key/value write. It does not touch the underlying
	// database until Commit.
	Put(key, value []byte) error
	// Delete stages a key removal.
	Delete(key []byte) error
	// Get reads through staged writes first, falling back to the
	// underlying database, so a transaction observes its own writes.
	Get(key []byte) ([]byte, error)
	// Commit applies every staged write atomically via the
	// database's Batch and resolves the transaction.
	Commit() error
	// Rollback discards staged writes and resolves the transaction
	// without touching the database.
	Rollback() error
}

// Store opens transactions against an underlying key/value database.
// The database collaborator (github.com/luxfi/database) supplies
// Get/Put/Delete/NewBatch the same way the reference stack's
// engine/dag/state.serializer does; this package adds only the
// staged-then-atomic-commit discipline spec §4.7 requires.
type Store struct {
	db database.Database
}

// New wraps db as a Store.
func New(db database.Database) *Store {
	return &Store{db: db}
}

// Begin opens a new transaction. Transactions are not safe for
// concurrent staging by multiple goroutines; the write phase holds
// exactly one in flight per event under evaluation.
func (s *Store) Begin() Txn {
	return &txn{db: s.db, staged: make(map[string]*stagedValue)}
}

type stagedValue struct {
	value   []byte
	deleted bool
}

type txn struct {
	mu       sync.Mutex
	db       database.Database
	staged   map[string]*stagedValue
	resolved bool
}

func (t *txn) Put(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return ErrClosed
	}
	cp := append([]byte(nil), value...)
	t.staged[string(key)] = &stagedValue{value: cp}
	return nil
}

func (t *txn) Delete(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return ErrClosed
	}
	t.staged[string(key)] = &stagedValue{deleted: true}
	return nil
}

func (t *txn) Get(key []byte) ([]byte, error) {
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if sv, ok := t.staged[string(key)]; ok {
		t.mu.Unlock()
		if sv.deleted {
			return nil, database.ErrNotFound
		}
		return append([]byte(nil), sv.value...), nil
	}
	t.mu.Unlock()
	return t.db.Get(key)
}

func (t *txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return ErrClosed
	}
	t.resolved = true
	if len(t.staged) == 0 {
		return nil
	}
	batch := t.db.NewBatch()
	for k, sv := range t.staged {
		if sv.deleted {
			if err := batch.Delete([]byte(k)); err != nil {
				return err
			}
			continue
		}
		if err := batch.Put([]byte(k), sv.value); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (t *txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return ErrClosed
	}
	t.resolved = true
	t.staged = nil
	return nil
}
