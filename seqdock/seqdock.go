// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package seqdock implements the three monotone sequence counters and
// the ordering dock of spec §4.3: uncommitted, committed, and retired,
// with retired <= committed <= uncommitted always holding, and a wait/
// notify primitive so a writer can block until its predecessor has
// retired before publishing post-effects. The wait/notify shape is
// grounded on the reference stack's flare package (a pending-set with
// waiters woken on state advance), reimplemented here around a single
// monotonically advancing counter instead of a sampled vote tally.
package seqdock

import "sync"

// Dock holds the three counters and wakes waiters as retired advances.
type Dock struct {
	mu   sync.Mutex
	cond *sync.Cond

	uncommitted int64
	committed   int64
	retired     int64
}

// New returns a Dock with all counters at zero.
func New() *Dock {
	d := &Dock{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Allocate increments uncommitted and returns the new value, to be
// recorded as the caller's Eval.Sequence (spec §4.7 step 1).
func (d *Dock) Allocate() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uncommitted++
	return d.uncommitted
}

// Commit advances committed to sequence once its transaction has
// applied. sequence must be <= the current uncommitted value; Commit
// does not require sequences to commit in order, since back-pressured
// writers may have allocated ahead.
func (d *Dock) Commit(sequence int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sequence > d.committed {
		d.committed = sequence
	}
}

// WaitTurn blocks until retired == sequence-1, i.e. until it is this
// sequence's turn to publish post-effects (spec §4.7 step 5). It
// returns immediately if sequence <= retired+1 already.
func (d *Dock) WaitTurn(sequence int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.retired < sequence-1 {
		d.cond.Wait()
	}
}

// Retire advances retired to sequence and wakes every waiter, once
// this sequence's post-effects are fully published (spec §4.7 step
// 8). sequence must equal retired+1; Retire panics otherwise, since a
// gap here would mean WaitTurn let two writers publish out of order.
func (d *Dock) Retire(sequence int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sequence != d.retired+1 {
		panic("seqdock: retire out of order")
	}
	d.retired = sequence
	d.cond.Broadcast()
}

// Snapshot returns the current (uncommitted, committed, retired)
// triple, e.g. for metrics publication.
func (d *Dock) Snapshot() (uncommitted, committed, retired int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uncommitted, d.committed, d.retired
}
