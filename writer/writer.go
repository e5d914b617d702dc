// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package writer implements the sequenced commit pipeline of spec
// §4.7: allocate a sequence, serialize the event, stage index writes,
// commit the transaction, wait for commit-order on the dock, run
// post-effects, notify, then retire. Grounded on the reference
// stack's engine/dag/state.serializer (index maintenance around a
// database.Database/Batch) combined with the flare-style wait/notify
// the seqdock package already provides.
package writer

import (
	"context"
	"fmt"

	"github.com/luxfi/relay/event"
	"github.com/luxfi/relay/eval"
	"github.com/luxfi/relay/fault"
	"github.com/luxfi/relay/internal/options"
	"github.com/luxfi/relay/roomdag"
	"github.com/luxfi/relay/seqdock"
	"github.com/luxfi/relay/storage"
)

// Effect is a named post-commit hook (spec §4.7 step 6: "redaction
// application, alias registration, etc.").
type Effect struct {
	Name string
	Run  func(ctx context.Context, ev *event.Event) error
}

// Effects is an ordered registry of post-commit hooks, run in
// registration order after every commit that reaches that stage.
type Effects struct {
	hooks []Effect
}

// NewEffects returns an empty registry.
func NewEffects() *Effects { return &Effects{} }

// Register appends e to the hook chain.
func (fx *Effects) Register(e Effect) { fx.hooks = append(fx.hooks, e) }

func (fx *Effects) run(ctx context.Context, ev *event.Event) error {
	for _, h := range fx.hooks {
		if err := h.Run(ctx, ev); err != nil {
			return fault.Wrap(err, "writer: effect %q failed", h.Name)
		}
	}
	return nil
}

// Notifier enqueues a committed, retired event to client and/or
// federation transmit queues (spec §4.7 step 7).
type Notifier interface {
	NotifyClients(ev *event.Event) error
	NotifyServers(ev *event.Event) error
}

// Writer drives the commit pipeline for one room at a time; callers
// typically keep one Writer per room so that room-local head-set and
// present-state updates stay linearizable without a global lock.
type Writer struct {
	store    *storage.Store
	dock     *seqdock.Dock
	room     *roomdag.Room
	effects  *Effects
	notifier Notifier
}

// New returns a Writer over the given collaborators.
func New(store *storage.Store, dock *seqdock.Dock, room *roomdag.Room, effects *Effects, notifier Notifier) *Writer {
	return &Writer{store: store, dock: dock, room: room, effects: effects, notifier: notifier}
}

// Commit runs the eight stages of spec §4.7 for e, whose Event and
// Options are assumed already conform/access/verify/auth-checked.
func (w *Writer) Commit(ctx context.Context, e *eval.Eval) error {
	ev := e.Event
	opts := e.Options

	// 1. Allocate.
	e.Sequence = w.dock.Allocate()

	// 2. Serialize: source bytes win when trusted, else canonicalize.
	serialized, err := w.serialize(ev, opts)
	if err != nil {
		return err
	}

	txn := w.store.Begin()
	e.Txn = txn

	// 3. Index writes.
	if err := w.indexWrites(txn, ev, serialized, opts); err != nil {
		_ = txn.Rollback()
		e.Txn = nil
		return err
	}

	// 4. Commit. A task interrupted between staging and commit rolls
	// its pending transaction back rather than letting it land.
	if ctx.Err() != nil {
		_ = txn.Rollback()
		e.Txn = nil
		return fault.Wrap(ctx.Err(), "writer: commit interrupted")
	}
	if err := txn.Commit(); err != nil {
		e.Txn = nil
		return fault.Wrap(err, "writer: commit transaction")
	}
	e.Txn = nil
	w.dock.Commit(e.Sequence)

	w.applyRoomDAG(ev, opts)

	// 5. Wait.
	w.dock.WaitTurn(e.Sequence)

	// 6. Post-hooks.
	if opts.Effects && w.effects != nil {
		if err := w.effects.run(ctx, ev); err != nil {
			w.dock.Retire(e.Sequence)
			return err
		}
	}

	// 7. Notify.
	if opts.Notify && opts.NotifyMaster && w.notifier != nil {
		if opts.NotifyClients {
			if err := w.notifier.NotifyClients(ev); err != nil {
				w.dock.Retire(e.Sequence)
				return fault.Wrap(err, "writer: notify clients")
			}
		}
		if opts.NotifyServers {
			if err := w.notifier.NotifyServers(ev); err != nil {
				w.dock.Retire(e.Sequence)
				return fault.Wrap(err, "writer: notify servers")
			}
		}
	}

	// 8. Retire.
	w.dock.Retire(e.Sequence)
	return nil
}

func (w *Writer) serialize(ev *event.Event, opts *options.Options) ([]byte, error) {
	if opts.JSONSource {
		if len(ev.Source.Bytes) == 0 {
			return nil, fault.New(fault.GENERAL, "writer: json_source requested but event carries no source bytes")
		}
		return ev.Source.Bytes, nil
	}
	b, err := event.Canonical(ev)
	if err != nil {
		return nil, fault.Wrap(err, "writer: serialize")
	}
	return b, nil
}

// reserveSize computes the transaction's reserved byte budget: when
// ReserveBytes is -1, use the serialized length, per spec §4.1.
func reserveSize(opts *options.Options, serializedLen int) int64 {
	bytes := opts.ReserveBytes
	if bytes < 0 {
		bytes = int64(serializedLen)
	}
	return bytes + opts.ReserveIndex
}

func (w *Writer) indexWrites(txn storage.Txn, ev *event.Event, serialized []byte, opts *options.Options) error {
	_ = reserveSize(opts, len(serialized)) // sizing is advisory for this in-process Store; a pre-allocating backend would use it

	if err := txn.Put(keyEventByID(ev.EventID), serialized); err != nil {
		return fault.Wrap(err, "writer: index event-by-id")
	}
	if err := txn.Put(keyEventByRoomDepth(ev.RoomID, ev.Depth, ev.EventID), serialized); err != nil {
		return fault.Wrap(err, "writer: index event-by-room-depth")
	}
	for _, p := range ev.PrevEvents {
		if err := txn.Put(keyAdjacency("prev", ev.EventID, p), nil); err != nil {
			return fault.Wrap(err, "writer: index prev adjacency")
		}
	}
	for _, a := range ev.AuthEvents {
		if err := txn.Put(keyAdjacency("auth", ev.EventID, a), nil); err != nil {
			return fault.Wrap(err, "writer: index auth adjacency")
		}
	}
	return nil
}

// applyRoomDAG performs the in-memory head-set/present-state/history
// updates of spec §4.7 step 3's latter half. These are kept separate
// from indexWrites because they operate on roomdag.Room, not the
// storage transaction, and must not be rolled back with it (they are
// only applied after Commit succeeds).
func (w *Writer) applyRoomDAG(ev *event.Event, opts *options.Options) {
	if w.room == nil {
		return
	}
	if opts.RoomHead {
		w.room.AddHead(ev.EventID, ev.PrevEvents, ev.Depth)
	}
	if opts.RoomHeadResolve {
		w.room.ResolveHeads(ev.PrevEvents)
	}
	if ev.IsState() && (opts.Present || opts.History) {
		w.room.ApplyState(ev.Type, *ev.StateKey, ev.EventID, ev.Depth)
	}
}

func keyEventByID(id event.ID) []byte {
	return append([]byte("e/"), id[:]...)
}

func keyEventByRoomDepth(room event.RoomID, depth int64, id event.ID) []byte {
	return []byte(fmt.Sprintf("rd/%s/%020d/%x", room, depth, id))
}

func keyAdjacency(kind string, from, to event.ID) []byte {
	return []byte(fmt.Sprintf("%s/%x/%x", kind, from, to))
}
