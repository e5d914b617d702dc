// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package roomdag tracks, per room, the set of head events (DAG tips:
// events no later event yet names as a prev_event), the depth/adjacency
// index used to pick prev_events for new events, and a present-state
// snapshot keyed by (type, state_key). It is the room-local analogue
// of the reference stack's dag.DAG tip bookkeeping, generalized from a
// single linear tip set to per-room isolation and state projection.
package roomdag

import (
	"sync"

	"github.com/luxfi/relay/event"
)

// Room holds the DAG bookkeeping for one room.
type Room struct {
	mu sync.RWMutex

	heads map[event.ID]struct{}
	depth map[event.ID]int64
	prev  map[event.ID][]event.ID

	// present is the current state snapshot: type -> state_key -> event id.
	present map[string]map[string]event.ID

	// history indexes state by depth for historical-state lookups
	// (spec §4.7 step 6): at each depth, the full (type, state_key) ->
	// event id map in effect immediately after that depth's state
	// events were applied. Stored sparsely, only at depths where state
	// changed, and searched by the largest depth <= the query depth —
	// the BTree-shaped index named in spec §7.
	history historyIndex
}

// New returns an empty room DAG.
func New() *Room {
	return &Room{
		heads:   make(map[event.ID]struct{}),
		depth:   make(map[event.ID]int64),
		prev:    make(map[event.ID][]event.ID),
		present: make(map[string]map[string]event.ID),
	}
}

// Heads returns the current head set (DAG tips), stable-sorted by id
// so callers get a deterministic prev_events list.
func (r *Room) Heads() []event.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]event.ID, 0, len(r.heads))
	for id := range r.heads {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// Depth returns the stored depth of id, or ok=false if id isn't known.
func (r *Room) Depth(id event.ID) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.depth[id]
	return d, ok
}

// AddEvent records ev as a new DAG node: it becomes a head, its
// prev_events are removed from the head set (they now have a
// descendant), and its depth is recorded. Applying AddEvent twice for
// the same id is a no-op on the second call, matching the at-most-
// once admission eval.Registry already enforces before this is
// reached.
func (r *Room) AddEvent(id event.ID, prevEvents []event.ID, depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.depth[id]; ok {
		return
	}
	r.depth[id] = depth
	r.prev[id] = append([]event.ID(nil), prevEvents...)
	r.heads[id] = struct{}{}
	for _, p := range prevEvents {
		delete(r.heads, p)
	}
}

// AddHead records id as a new DAG node and head, without touching the
// head status of its prev_events — the room_head half of spec §4.7
// step 3, kept separate from ResolveHeads since options can enable
// one without the other.
func (r *Room) AddHead(id event.ID, prevEvents []event.ID, depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.depth[id]; ok {
		return
	}
	r.depth[id] = depth
	r.prev[id] = append([]event.ID(nil), prevEvents...)
	r.heads[id] = struct{}{}
}

// ResolveHeads removes prevEvents from the head set — the
// room_head_resolve half of spec §4.7 step 3.
func (r *Room) ResolveHeads(prevEvents []event.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range prevEvents {
		delete(r.heads, p)
	}
}

// PrevEvents returns the recorded prev_events of id.
func (r *Room) PrevEvents(id event.ID) ([]event.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prev[id]
	return p, ok
}

// ApplyState installs ev as the new present-state event for
// (evType, stateKey), and snapshots the resulting present map into the
// history index at depth. Called once per state event admitted by the
// write phase (spec §4.7 step 5-6).
func (r *Room) ApplyState(evType, stateKey string, id event.ID, depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byKey, ok := r.present[evType]
	if !ok {
		byKey = make(map[string]event.ID)
		r.present[evType] = byKey
	}
	byKey[stateKey] = id
	r.history.snapshot(depth, r.present)
}

// State returns the present-state event id for (evType, stateKey), or
// ok=false if no such state event has ever been applied.
func (r *Room) State(evType, stateKey string) (event.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byKey, ok := r.present[evType]
	if !ok {
		return event.ID{}, false
	}
	id, ok := byKey[stateKey]
	return id, ok
}

// StateAt returns the state event id for (evType, stateKey) as of the
// latest snapshot at or before depth, for historical-state reads (spec
// §4.7 step 6, "state before the event").
func (r *Room) StateAt(depth int64, evType, stateKey string) (event.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.at(depth, evType, stateKey)
}

func sortIDs(ids []event.ID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && less(ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func less(a, b event.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
