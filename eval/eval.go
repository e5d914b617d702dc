// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package eval holds the per-evaluation record (spec §2 "Eval") and
// the registry that admits, enumerates, and retires them. Grounded on
// the reference stack's task/registry shape (runtime.runtime and
// engine/dag/state.serializer both hold a mutex-protected map keyed
// by id plus derived indices), adapted here to the admission and
// sequence-ordering invariants spec §4.2 names.
package eval

import (
	"sort"
	"sync"

	"github.com/luxfi/relay/event"
	"github.com/luxfi/relay/fault"
	"github.com/luxfi/relay/internal/options"
)

// Phase names the pipeline stage an Eval is currently in.
type Phase int

const (
	PhaseConform Phase = iota
	PhaseAccess
	PhaseVerify
	PhaseFetch
	PhaseAuth
	PhaseWrite
	PhasePost
	PhaseNotify
	PhaseDone
)

// TaskID names the cooperative task (spec §5) that owns an Eval.
// Destroying a task must destroy its evals (spec §2 registry
// invariants); the registry's RemoveTask implements that.
type TaskID uint64

// Eval is one event (or batch) under evaluation, from pipeline entry
// to destruction on success, masked fault, or raised fault.
type Eval struct {
	Options *options.Options
	Task    TaskID
	ID      uint64 // unique eval-id, assigned at Create

	Phase       Phase
	Event       *event.Event
	Batch       []*event.Event // non-nil only for batch entry
	Report      fault.Fault    // accumulated conformance report
	RoomVersion string
	RoomLocal   bool

	Txn interface{} // opaque pending write-transaction handle; storage.Txn in practice

	Sequence          int64 // 0 means "not yet allocated"
	SequenceSharedMin int64
	SequenceSharedMax int64
}

func (e *Eval) eventID() (event.ID, bool) {
	if e.Event == nil {
		return event.ID{}, false
	}
	return e.Event.EventID, true
}

// Registry is the process-wide table of in-flight Evals, admitting at
// most one per event_id unless options.Replays permits it (spec §4.2).
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	byID    map[uint64]*Eval
	byEvent map[event.ID]int // refcount, for count()/duplicate checks
	byTask  map[TaskID]map[uint64]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[uint64]*Eval),
		byEvent: make(map[event.ID]int),
		byTask:  make(map[TaskID]map[uint64]struct{}),
	}
}

// Create admits a new Eval for ev under task, owned by opts. It fails
// with fault.EXISTS if opts.Unique is set and an Eval already exists
// for ev's event_id, unless opts.Replays permits concurrent duplicates.
func (r *Registry) Create(opts *options.Options, task TaskID, ev *event.Event) (*Eval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev != nil && opts.Unique && !opts.Replays {
		if r.byEvent[ev.EventID] > 0 {
			return nil, fault.New(fault.EXISTS, "eval: duplicate event_id")
		}
	}

	r.nextID++
	e := &Eval{
		Options:     opts,
		Task:        task,
		ID:          r.nextID,
		Phase:       PhaseConform,
		Event:       ev,
		RoomVersion: "",
	}
	r.insertLocked(e)
	return e, nil
}

// Insert adds an already-constructed Eval (used by batch entry, where
// each member of the batch gets its own record sharing one task).
func (r *Registry) Insert(e *Eval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(e)
}

func (r *Registry) insertLocked(e *Eval) {
	r.byID[e.ID] = e
	if id, ok := e.eventID(); ok {
		r.byEvent[id]++
	}
	tasks, ok := r.byTask[e.Task]
	if !ok {
		tasks = make(map[uint64]struct{})
		r.byTask[e.Task] = tasks
	}
	tasks[e.ID] = struct{}{}
}

// Remove destroys e. Safe to call more than once.
func (r *Registry) Remove(e *Eval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(e)
}

func (r *Registry) removeLocked(e *Eval) {
	if _, ok := r.byID[e.ID]; !ok {
		return
	}
	delete(r.byID, e.ID)
	if id, ok := e.eventID(); ok {
		if n := r.byEvent[id] - 1; n <= 0 {
			delete(r.byEvent, id)
		} else {
			r.byEvent[id] = n
		}
	}
	if tasks, ok := r.byTask[e.Task]; ok {
		delete(tasks, e.ID)
		if len(tasks) == 0 {
			delete(r.byTask, e.Task)
		}
	}
}

// RemoveTask destroys every Eval owned by task.
func (r *Registry) RemoveTask(task TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.byTask[task] {
		if e, ok := r.byID[id]; ok {
			r.removeLocked(e)
		}
	}
}

// Find returns the Eval for the given event_id, if any. With replays
// permitted more than one may exist; Find returns an arbitrary one.
func (r *Registry) Find(id event.ID) (*Eval, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byID {
		if eid, ok := e.eventID(); ok && eid == id {
			return e, true
		}
	}
	return nil, false
}

// Count returns how many Evals currently reference event_id.
func (r *Registry) Count(id event.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byEvent[id]
}

// ForEach calls fn for every Eval, optionally restricted to task. fn
// must not call back into the registry.
func (r *Registry) ForEach(task *TaskID, fn func(*Eval)) {
	r.mu.Lock()
	snapshot := make([]*Eval, 0, len(r.byID))
	for _, e := range r.byID {
		if task != nil && e.Task != *task {
			continue
		}
		snapshot = append(snapshot, e)
	}
	r.mu.Unlock()
	for _, e := range snapshot {
		fn(e)
	}
}

// SeqNext returns the Eval with the smallest Sequence strictly greater
// than s, or ok=false if none.
func (r *Registry) SeqNext(s int64) (*Eval, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Eval
	for _, e := range r.byID {
		if e.Sequence <= s {
			continue
		}
		if best == nil || e.Sequence < best.Sequence {
			best = e
		}
	}
	return best, best != nil
}

// SeqMin and SeqMax return the smallest/largest allocated sequence
// currently registered, among Evals with Sequence != 0.
func (r *Registry) SeqMin() (int64, bool) { return r.seqExtreme(true) }
func (r *Registry) SeqMax() (int64, bool) { return r.seqExtreme(false) }

func (r *Registry) seqExtreme(min bool) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best int64
	found := false
	for _, e := range r.byID {
		if e.Sequence == 0 {
			continue
		}
		if !found || (min && e.Sequence < best) || (!min && e.Sequence > best) {
			best = e.Sequence
			found = true
		}
	}
	return best, found
}

// SeqUnique reports whether no Eval other than the caller's own holds
// Sequence == s. The writer asserts this before committing (spec
// §4.2).
func (r *Registry) SeqUnique(s int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.byID {
		if e.Sequence == s {
			count++
		}
	}
	return count <= 1
}

// SeqSort returns every registered Eval with Sequence != 0, ordered by
// ascending Sequence (spec §4.2 "stable ordering by sequence").
func (r *Registry) SeqSort() []*Eval {
	r.mu.Lock()
	out := make([]*Eval, 0, len(r.byID))
	for _, e := range r.byID {
		if e.Sequence != 0 {
			out = append(out, e)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
