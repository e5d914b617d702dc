// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vm is the top-level orchestrator: it owns the evaluation
// registry, the sequence dock, and the named hook registries for each
// phase, and drives one event (or a batch) through Conform, Access,
// Verify, Fetch, Auth, Write, Post, Notify in the order spec §4
// describes. Grounded on the reference stack's snow/consensus/snowman
// engine, which is likewise a single orchestrator type wiring a
// registry, a set of rule hooks, and a sequencer together — adapted
// here from sampled-vote consensus to the deterministic phase
// pipeline this core implements.
package vm

import (
	"context"

	"github.com/luxfi/relay/crypto"
	"github.com/luxfi/relay/event"
	"github.com/luxfi/relay/eval"
	"github.com/luxfi/relay/fault"
	"github.com/luxfi/relay/fetch"
	"github.com/luxfi/relay/internal/logging"
	"github.com/luxfi/relay/internal/metrics"
	"github.com/luxfi/relay/internal/options"
	"github.com/luxfi/relay/roomauth"
	"github.com/luxfi/relay/roomdag"
	"github.com/luxfi/relay/seqdock"
	"github.com/luxfi/relay/taskrt"
	"github.com/luxfi/relay/writer"
)

// ConformRule inspects ev's shape and returns the bitmask of rules it
// fails (spec §4.4 Conform), 0 if it passes.
type ConformRule func(ev *event.Event) fault.Fault

// AccessRule performs early, room-version-dependent rejection (spec
// §4.4 Access), returning a non-nil error (normally fault.INVALID) to
// reject.
type AccessRule func(ev *event.Event, roomVersion string) error

// VM orchestrates the evaluation pipeline for one server process. One
// VM is shared across rooms; room-local state (roomdag.Room, a
// writer.Writer) is looked up per room_id via the Rooms collaborator.
type VM struct {
	Registry *eval.Registry
	Dock     *seqdock.Dock
	Fetch    *fetch.Coordinator
	Auth     *roomauth.Engine
	KeyRing  *crypto.KeyRing
	Verifier crypto.Verifier
	Log      logging.Logger
	Metrics  *metrics.Metrics

	// Tasks backs every Execute run with a taskrt.Task (spec §5): its
	// context cancels the run on Interrupt/Terminate, and the write
	// phase marks itself a critical section so TerminateAll can tell a
	// run mid-commit apart from one safely abandoned.
	Tasks *taskrt.Pool

	Rooms RoomLookup

	conformRules []ConformRule
	accessRules  []AccessRule
}

// RoomLookup resolves per-room collaborators: the DAG/state tracker
// and the writer bound to it.
type RoomLookup interface {
	Room(id event.RoomID) *roomdag.Room
	Writer(id event.RoomID) *writer.Writer
	AuthState(id event.RoomID, authEvents []event.ID) *roomauth.State
	RoomVersion(id event.RoomID) string
}

// New returns a VM with the given collaborators. Hook registries start
// empty; callers append rules with RegisterConform/RegisterAccess.
func New(registry *eval.Registry, dock *seqdock.Dock, fc *fetch.Coordinator, auth *roomauth.Engine, ring *crypto.KeyRing, verifier crypto.Verifier, log logging.Logger, m *metrics.Metrics, rooms RoomLookup) *VM {
	return &VM{
		Registry: registry, Dock: dock, Fetch: fc, Auth: auth,
		KeyRing: ring, Verifier: verifier, Log: log, Metrics: m, Rooms: rooms,
		Tasks: taskrt.NewPool(),
	}
}

// RegisterConform appends a conform rule, run in registration order.
func (v *VM) RegisterConform(r ConformRule) { v.conformRules = append(v.conformRules, r) }

// RegisterAccess appends an access rule, run in registration order.
func (v *VM) RegisterAccess(r AccessRule) { v.accessRules = append(v.accessRules, r) }

// Execute drives ev through the full pipeline under opts and a fresh
// eval owned by task. It returns nil on acceptance, or the raised
// fault.Raised on rejection — unless opts.Nothrows masks that fault,
// in which case Execute returns a nil error. A masked fault is logged
// and counted but not recorded anywhere the caller can read it: the
// returned Eval's Report holds only the conform report, and the Eval
// itself is nil when the fault arose at registry admission (EXISTS).
func (v *VM) Execute(ctx context.Context, opts *options.Options, task eval.TaskID, ev *event.Event) (*eval.Eval, error) {
	var result *eval.Eval
	var rerr error
	t := v.Tasks.Spawn(ctx, func(t *taskrt.Task) {
		result, rerr = v.execute(t, opts, task, ev)
	})
	<-t.Done()
	return result, rerr
}

func (v *VM) execute(t *taskrt.Task, opts *options.Options, task eval.TaskID, ev *event.Event) (*eval.Eval, error) {
	ctx := t.Context()
	e, err := v.Registry.Create(opts, task, ev)
	if err != nil {
		return nil, v.policy(opts, err)
	}
	defer func() {
		if e.Phase != eval.PhaseDone {
			v.Registry.Remove(e)
		}
	}()

	e.RoomVersion = v.Rooms.RoomVersion(ev.RoomID)

	if opts.Conform {
		e.Phase = eval.PhaseConform
		if err := v.conform(e); err != nil {
			return e, v.policy(opts, err)
		}
	}

	if opts.Access {
		e.Phase = eval.PhaseAccess
		if err := v.access(e); err != nil {
			return e, v.policy(opts, err)
		}
	}

	if opts.Fetch && opts.MFetchKeys {
		e.Phase = eval.PhaseVerify
		if err := v.fetchKeys(ctx, e); err != nil {
			return e, v.policy(opts, err)
		}
	}
	if !opts.EDU {
		e.Phase = eval.PhaseVerify
		if err := v.verify(e); err != nil {
			return e, v.policy(opts, err)
		}
	}

	if opts.Fetch {
		e.Phase = eval.PhaseFetch
		if err := v.runFetch(ctx, t, e); err != nil {
			return e, v.policy(opts, err)
		}
	}

	if opts.AuthPhase {
		e.Phase = eval.PhaseAuth
		// The delta is recomputed from ev's own Type/StateKey by
		// writer.applyRoomDAG; Check's return here only needs to
		// succeed for the event to be admissible.
		if _, err := v.runAuth(e); err != nil {
			return e, v.policy(opts, err)
		}
	}

	if opts.Write {
		e.Phase = eval.PhaseWrite
		w := v.Rooms.Writer(ev.RoomID)
		release := t.Critical()
		err := w.Commit(ctx, e)
		release()
		if err != nil {
			return e, v.policy(opts, err)
		}
	}

	e.Phase = eval.PhaseDone
	if v.Metrics != nil {
		v.Metrics.EvalsTotal.WithLabelValues(fault.ACCEPT.String()).Inc()
	}
	v.Registry.Remove(e)
	return e, nil
}

// policy applies opts.Nothrows/Errorlog/Warnlog to err (spec §4.1
// Fault policy): a masked fault logs per policy and is swallowed;
// everything else propagates.
func (v *VM) policy(opts *options.Options, err error) error {
	f, ok := fault.As(err)
	if !ok {
		return err
	}
	if v.Log != nil {
		logging.LogFault(v.Log, opts, f, err.Error())
	}
	if v.Metrics != nil {
		v.Metrics.EvalsTotal.WithLabelValues(f.String()).Inc()
	}
	if f.Fatal() {
		return err
	}
	if opts.Nothrows.Has(f) {
		return nil
	}
	return err
}

func (v *VM) conform(e *eval.Eval) error {
	var report fault.Fault
	if e.Options.Conformed {
		report = e.Options.Report
	} else {
		for _, rule := range v.conformRules {
			report |= rule(e.Event)
		}
	}
	e.Report = report
	if e.Options.Conforming {
		effective := report &^ e.Options.NonConform
		if effective != fault.ACCEPT {
			return fault.New(fault.INVALID, "vm: conform report %s not allowed by non_conform mask", effective)
		}
	}
	return nil
}

func (v *VM) access(e *eval.Eval) error {
	for _, rule := range v.accessRules {
		if err := rule(e.Event, e.RoomVersion); err != nil {
			return err
		}
	}
	return nil
}

func (v *VM) fetchKeys(ctx context.Context, e *eval.Eval) error {
	var need []crypto.Need
	for origin, sigs := range e.Event.Signatures {
		for keyID := range sigs {
			need = append(need, crypto.Need{Origin: crypto.Origin(origin), KeyID: crypto.KeyID(keyID)})
		}
	}
	if len(need) == 0 {
		return nil
	}
	return v.Fetch.Keys(ctx, need)
}

func (v *VM) verify(e *eval.Eval) error {
	ev := e.Event
	canonical, err := event.Canonical(ev)
	if err != nil {
		return fault.Wrap(err, "vm: canonicalize for verify")
	}
	if sha, ok := ev.Hashes["sha256"]; ok && !v.Verifier.HashOK(canonical, sha) {
		return fault.New(fault.INVALID, "vm: content hash mismatch")
	}
	for origin, sigs := range ev.Signatures {
		for keyID, sigB64 := range sigs {
			pub, ok := v.KeyRing.Get(crypto.Origin(origin), crypto.KeyID(keyID))
			if !ok {
				return fault.New(fault.INVALID, "vm: unknown signing key %s/%s", origin, keyID)
			}
			sig, err := crypto.DecodeUnpadded(sigB64)
			if err != nil {
				return fault.New(fault.INVALID, "vm: malformed signature encoding")
			}
			if !v.Verifier.SignatureOK(canonical, sig, pub) {
				return fault.New(fault.INVALID, "vm: signature verification failed for %s", origin)
			}
		}
	}
	return nil
}

func (v *VM) runFetch(ctx context.Context, t *taskrt.Task, e *eval.Eval) error {
	ev := e.Event
	opts := e.Options
	room := v.Rooms.Room(ev.RoomID)

	if opts.FetchAuth {
		err := v.Fetch.Auth(ctx, ev.Origin, ev.RoomID, ev.AuthEvents,
			func(id event.ID) bool { _, ok := room.Depth(id); return ok },
			v.admitFetched(t, e))
		if err != nil {
			return err
		}
	}
	if opts.FetchPrev && opts.FetchPrevEnable {
		policy := fetch.PolicyFromOptions(opts)
		err := v.Fetch.Prev(ctx, ev.Origin, ev.RoomID, ev.PrevEvents,
			func(id event.ID) bool { _, ok := room.Depth(id); return ok }, policy)
		if err != nil {
			return err
		}
	}
	if opts.FetchState {
		if _, ok := room.State("m.room.create", ""); !ok {
			err := v.Fetch.State(ctx, ev.Origin, ev.RoomID, ev.EventID,
				func(id event.ID) bool { _, ok := room.Depth(id); return ok },
				v.admitFetched(t, e))
			if err != nil {
				return fault.Wrap(err, "vm: room state fetch")
			}
		}
	}
	return nil
}

// admitFetched evaluates a fetched auth or state event through the
// full pipeline with fetch disabled, so it is verified, authed, and
// written exactly like a directly-received event instead of being
// discarded after the RPC that retrieved it (spec §4.5.2: "evaluate
// recursively, with fetch=false the second time to avoid loops").
// It reuses the parent eval's owning task, so a fetch chain shares one
// taskrt.Task and is interrupted as a unit.
func (v *VM) admitFetched(t *taskrt.Task, parent *eval.Eval) func(*event.Event) error {
	return func(fetched *event.Event) error {
		child := *parent.Options
		child.Fetch = false
		// A fetched event's bytes are whatever the federation client
		// decoded off the wire, carried on fetched.Source by that
		// client; re-derive from the tuple form if it arrived empty.
		child.JSONSource = len(fetched.Source.Bytes) > 0
		_, err := v.execute(t, &child, parent.Task, fetched)
		return err
	}
}

func (v *VM) runAuth(e *eval.Eval) (*roomauth.Delta, error) {
	st := v.Rooms.AuthState(e.Event.RoomID, e.Event.AuthEvents)
	return v.Auth.Check(e.RoomVersion, e.Event, st)
}

// ForEach calls fn for every in-flight Eval, optionally restricted to
// one task.
func (v *VM) ForEach(task *eval.TaskID, fn func(*eval.Eval)) { v.Registry.ForEach(task, fn) }

// Find returns the in-flight Eval for event_id, if any.
func (v *VM) Find(id event.ID) (*eval.Eval, bool) { return v.Registry.Find(id) }

// Count returns how many in-flight Evals reference event_id.
func (v *VM) Count(id event.ID) int { return v.Registry.Count(id) }

// Max returns the highest sequence currently registered.
func (v *VM) Max() (int64, bool) { return v.Registry.SeqMax() }

// Min returns the lowest sequence currently registered.
func (v *VM) Min() (int64, bool) { return v.Registry.SeqMin() }

// Get returns the Eval holding sequence s, if any.
func (v *VM) Get(s int64) (*eval.Eval, bool) {
	next, ok := v.Registry.SeqNext(s - 1)
	if !ok || next.Sequence != s {
		return nil, false
	}
	return next, true
}
