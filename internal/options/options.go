// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package options implements the evaluation option bundle of spec
// §4.1: the flags that select which phases run, which faults are
// masked, verification strictness, fetch policy, and the write
// transaction's reserve sizes. Copts extends Options with the fields
// the injector (§4.8) needs for local origination.
package options

import (
	"fmt"
	"time"

	"github.com/luxfi/relay/fault"
)

// Options is immutable for the duration of an evaluation; the
// evaluator reads it through a stable pointer (spec §4.1 contract).
type Options struct {
	// Phase gate — each field disables its named phase when false.
	Conform bool
	Access  bool
	Fetch   bool
	AuthPhase bool
	Write   bool
	Post    bool
	Notify  bool
	Effects bool
	Issue   bool

	// Validation
	Conforming bool       // treat a dirty conform report as INVALID
	NonConform fault.Fault // mask of conform failures that are allowed
	Conformed  bool        // report was pre-supplied
	Report     fault.Fault // the pre-supplied report, when Conformed

	// Fetch policy
	FetchAuth          bool
	FetchState         bool
	FetchPrev          bool
	FetchPrevAny       bool
	FetchPrevAll       bool
	FetchPrevEnable    bool // resolves the "0 disables" open question
	FetchPrevWaitCount uint32
	FetchPrevWaitTime  time.Duration // base; backoff is base * i
	FetchPrevLimit     int
	MFetchKeys         bool

	// Writer tuning
	ReserveBytes int64 // -1 => use len(serialized(event))
	ReserveIndex int64 // per-index overhead

	// Admission
	Replays   bool // bypass duplicate check
	Unique    bool // reject concurrent duplicates
	EDU       bool // event has no event_id
	JSONSource bool // trust preserialized bytes

	// State update
	Present         bool
	RoomHead        bool
	RoomHeadResolve bool
	History         bool

	// Notification
	NotifyMaster  bool
	NotifyClients bool
	NotifyServers bool

	// Fault policy
	Nothrows fault.Fault // faults in this mask are logged and swallowed: the caller gets a nil error and the fault itself is not returned
	Errorlog fault.Fault
	Warnlog  fault.Fault

	// Tracing
	DebuglogAccept bool
	InfologAccept  bool
}

// Copts extends Options with fields for locally-originated events
// (spec §4.8).
type Copts struct {
	*Options

	// ClientTxnID is the client-supplied transaction id used for
	// idempotent replay of a client's own request.
	ClientTxnID string

	// PropMask is the set of event properties the injector should
	// synthesize when absent from the caller-supplied event_iov.
	PropMask PropertySet

	// IssueHook enables the plugin veto/rewrite hook (spec §4.8 step 2).
	IssueHook bool
}

// PropertySet names the event properties eligible for synthesis by
// the injector.
type PropertySet uint32

const (
	PropOrigin PropertySet = 1 << iota
	PropOriginServerTS
	PropDepth
	PropPrevEvents
	PropAuthEvents
	PropHashes
	PropSignatures
	PropEventID

	// PropAll synthesizes every property not already present.
	PropAll = PropOrigin | PropOriginServerTS | PropDepth | PropPrevEvents |
		PropAuthEvents | PropHashes | PropSignatures | PropEventID
)

// Has reports whether p is requested in the set.
func (s PropertySet) Has(p PropertySet) bool { return s&p == p }

// Default returns the option defaults named in spec §4.1: all phases
// on; nothrows={EXISTS}; errorlog=¬EXISTS; warnlog=EXISTS;
// verification on; unique on; replays off.
func Default() *Options {
	return &Options{
		Conform: true, Access: true, Fetch: true, AuthPhase: true,
		Write: true, Post: true, Notify: true, Effects: true, Issue: true,

		Conforming: true,

		FetchAuth: true, FetchState: true, FetchPrev: true,
		FetchPrevAny: true, FetchPrevEnable: true,
		FetchPrevWaitCount: 3,
		FetchPrevWaitTime:  100 * time.Millisecond,
		FetchPrevLimit:     100,
		MFetchKeys:         true,

		ReserveBytes: -1,
		ReserveIndex: 256,

		Unique:     true,
		Replays:    false,
		JSONSource: true,

		Present:  true,
		RoomHead: true,
		History:  true,

		NotifyMaster: true, NotifyClients: true, NotifyServers: true,

		Nothrows: fault.EXISTS,
		Errorlog: allFaultsExcept(fault.EXISTS),
		Warnlog:  fault.EXISTS,
	}
}

// ErrorMask returns the Errorlog mask, satisfying the narrow interface
// internal/logging.LogFault expects.
func (o *Options) ErrorMask() fault.Fault { return o.Errorlog }

// WarnMask returns the Warnlog mask, satisfying the narrow interface
// internal/logging.LogFault expects.
func (o *Options) WarnMask() fault.Fault { return o.Warnlog }

func allFaultsExcept(excl fault.Fault) fault.Fault {
	all := fault.EXISTS | fault.GENERAL | fault.INVALID | fault.AUTH | fault.STATE | fault.EVENT
	return all &^ excl
}

// Validate rejects option combinations the spec leaves ill-defined
// (§9 open question on room_head vs present): resolving a head-set
// that is never maintained is meaningless, so RoomHeadResolve requires
// RoomHead. Present without RoomHead remains valid (e.g. a read
// replica that tracks present-state without owning the frontier).
func (o *Options) Validate() error {
	if o.RoomHeadResolve && !o.RoomHead {
		return fmt.Errorf("options: room_head_resolve requires room_head")
	}
	if o.FetchPrevAny && o.FetchPrevAll {
		return fmt.Errorf("options: fetch_prev_any and fetch_prev_all are mutually exclusive")
	}
	if o.FetchPrevEnable && o.FetchPrevWaitCount == 0 {
		return fmt.Errorf("options: fetch_prev enabled with wait count 0")
	}
	if o.Conformed && o.Conforming {
		return fmt.Errorf("options: conformed (pre-supplied report) is incompatible with re-running conform checks")
	}
	return nil
}

// Builder provides the fluent construction style the config package
// in the reference consensus stack uses: each With* method records an
// error on first failure and every subsequent call becomes a no-op,
// so callers can chain freely and check err once at Build.
type Builder struct {
	opts *Options
	err  error
}

// NewBuilder starts from Default().
func NewBuilder() *Builder {
	return &Builder{opts: Default()}
}

// From starts from an existing Options value, cloning it so the
// original is untouched.
func From(o *Options) *Builder {
	clone := *o
	return &Builder{opts: &clone}
}

// WithPhases sets every phase gate at once; pass false for a phase to
// disable it and true to leave it enabled.
func (b *Builder) WithPhases(conform, access, fetch, auth, write, post, notify, effects, issue bool) *Builder {
	if b.err != nil {
		return b
	}
	b.opts.Conform, b.opts.Access, b.opts.Fetch = conform, access, fetch
	b.opts.AuthPhase, b.opts.Write, b.opts.Post = auth, write, post
	b.opts.Notify, b.opts.Effects, b.opts.Issue = notify, effects, issue
	return b
}

// WithFetchPrev configures the prev_events backoff loop (spec §4.5.3).
func (b *Builder) WithFetchPrev(enable bool, waitCount uint32, baseWait time.Duration, limit int) *Builder {
	if b.err != nil {
		return b
	}
	if enable && waitCount == 0 {
		b.err = fmt.Errorf("options: enabling fetch_prev requires a non-zero wait count")
		return b
	}
	b.opts.FetchPrev = enable
	b.opts.FetchPrevEnable = enable
	b.opts.FetchPrevWaitCount = waitCount
	b.opts.FetchPrevWaitTime = baseWait
	b.opts.FetchPrevLimit = limit
	return b
}

// WithNonConform sets the mask of conform failures tolerated even
// when Conforming is set.
func (b *Builder) WithNonConform(mask fault.Fault) *Builder {
	if b.err != nil {
		return b
	}
	b.opts.NonConform = mask
	return b
}

// WithReplays toggles replay admission (bypasses the duplicate
// event-id check in the registry).
func (b *Builder) WithReplays(replays bool) *Builder {
	if b.err != nil {
		return b
	}
	b.opts.Replays = replays
	b.opts.Unique = !replays
	return b
}

// WithReserve sets the writer's transaction size hints.
func (b *Builder) WithReserve(bytes, index int64) *Builder {
	if b.err != nil {
		return b
	}
	b.opts.ReserveBytes = bytes
	b.opts.ReserveIndex = index
	return b
}

// WithNothrows sets the fault mask that is logged and swallowed (the
// caller gets a nil error) rather than raised at phase boundaries.
func (b *Builder) WithNothrows(mask fault.Fault) *Builder {
	if b.err != nil {
		return b
	}
	b.opts.Nothrows = mask
	return b
}

// Build validates and returns the assembled Options.
func (b *Builder) Build() (*Options, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.opts.Validate(); err != nil {
		return nil, err
	}
	return b.opts, nil
}

// NewCopts builds a Copts bundle for local origination, embedding the
// given Options (or Default() if nil).
func NewCopts(base *Options, clientTxnID string, propMask PropertySet) *Copts {
	if base == nil {
		base = Default()
	}
	return &Copts{
		Options:     base,
		ClientTxnID: clientTxnID,
		PropMask:    propMask,
		IssueHook:   base.Issue,
	}
}
