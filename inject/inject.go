// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package inject implements local event origination (spec §4.8): compose
// an event from caller-supplied fields plus synthesized properties,
// run the issue hook, then hand the event to the standard pipeline.
package inject

import (
	"context"
	"crypto/sha256"

	"github.com/luxfi/relay/crypto"
	"github.com/luxfi/relay/event"
	"github.com/luxfi/relay/fault"
	"github.com/luxfi/relay/federation"
	"github.com/luxfi/relay/internal/options"
	"github.com/luxfi/relay/roomdag"
)

// Clock supplies wall-clock time for origin_server_ts synthesis,
// factored out as a collaborator so that composing the same event
// twice with the same Clock and the same room head-set reproduces the
// same event_id (spec §4.8 "Property synthesis is deterministic").
type Clock interface {
	NowMillis() int64
}

// IssueHook may veto or rewrite a composed event before it enters the
// pipeline (spec §4.8 step 2).
type IssueHook func(ctx context.Context, ev *event.Event) (*event.Event, error)

// Injector composes, signs, and issues locally-originated events.
type Injector struct {
	NodeOrigin string
	Clock      Clock
	Signer     crypto.Signer
	// Federation supplies make_join/send_join for BootstrapJoin (spec
	// §8 scenario 5); nil if this node never originates joins into
	// rooms it has no local state for.
	Federation federation.Client
	RoomDAG    func(event.RoomID) *roomdag.Room
	Issue      IssueHook
	Enter      func(ctx context.Context, opts *options.Options, ev *event.Event) error
}

// Inject runs the three steps of spec §4.8 for ev (partially populated
// by the caller) under copts: compose (including hashing, signing and
// the event id), the issue hook, and entry into the pipeline.
func (inj *Injector) Inject(ctx context.Context, ev *event.Event, copts *options.Copts) error {
	room := inj.RoomDAG(ev.RoomID)

	// 1. Compose.
	mask := copts.PropMask
	if mask.Has(options.PropOrigin) && ev.Origin == "" {
		ev.Origin = inj.NodeOrigin
	}
	if mask.Has(options.PropOriginServerTS) && ev.OriginTS == 0 {
		ev.OriginTS = inj.Clock.NowMillis()
	}
	if mask.Has(options.PropPrevEvents) && ev.PrevEvents == nil {
		ev.PrevEvents = room.Heads()
	}
	if mask.Has(options.PropDepth) && ev.Depth == 0 {
		depths := make([]int64, 0, len(ev.PrevEvents))
		for _, p := range ev.PrevEvents {
			if d, ok := room.Depth(p); ok {
				depths = append(depths, d)
			}
		}
		ev.Depth = event.MaxPrevDepth(depths)
	}
	if mask.Has(options.PropAuthEvents) && ev.AuthEvents == nil {
		ev.AuthEvents = inj.selectAuthEvents(ev, room)
	}
	if mask.Has(options.PropHashes) && ev.Hashes == nil {
		canon, err := event.Canonical(ev)
		if err != nil {
			return fault.Wrap(err, "inject: canonicalize for hashing")
		}
		sum := sha256.Sum256(canon)
		ev.Hashes = map[string]string{"sha256": crypto.Unpadded(sum[:])}
	}
	if mask.Has(options.PropSignatures) && inj.Signer != nil {
		canon, err := event.Canonical(ev)
		if err != nil {
			return fault.Wrap(err, "inject: canonicalize for signing")
		}
		sig, err := inj.Signer.Sign(canon)
		if err != nil {
			return fault.Wrap(err, "inject: sign")
		}
		if ev.Signatures == nil {
			ev.Signatures = make(map[string]map[string]string)
		}
		if ev.Signatures[ev.Origin] == nil {
			ev.Signatures[ev.Origin] = make(map[string]string)
		}
		ev.Signatures[ev.Origin][string(inj.Signer.KeyID())] = crypto.Unpadded(sig)
	}
	if mask.Has(options.PropEventID) {
		canon, err := event.Canonical(ev)
		if err != nil {
			return fault.Wrap(err, "inject: canonicalize for event_id")
		}
		ev.EventID = event.ID(sha256.Sum256(canon))
	}

	// 2. Issue hook.
	if copts.IssueHook && inj.Issue != nil {
		rewritten, err := inj.Issue(ctx, ev)
		if err != nil {
			return fault.Wrap(err, "inject: issue hook vetoed event")
		}
		if rewritten != nil {
			ev = rewritten
		}
	}

	// Fix the source bytes to what was actually signed and issued, so
	// a json_source commit persists the same bytes this event was
	// verified against rather than re-deriving them later.
	if raw, err := event.Marshal(ev); err == nil {
		ev.Source = event.Source{Bytes: raw}
	}

	// 3. Enter the standard pipeline with copts upcast to opts.
	return inj.Enter(ctx, copts.Options, ev)
}

// BootstrapJoin implements spec §8 scenario 5: join a room this server
// holds no local state for. It asks origin to compose a join template
// via make_join, signs and ids it locally, hands it back via
// send_join, then asks origin for the room's auth and state event ids
// (state_ids), fetches each event (GetEvent) and admits it with fetch
// disabled, before publishing the join itself through the standard
// pipeline. Auth and signature verification for every admitted event
// run inside Enter exactly as they do for a directly-received event —
// BootstrapJoin does not duplicate that decision.
func (inj *Injector) BootstrapJoin(ctx context.Context, opts *options.Options, origin string, roomID event.RoomID, userID string) error {
	if inj.Federation == nil {
		return fault.New(fault.GENERAL, "inject: bootstrap join requires a federation client")
	}
	if opts == nil {
		opts = options.Default()
	}

	tmpl, _, err := inj.Federation.MakeJoin(ctx, origin, roomID, userID)
	if err != nil {
		return fault.Wrap(err, "inject: make_join")
	}
	tmpl.RoomID = roomID
	tmpl.Origin = inj.NodeOrigin
	if tmpl.OriginTS == 0 {
		tmpl.OriginTS = inj.Clock.NowMillis()
	}

	canon, err := event.Canonical(tmpl)
	if err != nil {
		return fault.Wrap(err, "inject: canonicalize join template for hashing")
	}
	sum := sha256.Sum256(canon)
	tmpl.Hashes = map[string]string{"sha256": crypto.Unpadded(sum[:])}

	canon, err = event.Canonical(tmpl)
	if err != nil {
		return fault.Wrap(err, "inject: canonicalize join template for signing")
	}
	sig, err := inj.Signer.Sign(canon)
	if err != nil {
		return fault.Wrap(err, "inject: sign join template")
	}
	tmpl.Signatures = map[string]map[string]string{tmpl.Origin: {string(inj.Signer.KeyID()): crypto.Unpadded(sig)}}
	tmpl.EventID = event.ID(sha256.Sum256(canon))
	if raw, err := event.Marshal(tmpl); err == nil {
		tmpl.Source = event.Source{Bytes: raw}
	}

	if err := inj.Federation.SendJoin(ctx, origin, roomID, tmpl); err != nil {
		return fault.Wrap(err, "inject: send_join")
	}

	authIDs, stateIDs, err := inj.Federation.StateIDs(ctx, origin, roomID, tmpl.EventID)
	if err != nil {
		return fault.Wrap(err, "inject: state_ids after send_join")
	}
	childOpts := *opts
	childOpts.Fetch = false
	for _, id := range append(authIDs, stateIDs...) {
		stateEv, err := inj.Federation.GetEvent(ctx, origin, id)
		if err != nil {
			return fault.Wrap(err, "inject: fetch join-time state event")
		}
		childOpts.JSONSource = len(stateEv.Source.Bytes) > 0
		if err := inj.Enter(ctx, &childOpts, stateEv); err != nil {
			return fault.Wrap(err, "inject: admit join-time state event")
		}
	}

	joinOpts := *opts
	joinOpts.Fetch = false
	joinOpts.JSONSource = len(tmpl.Source.Bytes) > 0
	return inj.Enter(ctx, &joinOpts, tmpl)
}

func (inj *Injector) selectAuthEvents(ev *event.Event, room *roomdag.Room) []event.ID {
	var out []event.ID
	if id, ok := room.State("m.room.create", ""); ok {
		out = append(out, id)
	}
	if id, ok := room.State("m.room.power_levels", ""); ok {
		out = append(out, id)
	}
	if id, ok := room.State("m.room.member", ev.Sender); ok {
		out = append(out, id)
	}
	if ev.Type == "m.room.member" && ev.StateKey != nil {
		if id, ok := room.State("m.room.join_rules", ""); ok {
			out = append(out, id)
		}
	}
	return out
}
