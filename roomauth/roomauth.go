// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package roomauth is the auth engine of spec §4.6: a pure function
// of (event, auth-event set, room-version) deciding accept or
// fault.AUTH, plus the effective state delta the writer applies on
// accept. Rule sets are keyed by room version the way the reference
// stack's snow/consensus/snowman package keys its transition rules by
// protocol parameters, generalized here to a lookup table of
// RuleSet implementations instead of a single fixed rule.
package roomauth

import (
	"encoding/json"

	"github.com/luxfi/relay/event"
	"github.com/luxfi/relay/fault"
)

// Membership is the value of an m.room.member state event's content.membership.
type Membership string

const (
	MembershipInvite Membership = "invite"
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

// State is the auth-relevant projection of a room's current state:
// just enough to evaluate the next event, built from the declared
// auth_events rather than the full present-state snapshot.
type State struct {
	Create       *event.Event
	PowerLevels  *event.Event
	JoinRules    *event.Event
	Membership   map[string]*event.Event // state_key (user id) -> m.room.member event
}

// Delta is the effective state change the writer should apply on
// accept (spec §4.6 "record the effective state delta for the writer").
type Delta struct {
	Type     string
	StateKey string
	EventID  event.ID
}

// RuleSet evaluates one room version's auth rules.
type RuleSet interface {
	Check(ev *event.Event, st *State) (*Delta, error)
}

// Engine selects a RuleSet by room version.
type Engine struct {
	rules map[string]RuleSet
}

// NewEngine returns an Engine with the given room-version -> RuleSet
// table.
func NewEngine(rules map[string]RuleSet) *Engine {
	return &Engine{rules: rules}
}

// Check selects the rule set for roomVersion and evaluates ev. Raises
// fault.AUTH if the room version is unknown or the event fails its
// rules.
func (e *Engine) Check(roomVersion string, ev *event.Event, st *State) (*Delta, error) {
	rs, ok := e.rules[roomVersion]
	if !ok {
		return nil, fault.New(fault.AUTH, "roomauth: unsupported room version %q", roomVersion)
	}
	return rs.Check(ev, st)
}

// DefaultRuleSet implements the membership/power-level/signature
// checks of spec §4.6, applicable across the room versions this core
// targets (their auth differences are in event-id derivation and
// redaction algorithm, not the auth decision shape itself).
type DefaultRuleSet struct {
	// PowerLevelThreshold returns the power level required to send an
	// event of the given type, reading defaults/overrides from pl.
	PowerLevelThreshold func(pl *event.Event, eventType string, isState bool) int64
	// PowerLevelOf returns sender's current power level per pl.
	PowerLevelOf func(pl *event.Event, sender string) int64
	// ResidentServer is the server name admitting events into this
	// room version's rooms on the room's behalf. A join must carry its
	// signature in addition to the joining user's own server's (spec
	// §4.6: "for joins, the resident server must have signed" is
	// distinct from "all senders must have signed"). Left empty, the
	// check is skipped, for callers with no fixed resident identity.
	ResidentServer string
}

type memberContent struct {
	Membership string `json:"membership"`
}

type powerLevelContent struct {
	Users        map[string]int64 `json:"users"`
	UsersDefault int64            `json:"users_default"`
	Events       map[string]int64 `json:"events"`
	EventsDefault int64           `json:"events_default"`
	StateDefault  int64           `json:"state_default"`
	Invite        int64           `json:"invite"`
}

func (r DefaultRuleSet) Check(ev *event.Event, st *State) (*Delta, error) {
	if ev.IsCreate() {
		if st.Create != nil {
			return nil, fault.New(fault.AUTH, "roomauth: room already has a create event")
		}
		if len(ev.PrevEvents) != 0 {
			return nil, fault.New(fault.AUTH, "roomauth: create event must have no prev_events")
		}
		return &Delta{Type: ev.Type, StateKey: "", EventID: ev.EventID}, nil
	}
	if st.Create == nil {
		return nil, fault.New(fault.AUTH, "roomauth: room has no create event in auth chain")
	}

	if _, signed := ev.Signatures[ev.Origin]; !signed {
		return nil, fault.New(fault.AUTH, "roomauth: event not signed by its claimed origin")
	}

	if ev.Type == "m.room.member" {
		return r.checkMembership(ev, st)
	}

	threshold := r.threshold(st.PowerLevels, ev.Type, ev.IsState())
	level := r.level(st.PowerLevels, ev.Sender)
	if level < threshold {
		return nil, fault.New(fault.AUTH, "roomauth: sender power level %d below required %d for %s", level, threshold, ev.Type)
	}

	var delta *Delta
	if ev.IsState() {
		delta = &Delta{Type: ev.Type, StateKey: *ev.StateKey, EventID: ev.EventID}
	}
	return delta, nil
}

func (r DefaultRuleSet) checkMembership(ev *event.Event, st *State) (*Delta, error) {
	if ev.StateKey == nil {
		return nil, fault.New(fault.AUTH, "roomauth: m.room.member must be a state event")
	}
	var content memberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return nil, fault.New(fault.AUTH, "roomauth: unparseable membership content")
	}
	target := *ev.StateKey
	next := Membership(content.Membership)

	var current Membership = MembershipLeave
	if prior, ok := st.Membership[target]; ok {
		var priorContent memberContent
		if err := json.Unmarshal(prior.Content, &priorContent); err == nil {
			current = Membership(priorContent.Membership)
		}
	}

	if !membershipTransitionAllowed(current, next, ev.Sender == target) {
		return nil, fault.New(fault.AUTH, "roomauth: membership transition %s -> %s not allowed", current, next)
	}

	// A join without a prior invite needs a public join rule; the room
	// creator joining its own room is exempt.
	if next == MembershipJoin && current == MembershipLeave && st.Create.Sender != target {
		var jr struct {
			JoinRule string `json:"join_rule"`
		}
		if st.JoinRules != nil {
			_ = json.Unmarshal(st.JoinRules.Content, &jr)
		}
		if jr.JoinRule != "public" {
			return nil, fault.New(fault.AUTH, "roomauth: join without invite requires a public join rule")
		}
	}

	if next == MembershipJoin && r.ResidentServer != "" {
		if _, signed := ev.Signatures[r.ResidentServer]; !signed {
			return nil, fault.New(fault.AUTH, "roomauth: join not signed by resident server %s", r.ResidentServer)
		}
	}

	if next == MembershipInvite {
		level := r.level(st.PowerLevels, ev.Sender)
		if level < r.inviteThreshold(st.PowerLevels) {
			return nil, fault.New(fault.AUTH, "roomauth: sender lacks invite power level")
		}
	}

	return &Delta{Type: ev.Type, StateKey: target, EventID: ev.EventID}, nil
}

// membershipTransitionAllowed encodes the state-transition table of
// spec §4.6. selfTarget marks sender == target (a user acting on their
// own membership, e.g. accepting an invite or leaving).
func membershipTransitionAllowed(current, next Membership, selfTarget bool) bool {
	switch next {
	case MembershipJoin:
		return selfTarget && (current == MembershipInvite || current == MembershipLeave || current == MembershipJoin)
	case MembershipInvite:
		return current == MembershipLeave
	case MembershipLeave:
		return current == MembershipInvite || current == MembershipJoin || current == MembershipKnock
	case MembershipBan:
		return current != MembershipBan
	case MembershipKnock:
		return selfTarget && current == MembershipLeave
	default:
		return false
	}
}

func (r DefaultRuleSet) threshold(pl *event.Event, eventType string, isState bool) int64 {
	if r.PowerLevelThreshold != nil {
		return r.PowerLevelThreshold(pl, eventType, isState)
	}
	c := parsePowerLevels(pl)
	if lvl, ok := c.Events[eventType]; ok {
		return lvl
	}
	if isState {
		return c.StateDefault
	}
	return c.EventsDefault
}

func (r DefaultRuleSet) level(pl *event.Event, sender string) int64 {
	if r.PowerLevelOf != nil {
		return r.PowerLevelOf(pl, sender)
	}
	c := parsePowerLevels(pl)
	if lvl, ok := c.Users[sender]; ok {
		return lvl
	}
	return c.UsersDefault
}

func (r DefaultRuleSet) inviteThreshold(pl *event.Event) int64 {
	c := parsePowerLevels(pl)
	return c.Invite
}

func parsePowerLevels(pl *event.Event) powerLevelContent {
	c := powerLevelContent{EventsDefault: 0, StateDefault: 50, Invite: 0, UsersDefault: 0}
	if pl == nil {
		return c
	}
	_ = json.Unmarshal(pl.Content, &c)
	return c
}
