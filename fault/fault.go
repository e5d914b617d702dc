// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fault defines the recoverable-trap taxonomy that governs
// admission of an event into the evaluation core.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Fault is a bitmask-enumerated sum type. A raised Fault carries
// exactly one case; Policy masks (§4.1 nothrows / non_conform) OR
// several cases together, which is why the type is a bitmask rather
// than a plain enum.
type Fault uint32

const (
	// ACCEPT indicates the event was admitted with no trap raised.
	ACCEPT Fault = 0
	// EXISTS marks a duplicate admission attempt.
	EXISTS Fault = 1 << iota
	// GENERAL is a fatal, never-masked invariant violation.
	GENERAL
	// INVALID marks a conform or verify failure.
	INVALID
	// AUTH marks an auth-rule rejection or an unreachable auth chain.
	AUTH
	// STATE marks room state unobtainable after fetch.
	STATE
	// EVENT marks unsatisfiable prev_events per fetch policy.
	EVENT
)

// all enumerates every concrete (non-ACCEPT) fault case, in the order
// they appear in spec §7, for iteration and mask decomposition.
var all = []Fault{EXISTS, GENERAL, INVALID, AUTH, STATE, EVENT}

// String renders the case set carried by f. A raised Fault carries
// exactly one case; a Policy mask may carry several.
func (f Fault) String() string {
	s := ""
	for _, c := range all {
		if f&c == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += c.caseName()
	}
	if s == "" {
		return "ACCEPT"
	}
	return s
}

func (f Fault) caseName() string {
	switch f {
	case EXISTS:
		return "EXISTS"
	case GENERAL:
		return "GENERAL"
	case INVALID:
		return "INVALID"
	case AUTH:
		return "AUTH"
	case STATE:
		return "STATE"
	case EVENT:
		return "EVENT"
	default:
		return "ACCEPT"
	}
}

// Is reports whether a raised fault equals the single case c.
func (f Fault) Is(c Fault) bool { return f == c }

// Has reports whether the mask contains case c; used to test Policy
// masks such as nothrows or non_conform against a single raised case.
func (mask Fault) Has(c Fault) bool { return mask&c == c && c != ACCEPT }

// Recoverable reports whether the fault is one of the recoverable
// traps (EXISTS, INVALID, AUTH, STATE, EVENT) as opposed to GENERAL,
// which is never recovered and never masked.
func (f Fault) Recoverable() bool {
	return f != ACCEPT && f != GENERAL
}

// Fatal reports whether the fault must propagate regardless of any
// Policy mask.
func (f Fault) Fatal() bool {
	return f == GENERAL
}

// HTTPStatus maps a fault to its HTTP equivalent per spec §7.
func (f Fault) HTTPStatus() int {
	switch f {
	case ACCEPT, EXISTS:
		return http.StatusOK
	case INVALID:
		return http.StatusBadRequest
	case AUTH:
		return http.StatusForbidden
	case STATE, EVENT:
		return http.StatusNotFound
	case GENERAL:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// defaultReason returns the case's canonical, reason-less description.
func (f Fault) defaultReason() string {
	switch f {
	case ACCEPT:
		return "accepted"
	case EXISTS:
		return "event already admitted"
	case INVALID:
		return "event failed structural or cryptographic validation"
	case AUTH:
		return "event rejected by room auth rules or auth chain unreachable"
	case STATE:
		return "required room state missing"
	case EVENT:
		return "prev_events unsatisfiable"
	case GENERAL:
		return "internal invariant violation"
	default:
		return "unknown fault"
	}
}

// Raised is a Fault together with the call-site reason and, for
// GENERAL faults, the underlying cause. It implements error so that
// it can flow through ordinary Go error-handling while still exposing
// the Fault taxonomy to phase-boundary policy checks.
type Raised struct {
	Fault  Fault
	reason string
	cause  error
}

// New raises a Fault with a call-site-supplied reason.
func New(f Fault, reason string, args ...any) *Raised {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &Raised{Fault: f, reason: reason}
}

// Wrap raises GENERAL, attaching cause as the underlying error.
func Wrap(cause error, reason string, args ...any) *Raised {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &Raised{Fault: GENERAL, reason: reason, cause: cause}
}

// Reason returns the human-readable explanation, falling back to the
// case's default description when none was supplied.
func (r *Raised) Reason() string {
	if r.reason != "" {
		return r.reason
	}
	return r.Fault.defaultReason()
}

func (r *Raised) Error() string {
	if r.cause != nil {
		return fmt.Sprintf("%s: %s: %v", r.Fault, r.Reason(), r.cause)
	}
	return fmt.Sprintf("%s: %s", r.Fault, r.Reason())
}

func (r *Raised) Unwrap() error { return r.cause }

// As extracts the Fault case from any error, returning ACCEPT, false
// if err does not carry one.
func As(err error) (Fault, bool) {
	if err == nil {
		return ACCEPT, false
	}
	var r *Raised
	if errors.As(err, &r) {
		return r.Fault, true
	}
	return ACCEPT, false
}
