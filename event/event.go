// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package event defines the three-way view of an event (source,
// tuple, index) described in spec §3: the original signed bytes, the
// parsed field view the evaluation core operates on, and the 64-bit
// opaque handle the storage engine assigns on write.
package event

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/luxfi/ids"
)

// ID is the content-derived identifier of an event. In newer room
// versions it is a hash of the canonicalized event bytes; in legacy
// room versions it is carried as an explicit opaque string instead;
// this package has no helper for that legacy form, so ID only ever
// holds the 32-byte value.
type ID = ids.ID

// RoomID names a room. Rooms keep their original "!opaque:server"
// string form across room versions, so it is not derived from a hash.
type RoomID string

// Handle is the index form: a 64-bit handle assigned by the storage
// engine on write and used for every internal cross-reference so that
// hot paths never carry string or 32-byte IDs.
type Handle uint64

// NoHandle is the zero value, meaning "not yet written".
const NoHandle Handle = 0

// StateKey, when non-nil, marks an event as a state event.
type StateKey = *string

// Event is the tuple (parsed field) form of a room-DAG event.
type Event struct {
	RoomID     RoomID          `json:"room_id"`
	Type       string          `json:"type"`
	Sender     string          `json:"sender"`
	StateKey   StateKey        `json:"state_key,omitempty"`
	Content    json.RawMessage `json:"content"`
	Depth      int64           `json:"depth"`
	PrevEvents []ID            `json:"prev_events"`
	AuthEvents []ID            `json:"auth_events"`
	Hashes     map[string]string `json:"hashes"`
	Signatures map[string]map[string]string `json:"signatures"`
	Unsigned   json.RawMessage `json:"unsigned,omitempty"`
	OriginTS   int64           `json:"origin_server_ts"`
	Origin     string          `json:"origin,omitempty"`

	// EventID is empty for EDUs (spec §3, "edu" option) and for room
	// versions that derive the id from a separate explicit field
	// rather than the content hash; callers assign it directly once
	// computed. It is not part of the JSON encoding, so neither
	// Canonical nor Marshal covers it.
	EventID ID `json:"-"`

	// Source carries the original bytes this Event was parsed from (a
	// federation client decoding a wire transaction) or composed into
	// (inject.Injector, after signing). The writer trusts these bytes
	// directly when Options.JSONSource is set rather than
	// re-canonicalizing the tuple form (spec §3 Invariant: source,
	// tuple, and index form all resolve to one another).
	Source Source `json:"-"`
}

// IsState reports whether this event carries a state_key.
func (e *Event) IsState() bool { return e.StateKey != nil }

// IsCreate reports whether this is a room-creation event, the one
// event in a room with no prev_events and no auth_events.
func (e *Event) IsCreate() bool { return e.Type == "m.room.create" }

// Source wraps the original byte slice of an event exactly as
// received or composed. When JSONSource is set in options (§4.1),
// Verify and Serialize (§4.7) trust these bytes directly rather than
// re-canonicalizing the tuple form, which keeps exact signatures
// verifiable per the Invariant in §3.
type Source struct {
	Bytes []byte
}

// Ref is the three-way bijection the storage engine is required to
// persist for every committed event (spec §3 Invariant): the index
// handle, the event-id, and the serialized bytes all resolve to one
// another. Callers that read an event back out of storage (by id or
// by handle) assemble a Ref from what they found, to hand the full
// bijection to anything downstream that needs it.
type Ref struct {
	Handle  Handle
	EventID ID
	Source  Source
}

// excludedFromSignature lists the top-level fields stripped before
// computing the bytes a signature covers (spec §6 "Event
// serialization"): signatures cover the event minus signatures,
// unsigned, and hashes.sha256.
var excludedFromSignature = map[string]struct{}{
	"signatures": {},
	"unsigned":   {},
}

// Marshal produces the full wire-form JSON encoding of ev, signatures
// and unsigned data included, the form a federation client decodes off
// the network or inject.Injector composes locally. Unlike Canonical,
// this is not a signature-coverage view; it is what Source.Bytes holds.
func Marshal(ev *Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}

// Canonical produces the canonical JSON encoding of ev, with object
// keys sorted and the signature-excluded fields removed, matching the
// signing/verification coverage rule of spec §6. It is used to derive
// EventID in room versions where the id is a content hash, and as the
// fallback serialization path in the writer when JSONSource is unset.
func Canonical(ev *Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal for canonicalization: %w", err)
	}
	for k := range excludedFromSignature {
		delete(m, k)
	}
	if hashesRaw, ok := m["hashes"]; ok {
		var hashes map[string]string
		if err := json.Unmarshal(hashesRaw, &hashes); err == nil {
			delete(hashes, "sha256")
			if len(hashes) == 0 {
				delete(m, "hashes")
			} else {
				if b, err := json.Marshal(hashes); err == nil {
					m["hashes"] = b
				}
			}
		}
	}
	return marshalSorted(m)
}

// marshalSorted encodes m with keys in sorted order, since
// encoding/json.Marshal on a map already sorts string keys — this
// helper exists to make that guarantee explicit and testable rather
// than relying on an implementation detail of the stdlib encoder.
func marshalSorted(m map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, m[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// MaxPrevDepth returns one greater than the maximum depth of prev, or
// 1 if prev resolves to nothing (only valid for a room-create event).
func MaxPrevDepth(prevDepths []int64) int64 {
	var max int64
	for _, d := range prevDepths {
		if d > max {
			max = d
		}
	}
	return max + 1
}
