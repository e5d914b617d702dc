// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relaytest

import "github.com/luxfi/relay/event"

// ID builds a deterministic event.ID from a single byte, for tests
// that need distinguishable but reproducible ids.
func ID(b byte) event.ID {
	var out event.ID
	out[0] = b
	return out
}

// NewEvent returns a minimal, non-state event in roomID with the
// given id, depth, and prev_events, ready for index-writing tests.
func NewEvent(roomID event.RoomID, id event.ID, depth int64, prev []event.ID) *event.Event {
	ev := &event.Event{
		RoomID:     roomID,
		Type:       "m.room.message",
		Sender:     "@alice:example.org",
		Content:    []byte(`{"body":"hi"}`),
		Depth:      depth,
		PrevEvents: prev,
		Origin:     "example.org",
		EventID:    id,
	}
	// A real event always arrives with (or is composed into) source
	// bytes; fixtures follow suit so json_source commit paths have
	// something to persist.
	raw, _ := event.Marshal(ev)
	ev.Source = event.Source{Bytes: raw}
	return ev
}
