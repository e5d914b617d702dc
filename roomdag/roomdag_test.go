// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package roomdag

import (
	"testing"

	"github.com/luxfi/relay/event"
	"github.com/stretchr/testify/require"
)

func id(b byte) event.ID {
	var out event.ID
	out[0] = b
	return out
}

func TestAddEventUpdatesHeads(t *testing.T) {
	r := New()
	r.AddEvent(id(1), nil, 0)
	require.Equal(t, []event.ID{id(1)}, r.Heads())

	r.AddEvent(id(2), []event.ID{id(1)}, 1)
	require.Equal(t, []event.ID{id(2)}, r.Heads())
}

func TestAddEventIsIdempotent(t *testing.T) {
	r := New()
	r.AddEvent(id(1), nil, 0)
	r.AddEvent(id(1), []event.ID{id(9)}, 5)
	d, ok := r.Depth(id(1))
	require.True(t, ok)
	require.Equal(t, int64(0), d)
}

func TestMultipleHeadsAfterFork(t *testing.T) {
	r := New()
	r.AddEvent(id(1), nil, 0)
	r.AddEvent(id(2), []event.ID{id(1)}, 1)
	r.AddEvent(id(3), []event.ID{id(1)}, 1)
	heads := r.Heads()
	require.Len(t, heads, 2)
}

func TestStateAndHistory(t *testing.T) {
	r := New()
	r.AddEvent(id(1), nil, 0)
	r.ApplyState("m.room.create", "", id(1), 0)

	got, ok := r.State("m.room.create", "")
	require.True(t, ok)
	require.Equal(t, id(1), got)

	r.AddEvent(id(2), []event.ID{id(1)}, 1)
	r.ApplyState("m.room.name", "", id(2), 1)

	// at depth 0, the name event hadn't landed yet.
	_, ok = r.StateAt(0, "m.room.name", "")
	require.False(t, ok)

	got, ok = r.StateAt(1, "m.room.name", "")
	require.True(t, ok)
	require.Equal(t, id(2), got)

	// create event state persists forward through later snapshots.
	got, ok = r.StateAt(1, "m.room.create", "")
	require.True(t, ok)
	require.Equal(t, id(1), got)
}

func TestAddHeadAndResolveHeadsAreIndependent(t *testing.T) {
	r := New()
	r.AddHead(id(1), nil, 0)
	r.AddHead(id(2), []event.ID{id(1)}, 1)
	// AddHead alone never removes a predecessor from the head set.
	heads := r.Heads()
	require.Len(t, heads, 2)

	r.ResolveHeads([]event.ID{id(1)})
	require.Equal(t, []event.ID{id(2)}, r.Heads())
}

func TestPrevEventsLookup(t *testing.T) {
	r := New()
	r.AddEvent(id(1), nil, 0)
	r.AddEvent(id(2), []event.ID{id(1)}, 1)
	prev, ok := r.PrevEvents(id(2))
	require.True(t, ok)
	require.Equal(t, []event.ID{id(1)}, prev)
}
