// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package writer

import (
	"context"
	"testing"

	"github.com/luxfi/relay/event"
	"github.com/luxfi/relay/eval"
	"github.com/luxfi/relay/internal/options"
	"github.com/luxfi/relay/relaytest"
	"github.com/luxfi/relay/roomdag"
	"github.com/luxfi/relay/seqdock"
	"github.com/luxfi/relay/storage"
	"github.com/stretchr/testify/require"
)

type noopNotifier struct{ clients, servers int }

func (n *noopNotifier) NotifyClients(ev *event.Event) error { n.clients++; return nil }
func (n *noopNotifier) NotifyServers(ev *event.Event) error { n.servers++; return nil }

func newWriter() (*Writer, *roomdag.Room, *noopNotifier) {
	store := storage.New(relaytest.NewMemDB())
	room := roomdag.New()
	notifier := &noopNotifier{}
	return New(store, seqdock.New(), room, NewEffects(), notifier), room, notifier
}

func TestCommitIndexesAndUpdatesRoomDAG(t *testing.T) {
	w, room, notifier := newWriter()
	opts := options.Default()
	ev := relaytest.NewEvent("!room:example.org", relaytest.ID(1), 0, nil)
	e, err := eval.NewRegistry().Create(opts, 1, ev)
	require.NoError(t, err)

	err = w.Commit(context.Background(), e)
	require.NoError(t, err)
	require.Equal(t, int64(1), e.Sequence)
	require.Contains(t, room.Heads(), ev.EventID)
	require.Equal(t, 1, notifier.clients)
	require.Equal(t, 1, notifier.servers)
}

func TestCommitPersistsSourceBytesRoundTrip(t *testing.T) {
	store := storage.New(relaytest.NewMemDB())
	room := roomdag.New()
	w := New(store, seqdock.New(), room, NewEffects(), &noopNotifier{})

	opts := options.Default()
	require.True(t, opts.JSONSource)
	ev := relaytest.NewEvent("!room:example.org", relaytest.ID(9), 0, nil)
	require.NotEmpty(t, ev.Source.Bytes)

	e, err := eval.NewRegistry().Create(opts, 1, ev)
	require.NoError(t, err)
	require.NoError(t, w.Commit(context.Background(), e))

	txn := store.Begin()
	got, err := txn.Get(keyEventByID(ev.EventID))
	require.NoError(t, err)
	require.Equal(t, ev.Source.Bytes, got)

	got, err = txn.Get(keyEventByRoomDepth(ev.RoomID, ev.Depth, ev.EventID))
	require.NoError(t, err)
	require.Equal(t, ev.Source.Bytes, got)
}

func TestCommitRejectsMissingSourceBytes(t *testing.T) {
	w, _, _ := newWriter()
	opts := options.Default()
	ev := relaytest.NewEvent("!room:example.org", relaytest.ID(10), 0, nil)
	ev.Source = event.Source{} // simulate a caller that forgot to populate it

	e, err := eval.NewRegistry().Create(opts, 1, ev)
	require.NoError(t, err)
	err = w.Commit(context.Background(), e)
	require.Error(t, err)
}

func TestCommitResolvesPrevHeads(t *testing.T) {
	w, room, _ := newWriter()
	opts := options.Default()
	opts.RoomHeadResolve = true
	reg := eval.NewRegistry()

	first := relaytest.NewEvent("!room:example.org", relaytest.ID(1), 0, nil)
	e1, _ := reg.Create(opts, 1, first)
	require.NoError(t, w.Commit(context.Background(), e1))

	second := relaytest.NewEvent("!room:example.org", relaytest.ID(2), 1, []event.ID{relaytest.ID(1)})
	e2, _ := reg.Create(opts, 1, second)
	require.NoError(t, w.Commit(context.Background(), e2))

	require.Equal(t, []event.ID{relaytest.ID(2)}, room.Heads())
}

func TestCommitRunsEffectsInOrder(t *testing.T) {
	w, _, _ := newWriter()
	var order []string
	w.effects.Register(Effect{Name: "a", Run: func(ctx context.Context, ev *event.Event) error {
		order = append(order, "a")
		return nil
	}})
	w.effects.Register(Effect{Name: "b", Run: func(ctx context.Context, ev *event.Event) error {
		order = append(order, "b")
		return nil
	}})

	opts := options.Default()
	ev := relaytest.NewEvent("!room:example.org", relaytest.ID(5), 0, nil)
	e, _ := eval.NewRegistry().Create(opts, 1, ev)
	require.NoError(t, w.Commit(context.Background(), e))
	require.Equal(t, []string{"a", "b"}, order)
}

func TestCommitSequencesAcrossMultipleEvals(t *testing.T) {
	w, _, _ := newWriter()
	opts := options.Default()
	reg := eval.NewRegistry()

	for i := byte(1); i <= 3; i++ {
		ev := relaytest.NewEvent("!room:example.org", relaytest.ID(i), int64(i), nil)
		e, err := reg.Create(opts, 1, ev)
		require.NoError(t, err)
		require.NoError(t, w.Commit(context.Background(), e))
		require.Equal(t, int64(i), e.Sequence)
	}
}
