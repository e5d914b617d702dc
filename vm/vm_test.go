// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vm

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"testing"

	"github.com/luxfi/relay/crypto"
	"github.com/luxfi/relay/event"
	"github.com/luxfi/relay/eval"
	"github.com/luxfi/relay/fault"
	"github.com/luxfi/relay/fetch"
	"github.com/luxfi/relay/internal/logging"
	"github.com/luxfi/relay/internal/metrics"
	"github.com/luxfi/relay/internal/options"
	"github.com/luxfi/relay/relaytest"
	"github.com/luxfi/relay/roomauth"
	"github.com/luxfi/relay/roomdag"
	"github.com/luxfi/relay/seqdock"
	"github.com/luxfi/relay/storage"
	"github.com/luxfi/relay/writer"
	"github.com/stretchr/testify/require"
)

type singleRoomLookup struct {
	room        *roomdag.Room
	w           *writer.Writer
	roomVersion string
}

func (s *singleRoomLookup) Room(event.RoomID) *roomdag.Room    { return s.room }
func (s *singleRoomLookup) Writer(event.RoomID) *writer.Writer { return s.w }
func (s *singleRoomLookup) RoomVersion(event.RoomID) string    { return s.roomVersion }
func (s *singleRoomLookup) AuthState(id event.RoomID, authEvents []event.ID) *roomauth.State {
	st := &roomauth.State{Membership: map[string]*event.Event{}}
	if _, ok := s.room.State("m.room.create", ""); ok {
		st.Create = &event.Event{Type: "m.room.create"}
	}
	return st
}

func sk(s string) *string { return &s }

func signEvent(t *testing.T, priv ed25519.PrivateKey, ev *event.Event) {
	ev.Signatures = map[string]map[string]string{}
	canon, err := event.Canonical(ev)
	require.NoError(t, err)
	sum := sha256.Sum256(canon)
	ev.Hashes = map[string]string{"sha256": crypto.Unpadded(sum[:])}

	canon2, err := event.Canonical(ev)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, canon2)
	ev.Signatures[ev.Origin] = map[string]string{"ed25519:1": crypto.Unpadded(sig)}
}

func newTestVM(t *testing.T) (*VM, *singleRoomLookup, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ring := crypto.NewKeyRing()
	ring.Merge("example.org", map[crypto.KeyID]crypto.PublicKey{"ed25519:1": crypto.PublicKey(pub)})

	room := roomdag.New()
	store := storage.New(relaytest.NewMemDB())
	w := writer.New(store, seqdock.New(), room, writer.NewEffects(), nil)

	rules := roomauth.NewEngine(map[string]roomauth.RuleSet{"1": roomauth.DefaultRuleSet{}})
	lookup := &singleRoomLookup{room: room, w: w, roomVersion: "1"}

	fc := fetch.New(nil, nil, ring)

	v := New(eval.NewRegistry(), seqdock.New(), fc, rules, ring, crypto.NewVerifier(), logging.NewNoOp(), metrics.NewUnregistered("vmtest"), lookup)
	return v, lookup, priv
}

func TestExecuteAdmitsCreateEvent(t *testing.T) {
	v, _, priv := newTestVM(t)
	opts := options.Default()
	opts.Fetch = false
	opts.FetchAuth, opts.FetchPrev, opts.FetchState, opts.MFetchKeys = false, false, false, false

	content, _ := json.Marshal(map[string]string{"creator": "@alice:example.org"})
	ev := &event.Event{
		RoomID:  "!room:example.org",
		Type:    "m.room.create",
		Sender:  "@alice:example.org",
		Content: content,
		Origin:  "example.org",
		StateKey: sk(""),
	}
	signEvent(t, priv, ev)
	ev.EventID = event.ID(sha256.Sum256(mustCanonical(t, ev)))
	setSource(t, ev)

	e, err := v.Execute(context.Background(), opts, 1, ev)
	require.NoError(t, err)
	require.Equal(t, eval.PhaseDone, e.Phase)
}

func TestExecuteRejectsBadSignature(t *testing.T) {
	v, _, _ := newTestVM(t)
	opts := options.Default()
	opts.Fetch = false

	content, _ := json.Marshal(map[string]string{"creator": "@alice:example.org"})
	ev := &event.Event{
		RoomID: "!room:example.org", Type: "m.room.create", Sender: "@alice:example.org",
		Content: content, Origin: "example.org", StateKey: sk(""),
		Signatures: map[string]map[string]string{"example.org": {"ed25519:1": "garbage"}},
		Hashes:     map[string]string{"sha256": "garbage"},
	}

	_, err := v.Execute(context.Background(), opts, 1, ev)
	require.Error(t, err)
	f, ok := fault.As(err)
	require.True(t, ok)
	require.True(t, f.Is(fault.INVALID))
}

func TestExecuteRemovesEvalOnCompletion(t *testing.T) {
	v, _, priv := newTestVM(t)
	opts := options.Default()
	opts.Fetch = false

	content, _ := json.Marshal(map[string]string{"creator": "@alice:example.org"})
	ev := &event.Event{
		RoomID: "!room:example.org", Type: "m.room.create", Sender: "@alice:example.org",
		Content: content, Origin: "example.org", StateKey: sk(""),
	}
	signEvent(t, priv, ev)
	ev.EventID = event.ID(sha256.Sum256(mustCanonical(t, ev)))
	setSource(t, ev)

	_, err := v.Execute(context.Background(), opts, 1, ev)
	require.NoError(t, err)

	_, found := v.Find(ev.EventID)
	require.False(t, found)
	require.Equal(t, 0, v.Count(ev.EventID))
}

type fakeFedClient struct {
	createEv *event.Event
}

func (f *fakeFedClient) EventAuth(ctx context.Context, origin string, roomID event.RoomID, id event.ID) ([]*event.Event, error) {
	return nil, nil
}
func (f *fakeFedClient) GetEvent(ctx context.Context, origin string, id event.ID) (*event.Event, error) {
	if id == f.createEv.EventID {
		return f.createEv, nil
	}
	return nil, fault.New(fault.GENERAL, "fakeFedClient: unknown event")
}
func (f *fakeFedClient) Backfill(ctx context.Context, origin string, roomID event.RoomID, before []event.ID, limit int) ([]*event.Event, error) {
	return nil, nil
}
func (f *fakeFedClient) StateIDs(ctx context.Context, origin string, roomID event.RoomID, atEvent event.ID) ([]event.ID, []event.ID, error) {
	return nil, []event.ID{f.createEv.EventID}, nil
}
func (f *fakeFedClient) MakeJoin(ctx context.Context, origin string, roomID event.RoomID, userID string) (*event.Event, string, error) {
	return nil, "", nil
}
func (f *fakeFedClient) SendJoin(ctx context.Context, origin string, roomID event.RoomID, signed *event.Event) error {
	return nil
}

// TestRunFetchAdmitsFetchedStateEvents exercises spec §4.5.2: a fetched
// state event is not just pulled over the wire, it is evaluated
// (fetch=false) and written exactly like a directly-received event, so
// the room's state actually advances before the event that triggered
// the fetch is authed against it.
func TestRunFetchAdmitsFetchedStateEvents(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ring := crypto.NewKeyRing()
	ring.Merge("example.org", map[crypto.KeyID]crypto.PublicKey{"ed25519:1": crypto.PublicKey(pub)})

	room := roomdag.New()
	store := storage.New(relaytest.NewMemDB())
	w := writer.New(store, seqdock.New(), room, writer.NewEffects(), nil)
	rules := roomauth.NewEngine(map[string]roomauth.RuleSet{"1": roomauth.DefaultRuleSet{}})
	lookup := &singleRoomLookup{room: room, w: w, roomVersion: "1"}

	createContent, _ := json.Marshal(map[string]string{"creator": "@alice:example.org"})
	createEv := &event.Event{
		RoomID: "!room:example.org", Type: "m.room.create", Sender: "@alice:example.org",
		Content: createContent, Origin: "example.org", StateKey: sk(""),
	}
	signEvent(t, priv, createEv)
	createEv.EventID = event.ID(sha256.Sum256(mustCanonical(t, createEv)))
	setSource(t, createEv)

	fc := fetch.New(&fakeFedClient{createEv: createEv}, nil, ring)
	v := New(eval.NewRegistry(), seqdock.New(), fc, rules, ring, crypto.NewVerifier(), logging.NewNoOp(), metrics.NewUnregistered("vmtest2"), lookup)

	msgContent, _ := json.Marshal(map[string]string{"body": "hi"})
	msg := &event.Event{
		RoomID: "!room:example.org", Type: "m.room.message", Sender: "@alice:example.org",
		Content:    msgContent,
		Origin:     "example.org",
		PrevEvents: []event.ID{createEv.EventID},
		AuthEvents: []event.ID{createEv.EventID},
		Depth:      1,
	}
	signEvent(t, priv, msg)
	msg.EventID = event.ID(sha256.Sum256(mustCanonical(t, msg)))
	setSource(t, msg)

	opts := options.Default()
	opts.FetchAuth = false
	opts.FetchPrev = false
	opts.MFetchKeys = false

	e, err := v.Execute(context.Background(), opts, 1, msg)
	require.NoError(t, err)
	require.Equal(t, eval.PhaseDone, e.Phase)

	_, ok := room.State("m.room.create", "")
	require.True(t, ok, "fetched create event should have been admitted and written, not discarded")
}

func TestCreateDuplicateWhileInFlightIsRejected(t *testing.T) {
	r := eval.NewRegistry()
	opts := options.Default()
	ev := &event.Event{EventID: event.ID{1}}

	first, err := r.Create(opts, 1, ev)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = r.Create(opts, 1, ev)
	require.Error(t, err)
	f, ok := fault.As(err)
	require.True(t, ok)
	require.True(t, f.Is(fault.EXISTS))
}

func mustCanonical(t *testing.T, ev *event.Event) []byte {
	b, err := event.Canonical(ev)
	require.NoError(t, err)
	return b
}

// setSource populates Source the way a federation client or the
// injector would, so a json_source commit (the default) has bytes to
// persist.
func setSource(t *testing.T, ev *event.Event) {
	raw, err := event.Marshal(ev)
	require.NoError(t, err)
	ev.Source = event.Source{Bytes: raw}
}
