// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command relayd wires the evaluation core's collaborators into a
// runnable process: a KeyRing seeded with the node's own signing key,
// a single room's DAG and writer, a VM with the default rule set, and
// an Injector for locally-originated events. It has no network
// transport of its own — federation.Client/KeyClient are supplied by
// whatever HTTP layer fronts this process — so with no peer wired it
// behaves as a single-node room, useful for local development and for
// the tests that exercise the pipeline against relaytest.MemDB.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/relay/crypto"
	"github.com/luxfi/relay/event"
	"github.com/luxfi/relay/eval"
	"github.com/luxfi/relay/fetch"
	"github.com/luxfi/relay/inject"
	"github.com/luxfi/relay/internal/logging"
	"github.com/luxfi/relay/internal/metrics"
	"github.com/luxfi/relay/internal/options"
	"github.com/luxfi/relay/relaytest"
	"github.com/luxfi/relay/roomauth"
	"github.com/luxfi/relay/roomdag"
	"github.com/luxfi/relay/seqdock"
	"github.com/luxfi/relay/storage"
	"github.com/luxfi/relay/vm"
	"github.com/luxfi/relay/writer"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		origin    = flag.String("origin", "localhost", "server name this node signs events as")
		roomID    = flag.String("room", "!bootstrap:localhost", "room id to seed on startup")
		roomVer   = flag.String("room-version", "1", "room version key for the auth rule set")
		metricsNS = flag.String("metrics-namespace", "relayd", "prometheus namespace for published metrics")
	)
	flag.Parse()

	lg := logging.New(log.NewLogger("relayd"))

	// storage.Store works against any database.Database; a deployment
	// wanting persistence supplies its own implementation here. No
	// concrete on-disk backend is wired in the open-source tree this
	// binary ships from.
	store := storage.New(relaytest.NewMemDB())

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		lg.Error("relayd: generate signing key", "err", err)
		os.Exit(1)
	}
	ring := crypto.NewKeyRing()
	ring.Merge(crypto.Origin(*origin), map[crypto.KeyID]crypto.PublicKey{"ed25519:1": crypto.PublicKey(pub)})

	m, err := metrics.New(prometheus.NewRegistry(), *metricsNS)
	if err != nil {
		lg.Error("relayd: register metrics", "err", err)
		os.Exit(1)
	}

	room := roomdag.New()
	w := writer.New(store, seqdock.New(), room, writer.NewEffects(), loggingNotifier{lg})
	rules := roomauth.NewEngine(map[string]roomauth.RuleSet{*roomVer: roomauth.DefaultRuleSet{ResidentServer: *origin}})
	fc := fetch.New(nil, nil, ring)

	rooms := &singleRoom{id: event.RoomID(*roomID), version: *roomVer, room: room, writer: w}

	machine := vm.New(eval.NewRegistry(), seqdock.New(), fc, rules, ring, crypto.NewVerifier(), lg, m, rooms)

	injector := &inject.Injector{
		NodeOrigin: *origin,
		Clock:      wallClock{},
		Signer:     crypto.NewSigner("ed25519:1", priv),
		RoomDAG:    func(event.RoomID) *roomdag.Room { return room },
		Enter: func(ctx context.Context, opts *options.Options, ev *event.Event) error {
			_, err := machine.Execute(ctx, opts, nextTask(), ev)
			return err
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := seedRoom(ctx, injector, event.RoomID(*roomID), *origin); err != nil {
		lg.Error("relayd: seed room", "err", err)
		os.Exit(1)
	}

	lg.Info("relayd: ready", "origin", *origin, "room", *roomID, "room_version", *roomVer)
	<-ctx.Done()
	lg.Info("relayd: shutting down")
}

// seedRoom injects the room's m.room.create event if the room is
// otherwise empty, so a fresh process has a valid frontier to build
// on.
func seedRoom(ctx context.Context, inj *inject.Injector, roomID event.RoomID, origin string) error {
	room := inj.RoomDAG(roomID)
	if len(room.Heads()) > 0 {
		return nil
	}
	content, err := json.Marshal(map[string]string{"creator": "@relayd:" + origin})
	if err != nil {
		return err
	}
	ev := &event.Event{
		RoomID:   roomID,
		Type:     "m.room.create",
		Sender:   "@relayd:" + origin,
		StateKey: strptr(""),
		Content:  content,
	}
	copts := &options.Copts{Options: options.Default(), PropMask: options.PropAll}
	return inj.Inject(ctx, ev, copts)
}

func strptr(s string) *string { return &s }

type wallClock struct{}

func (wallClock) NowMillis() int64 { return time.Now().UnixMilli() }

var taskCounter uint64

func nextTask() eval.TaskID {
	taskCounter++
	return eval.TaskID(taskCounter)
}

// singleRoom is the RoomLookup for a process that serves exactly one
// room; a multi-room deployment supplies its own RoomLookup backed by
// a real room directory instead.
type singleRoom struct {
	id      event.RoomID
	version string
	room    *roomdag.Room
	writer  *writer.Writer
}

func (s *singleRoom) Room(event.RoomID) *roomdag.Room    { return s.room }
func (s *singleRoom) Writer(event.RoomID) *writer.Writer { return s.writer }
func (s *singleRoom) RoomVersion(event.RoomID) string    { return s.version }
func (s *singleRoom) AuthState(id event.RoomID, authEvents []event.ID) *roomauth.State {
	st := &roomauth.State{Membership: map[string]*event.Event{}}
	if _, ok := s.room.State("m.room.create", ""); ok {
		st.Create = &event.Event{Type: "m.room.create"}
	}
	if _, ok := s.room.State("m.room.power_levels", ""); ok {
		st.PowerLevels = &event.Event{Type: "m.room.power_levels"}
	}
	if _, ok := s.room.State("m.room.join_rules", ""); ok {
		st.JoinRules = &event.Event{Type: "m.room.join_rules"}
	}
	return st
}

type loggingNotifier struct{ lg logging.Logger }

func (n loggingNotifier) NotifyClients(ev *event.Event) error {
	n.lg.Debug("relayd: notify clients", "event_id", ev.EventID.String())
	return nil
}

func (n loggingNotifier) NotifyServers(ev *event.Event) error {
	n.lg.Debug("relayd: notify servers", "event_id", ev.EventID.String())
	return nil
}
