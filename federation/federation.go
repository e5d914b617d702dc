// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package federation names the RPC collaborators spec §6 lists under
// "Federation RPCs consumed": the wire clients the fetch coordinator
// and injector call out to. This package defines the interfaces only
// — it is the boundary a deployment's HTTP/matrix-federation-API
// client implements; no transport is implemented here.
package federation

import (
	"context"

	"github.com/luxfi/relay/crypto"
	"github.com/luxfi/relay/event"
)

// Client is the federation transaction surface: fetching events,
// walking auth chains, and backfilling history.
type Client interface {
	// EventAuth returns the auth chain the origin server has on file
	// for eventID in roomID (spec §4.5 kind 2, "/event_auth").
	EventAuth(ctx context.Context, origin string, roomID event.RoomID, eventID event.ID) ([]*event.Event, error)
	// GetEvent fetches one event by id directly.
	GetEvent(ctx context.Context, origin string, eventID event.ID) (*event.Event, error)
	// Backfill requests up to limit events preceding the given events
	// in roomID (spec §4.5 kind 3).
	Backfill(ctx context.Context, origin string, roomID event.RoomID, before []event.ID, limit int) ([]*event.Event, error)
	// StateIDs returns the full state event id set as of eventID, for
	// the initial room-state bootstrap (spec §4.5 kind 4).
	StateIDs(ctx context.Context, origin string, roomID event.RoomID, eventID event.ID) (authEventIDs, stateEventIDs []event.ID, err error)
	// MakeJoin and SendJoin support local-origination joins; not
	// exercised by the fetch coordinator, but named here since they
	// share the same transport collaborator.
	MakeJoin(ctx context.Context, origin string, roomID event.RoomID, userID string) (*event.Event, string, error)
	SendJoin(ctx context.Context, origin string, roomID event.RoomID, signed *event.Event) error
}

// KeyClient fetches signing keys for an origin server (spec §4.5 kind 1).
type KeyClient interface {
	QueryKeys(ctx context.Context, origin string, keyIDs []crypto.KeyID) (map[crypto.KeyID]crypto.PublicKey, error)
}
