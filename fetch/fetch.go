// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fetch satisfies eval preconditions by pulling missing
// artifacts from peer servers (spec §4.5): signing keys, auth events,
// prev events, and room state. Concurrent requests for the same key
// coalesce onto one outstanding call, the same shape as the reference
// stack's poll.Set (Add registers a pending request keyed by id; a
// second Add for the same id is told the first is already in flight),
// adapted from vote-coalescing to RPC-result-coalescing.
package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/relay/crypto"
	"github.com/luxfi/relay/event"
	"github.com/luxfi/relay/fault"
	"github.com/luxfi/relay/federation"
	"github.com/luxfi/relay/internal/options"
	"github.com/luxfi/relay/taskrt"
)

// Coordinator issues and coalesces fetch RPCs.
type Coordinator struct {
	client federation.Client
	keys   federation.KeyClient
	ring   *crypto.KeyRing
	pool   *taskrt.Pool

	mu      sync.Mutex
	pending map[string]*call
}

type call struct {
	done chan struct{}
	err  error
}

// New returns a Coordinator backed by client/keys and populating ring
// on key fetches. Each origin's Keys RPC runs under its own taskrt.Task
// so a caller can interrupt the fan-out (spec §5) instead of only the
// top-level ctx.
func New(client federation.Client, keys federation.KeyClient, ring *crypto.KeyRing) *Coordinator {
	return &Coordinator{
		client:  client,
		keys:    keys,
		ring:    ring,
		pool:    taskrt.NewPool(),
		pending: make(map[string]*call),
	}
}

// coalesce runs fn at most once per concurrently-outstanding key; a
// second caller for the same key waits for the first's result instead
// of issuing a duplicate RPC.
func (c *Coordinator) coalesce(key string, fn func() error) error {
	c.mu.Lock()
	if existing, ok := c.pending[key]; ok {
		c.mu.Unlock()
		<-existing.done
		return existing.err
	}
	cl := &call{done: make(chan struct{})}
	c.pending[key] = cl
	c.mu.Unlock()

	cl.err = fn()
	close(cl.done)

	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
	return cl.err
}

// Keys fetches every (origin, key_id) in need not already cached, one
// RPC per distinct origin, in parallel (spec §4.5 kind 1).
func (c *Coordinator) Keys(ctx context.Context, need []crypto.Need) error {
	missing := c.ring.Missing(need)
	if len(missing) == 0 {
		return nil
	}
	byOrigin := make(map[crypto.Origin][]crypto.KeyID)
	for _, n := range missing {
		byOrigin[n.Origin] = append(byOrigin[n.Origin], n.KeyID)
	}

	tasks := make([]*taskrt.Task, 0, len(byOrigin))
	errs := make(chan error, len(byOrigin))
	for origin, keyIDs := range byOrigin {
		origin, keyIDs := origin, keyIDs
		key := "keys:" + string(origin)
		for _, k := range keyIDs {
			key += ":" + string(k)
		}
		t := c.pool.Spawn(ctx, func(t *taskrt.Task) {
			err := c.coalesce(key, func() error {
				got, err := c.keys.QueryKeys(t.Context(), string(origin), keyIDs)
				if err != nil {
					return err
				}
				c.ring.Merge(origin, got)
				return nil
			})
			if err != nil {
				errs <- err
			}
		})
		tasks = append(tasks, t)
	}
	for _, t := range tasks {
		<-t.Done()
	}
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

// Auth fetches any auth_events not present in have, recursively via
// the supplied resolver (which the auth engine or pipeline supplies
// to avoid an import cycle back into vm). Raises fault.AUTH if the
// auth chain cannot be closed (spec §4.5 kind 2).
func (c *Coordinator) Auth(ctx context.Context, origin string, roomID event.RoomID, want []event.ID, have func(event.ID) bool, admit func(*event.Event) error) error {
	for _, id := range want {
		if have(id) {
			continue
		}
		key := "auth:" + string(roomID) + ":" + idHex(id)
		err := c.coalesce(key, func() error {
			chain, err := c.client.EventAuth(ctx, origin, roomID, id)
			if err != nil {
				return err
			}
			for _, ev := range chain {
				if err := admit(ev); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fault.New(fault.AUTH, "fetch: auth chain could not be closed: %v", err)
		}
	}
	return nil
}

// PrevPolicy names the wait/backfill parameters for Prev (spec §4.1
// fetch policy group).
type PrevPolicy struct {
	WaitCount uint32
	WaitTime  time.Duration
	Limit     int
	Any       bool
	All       bool
}

// Prev implements the prev_events backoff loop of spec §4.5 kind 3:
// up to WaitCount iterations, each waiting WaitTime*i for the event to
// arrive by other means before issuing a Backfill RPC.
func (c *Coordinator) Prev(ctx context.Context, origin string, roomID event.RoomID, prevEvents []event.ID, have func(event.ID) bool, p PrevPolicy) error {
	missing := func() []event.ID {
		var out []event.ID
		for _, id := range prevEvents {
			if !have(id) {
				out = append(out, id)
			}
		}
		return out
	}

	still := missing()
	for i := uint32(1); i <= p.WaitCount && len(still) > 0; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.WaitTime * time.Duration(i)):
		}
		still = missing()
		if len(still) == 0 {
			break
		}
		key := "prev:" + string(roomID) + ":" + idHex(still[0])
		_ = c.coalesce(key, func() error {
			_, err := c.client.Backfill(ctx, origin, roomID, still, p.Limit)
			return err
		})
		still = missing()
	}

	switch {
	case p.Any && len(still) == len(prevEvents) && len(prevEvents) > 0:
		return fault.New(fault.EVENT, "fetch: all prev_events still missing")
	case p.All && len(still) > 0:
		return fault.New(fault.EVENT, "fetch: some prev_events still missing")
	}
	return nil
}

// State pulls the authoritative room state via state_ids plus any
// missing events, when the local server has no prior state for the
// room (spec §4.5 kind 4).
func (c *Coordinator) State(ctx context.Context, origin string, roomID event.RoomID, atEvent event.ID, have func(event.ID) bool, admit func(*event.Event) error) error {
	key := "state:" + string(roomID)
	return c.coalesce(key, func() error {
		authIDs, stateIDs, err := c.client.StateIDs(ctx, origin, roomID, atEvent)
		if err != nil {
			return err
		}
		for _, id := range append(authIDs, stateIDs...) {
			if have(id) {
				continue
			}
			ev, err := c.client.GetEvent(ctx, origin, id)
			if err != nil {
				return err
			}
			if err := admit(ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// PolicyFromOptions extracts the Prev policy this Coordinator needs
// from an options bundle.
func PolicyFromOptions(o *options.Options) PrevPolicy {
	return PrevPolicy{
		WaitCount: o.FetchPrevWaitCount,
		WaitTime:  o.FetchPrevWaitTime,
		Limit:     o.FetchPrevLimit,
		Any:       o.FetchPrevAny,
		All:       o.FetchPrevAll,
	}
}

func idHex(id event.ID) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(id)*2)
	for i, b := range id {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0xf]
	}
	return string(buf)
}
