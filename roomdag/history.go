// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package roomdag

import (
	"sort"

	"github.com/luxfi/relay/event"
)

// historyIndex stores present-state snapshots at the depths where
// state actually changed, in ascending depth order, so a query for
// "state as of depth d" binary-searches to the snapshot at the
// largest recorded depth <= d. This is the BTree-shaped historical
// state index spec §7 names, sized to the number of state changes
// rather than the number of events.
type historyIndex struct {
	depths    []int64
	snapshots []map[string]map[string]event.ID
}

func (h *historyIndex) snapshot(depth int64, present map[string]map[string]event.ID) {
	cp := make(map[string]map[string]event.ID, len(present))
	for t, byKey := range present {
		cpByKey := make(map[string]event.ID, len(byKey))
		for k, v := range byKey {
			cpByKey[k] = v
		}
		cp[t] = cpByKey
	}
	if n := len(h.depths); n > 0 && h.depths[n-1] == depth {
		h.snapshots[n-1] = cp
		return
	}
	h.depths = append(h.depths, depth)
	h.snapshots = append(h.snapshots, cp)
}

func (h *historyIndex) at(depth int64, evType, stateKey string) (event.ID, bool) {
	i := sort.Search(len(h.depths), func(i int) bool { return h.depths[i] > depth })
	if i == 0 {
		return event.ID{}, false
	}
	snap := h.snapshots[i-1]
	byKey, ok := snap[evType]
	if !ok {
		return event.ID{}, false
	}
	id, ok := byKey[stateKey]
	return id, ok
}
