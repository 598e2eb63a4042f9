// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state implements the State Resolver (SR): given two or more
// divergent state snapshots, deterministically produce one, per spec.md
// §4.5.
package state

import (
	"context"
	"sort"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/matrixmesh/dendrite/internal/caching"
	"github.com/matrixmesh/dendrite/roomserver/auth"
	"github.com/matrixmesh/dendrite/roomserver/types"
	"github.com/matrixmesh/dendrite/roomserver/version"
)

// powerEventTypes are the event types whose ordering other state is
// resolved against (spec.md §4.5 step 3): power levels, join rules, and
// membership events bearing kick/ban authority.
func isPowerEvent(ev *types.Event) bool {
	switch ev.Type {
	case spec.MRoomPowerLevels, spec.MRoomJoinRules:
		return true
	case spec.MRoomMember:
		if ev.StateKey == nil || *ev.StateKey == ev.Sender {
			return false // a user leaving on their own exercises no authority
		}
		switch ev.ContentValue("membership").String() {
		case "ban", "leave":
			return true
		}
		return false
	default:
		return false
	}
}

// Resolve implements the State Resolver contract: given a room's create
// event, room version, and a set of candidate state snapshots (plus the
// auth chain of every event those snapshots disagree on, supplied by the
// caller via store), return one deterministic resolved StateSnapshot.
//
// The algorithm:
//  1. Partition into unconflicted (every snapshot agrees) and conflicted
//     entries.
//  2. Reverse-topologically order the conflicted power-relevant events and
//     apply the Auth Checker iteratively to build a partial state.
//  3. Build the power-levels mainline from the winning power-levels event,
//     then mainline-order the remaining conflicted events against it and
//     apply the Auth Checker.
//  4. Re-add unconflicted entries, which always win since they were never
//     in dispute.
func Resolve(ctx context.Context, ver version.ID, create *types.Event, store types.Store, candidates []*types.StateSnapshot) (*types.StateSnapshot, error) {
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	unconflicted, conflicted := partition(candidates)

	authChainIDs := make([]string, 0, len(conflicted))
	for _, ev := range conflicted {
		authChainIDs = append(authChainIDs, ev.EventID)
	}
	var roomID string
	if create != nil {
		roomID = create.RoomID
	}
	authChain, err := store.AuthChain(ctx, roomID, authChainIDs)
	if err != nil {
		return nil, err
	}
	authByID := make(map[string]*types.Event, len(authChain)+len(conflicted))
	for _, ev := range authChain {
		authByID[ev.EventID] = ev
	}
	for _, ev := range conflicted {
		authByID[ev.EventID] = ev
	}

	r := &resolver{
		ver:      ver,
		create:   create,
		authByID: authByID,
		resolved: map[types.StateKeyTuple]*types.Event{},
		log:      logrus.WithField("room_id", roomID),
	}
	if create != nil {
		r.resolved[types.StateKeyTuple{Type: spec.MRoomCreate}] = create
	}

	var powerEvents, otherEvents []*types.Event
	for _, ev := range conflicted {
		if isPowerEvent(ev) {
			powerEvents = append(powerEvents, ev)
		} else {
			otherEvents = append(otherEvents, ev)
		}
	}

	// Seed the partial state with the unconflicted entries first, so that
	// an unconflicted power-levels event is already present for the
	// mainline to build from below.
	for tuple, ev := range unconflicted {
		r.resolved[tuple] = ev
	}

	powerOrdered := r.reverseTopologicalOrder(powerEvents)
	r.authAndApply(powerOrdered)

	mainline := r.buildPowerLevelMainline()
	otherOrdered := r.mainlineOrder(otherEvents, mainline)
	r.authAndApply(otherOrdered)

	// Reapply the unconflicted entries in case pulling in auth events above
	// overwrote any of them; they always win since they were never in
	// dispute.
	for tuple, ev := range unconflicted {
		r.resolved[tuple] = ev
	}

	out := make([]*types.Event, 0, len(r.resolved))
	for _, ev := range r.resolved {
		out = append(out, ev)
	}
	return &types.StateSnapshot{
		RoomID:         roomID,
		ShortStateHash: types.ComputeShortStateHash(out),
		State:          types.NewAuthContext(out),
	}, nil
}

// conflictSetKey derives a cache key for a set of candidate snapshots from
// their own ShortStateHashes, independent of supply order, so two callers
// racing to resolve the same divergent set share one cache entry.
func conflictSetKey(candidates []*types.StateSnapshot) string {
	hashes := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != nil {
			hashes = append(hashes, c.ShortStateHash)
		}
	}
	sort.Strings(hashes)
	return strings.Join(hashes, "|")
}

// ResolveWithCache wraps Resolve with the conflict-set memoization
// SPEC_FULL.md's domain stack asks ristretto for: identical candidate sets
// (by ShortStateHash) return the previously resolved snapshot without
// repeating the algorithm. A nil cache falls back to calling Resolve
// directly.
func ResolveWithCache(ctx context.Context, ver version.ID, create *types.Event, store types.Store, candidates []*types.StateSnapshot, cache caching.StateSnapshotCache) (*types.StateSnapshot, error) {
	if cache == nil || len(candidates) < 2 {
		return Resolve(ctx, ver, create, store, candidates)
	}

	key := conflictSetKey(candidates)
	if snap, ok := cache.Get(key); ok {
		return snap, nil
	}

	snap, err := Resolve(ctx, ver, create, store, candidates)
	if err != nil {
		return nil, err
	}
	cache.Set(key, snap)
	return snap, nil
}

// partition implements spec.md §4.5 step 1: entries every candidate
// snapshot agrees on are unconflicted; everything else (including entries
// present in some snapshots and absent in others) is conflicted.
func partition(candidates []*types.StateSnapshot) (unconflicted map[types.StateKeyTuple]*types.Event, conflicted []*types.Event) {
	unconflicted = map[types.StateKeyTuple]*types.Event{}
	byTuple := map[types.StateKeyTuple]map[string]*types.Event{}

	for _, snap := range candidates {
		if snap == nil || snap.State == nil {
			continue
		}
		for _, ev := range snap.State.All() {
			tuple := ev.StateKeyTuple()
			if byTuple[tuple] == nil {
				byTuple[tuple] = map[string]*types.Event{}
			}
			byTuple[tuple][ev.EventID] = ev
		}
	}

	for tuple, byID := range byTuple {
		if len(byID) == 1 && len(candidates) > 0 && allAgree(candidates, tuple, byID) {
			for _, ev := range byID {
				unconflicted[tuple] = ev
			}
			continue
		}
		for _, ev := range byID {
			conflicted = append(conflicted, ev)
		}
	}

	sort.Slice(conflicted, func(i, j int) bool { return conflicted[i].EventID < conflicted[j].EventID })
	return unconflicted, conflicted
}

// allAgree reports whether every candidate snapshot that has an opinion on
// tuple at all agrees on the single event present in byID; a snapshot that
// simply lacks the tuple does not itself create a conflict (it only
// conflicts when two snapshots both supply a differing event).
func allAgree(candidates []*types.StateSnapshot, tuple types.StateKeyTuple, byID map[string]*types.Event) bool {
	for _, snap := range candidates {
		if snap == nil || snap.State == nil {
			continue
		}
		ev := snap.State.Get(tuple)
		if ev == nil {
			continue
		}
		if _, ok := byID[ev.EventID]; !ok {
			return false
		}
	}
	return true
}

type resolver struct {
	ver      version.ID
	create   *types.Event
	authByID map[string]*types.Event
	resolved map[types.StateKeyTuple]*types.Event
	log      *logrus.Entry
}

// authAndApply implements spec.md §4.5's "reapply AC iteratively against
// the partial state to pick winners": events that fail authorization
// against the current partial state are silently dropped from
// consideration, exactly as the conflict they lost is resolved in favor of
// whichever earlier candidate is already installed.
func (r *resolver) authAndApply(events []*types.Event) {
	for _, ev := range events {
		ctx := types.NewAuthContext(r.currentState())
		ok, err := auth.Check(r.ver, r.create, ctx, ev)
		if err != nil {
			r.log.WithError(err).WithField("event_id", ev.EventID).Warn("state: dropping unauthorizable event during resolution")
			continue
		}
		if !ok {
			continue
		}
		if ev.IsState() {
			r.resolved[ev.StateKeyTuple()] = ev
		}
	}
}

func (r *resolver) currentState() []*types.Event {
	out := make([]*types.Event, 0, len(r.resolved))
	for _, ev := range r.resolved {
		out = append(out, ev)
	}
	return out
}

// reverseTopologicalOrder implements Kahn's algorithm over auth_events
// edges, with ties broken by (ascending power level implied by the event's
// own auth events, ascending origin_server_ts, ascending event ID) so the
// result is deterministic regardless of input order.
func (r *resolver) reverseTopologicalOrder(events []*types.Event) []*types.Event {
	inDegree := map[string]int{}
	byID := map[string]*types.Event{}
	for _, ev := range events {
		byID[ev.EventID] = ev
	}
	for _, ev := range events {
		if _, ok := inDegree[ev.EventID]; !ok {
			inDegree[ev.EventID] = 0
		}
		for _, authID := range ev.AuthEvents {
			if _, ok := byID[authID]; !ok {
				continue // only order edges within the candidate set itself
			}
			inDegree[ev.EventID]++
		}
	}

	ready := func() []*types.Event {
		var out []*types.Event
		for id, d := range inDegree {
			if d == 0 {
				if ev, ok := byID[id]; ok {
					out = append(out, ev)
				}
			}
		}
		sort.Slice(out, func(i, j int) bool {
			pi, pj := r.powerLevelFromAuthEvents(out[i]), r.powerLevelFromAuthEvents(out[j])
			if pi != pj {
				return pi < pj
			}
			if out[i].OriginServerTS != out[j].OriginServerTS {
				return out[i].OriginServerTS < out[j].OriginServerTS
			}
			return out[i].EventID < out[j].EventID
		})
		return out
	}

	var result []*types.Event
	remaining := map[string]bool{}
	for id := range byID {
		remaining[id] = true
	}
	for len(remaining) > 0 {
		batch := ready()
		if len(batch) == 0 {
			// Cycle in the candidate set (shouldn't happen for a valid DAG);
			// break deterministically by taking the lowest remaining event ID.
			var ids []string
			for id := range remaining {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			batch = []*types.Event{byID[ids[0]]}
		}
		ev := batch[0]
		result = append(result, ev)
		delete(remaining, ev.EventID)
		delete(inDegree, ev.EventID)
		for _, other := range byID {
			if !remaining[other.EventID] {
				continue
			}
			for _, authID := range other.AuthEvents {
				if authID == ev.EventID {
					inDegree[other.EventID]--
				}
			}
		}
	}
	return result
}

// powerLevelFromAuthEvents estimates the sender's power level at the time
// of ev by inspecting any m.room.power_levels event among ev's own
// auth_events, used only to break ties in topological ordering.
func (r *resolver) powerLevelFromAuthEvents(ev *types.Event) int64 {
	for _, authID := range ev.AuthEvents {
		pl, ok := r.authByID[authID]
		if !ok || pl.Type != spec.MRoomPowerLevels {
			continue
		}
		return auth.EffectivePowerLevel(mustTable(r.ver), r.create, auth.CreatorsFor(r.create, mustTable(r.ver)), pl, ev.Sender)
	}
	return 0
}

func mustTable(ver version.ID) version.Table {
	tbl, err := version.Get(ver)
	if err != nil {
		return version.Table{}
	}
	return tbl
}

// buildPowerLevelMainline implements spec.md §4.5 step 4's mainline
// construction: starting from the winning m.room.power_levels event, walk
// back through its own auth_events chain collecting every power-levels
// event encountered, producing a root-to-tip ordered sequence.
func (r *resolver) buildPowerLevelMainline() []*types.Event {
	current := r.resolved[types.StateKeyTuple{Type: spec.MRoomPowerLevels}]
	if current == nil {
		return nil
	}
	var mainline []*types.Event
	seen := map[string]bool{}
	for current != nil && !seen[current.EventID] {
		seen[current.EventID] = true
		mainline = append([]*types.Event{current}, mainline...)
		var next *types.Event
		for _, authID := range current.AuthEvents {
			if ev, ok := r.authByID[authID]; ok && ev.Type == spec.MRoomPowerLevels {
				next = ev
				break
			}
		}
		current = next
	}
	return mainline
}

// mainlineOrder implements spec.md §4.5 step 4: order the remaining
// conflicted events by how many steps back through their own auth_events
// it takes to reach the power-levels mainline (closer first), then by
// origin_server_ts, then by event ID.
func (r *resolver) mainlineOrder(events []*types.Event, mainline []*types.Event) []*types.Event {
	mainlinePos := map[string]int{}
	for i, ev := range mainline {
		mainlinePos[ev.EventID] = i
	}

	steps := func(ev *types.Event) int {
		seen := map[string]bool{}
		cur := ev
		for n := 0; n < len(r.authByID)+1; n++ {
			if cur == nil {
				return n
			}
			if _, ok := mainlinePos[cur.EventID]; ok {
				return n
			}
			seen[cur.EventID] = true
			var next *types.Event
			for _, authID := range cur.AuthEvents {
				if pe, ok := r.authByID[authID]; ok && pe.Type == spec.MRoomPowerLevels && !seen[pe.EventID] {
					next = pe
					break
				}
			}
			cur = next
		}
		return len(r.authByID) + 1
	}

	out := append([]*types.Event(nil), events...)
	stepCache := make(map[string]int, len(out))
	for _, ev := range out {
		stepCache[ev.EventID] = steps(ev)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := stepCache[out[i].EventID], stepCache[out[j].EventID]
		if si != sj {
			return si < sj
		}
		if out[i].OriginServerTS != out[j].OriginServerTS {
			return out[i].OriginServerTS < out[j].OriginServerTS
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}
