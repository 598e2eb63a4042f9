// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixmesh/dendrite/roomserver/types"
)

const testRoomID = "!room:example.com"

type fakeStore struct {
	authChain map[string]*types.Event
}

func (f *fakeStore) Event(ctx context.Context, roomID, eventID string) (*types.Event, error) {
	return f.authChain[eventID], nil
}

func (f *fakeStore) Events(ctx context.Context, roomID string, eventIDs []string) ([]*types.Event, error) {
	var out []*types.Event
	for _, id := range eventIDs {
		if ev, ok := f.authChain[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) AuthChain(ctx context.Context, roomID string, eventIDs []string) ([]*types.Event, error) {
	var out []*types.Event
	for _, ev := range f.authChain {
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeStore) StateAt(ctx context.Context, roomID, eventID string) (*types.StateSnapshot, error) {
	return nil, nil
}

func (f *fakeStore) CompressAndInstall(ctx context.Context, snapshot *types.StateSnapshot) (string, error) {
	return snapshot.ShortStateHash, nil
}

func (f *fakeStore) RoomVersion(ctx context.Context, roomID string) (string, error) {
	return "9", nil
}

func sk(s string) *string { return &s }

func ev(id, evType, sender string, key *string, content string, authEvents []string, ts int64) *types.Event {
	return &types.Event{
		EventID:        id,
		RoomID:         testRoomID,
		Type:           evType,
		Sender:         sender,
		StateKey:       key,
		Content:        []byte(content),
		AuthEvents:     authEvents,
		OriginServerTS: ts,
		RoomVersion:    "9",
	}
}

func TestResolveSingleCandidateShortCircuits(t *testing.T) {
	create := ev("$create", "m.room.create", "@alice:example.com", sk(""), `{"creator":"@alice:example.com"}`, nil, 0)
	snap := &types.StateSnapshot{RoomID: testRoomID, State: types.NewAuthContext([]*types.Event{create})}

	store := &fakeStore{authChain: map[string]*types.Event{}}
	resolved, err := Resolve(context.Background(), "9", create, store, []*types.StateSnapshot{snap})
	require.NoError(t, err)
	assert.Equal(t, create, resolved.State.Create())
}

func TestResolveUnconflictedEntriesSurvive(t *testing.T) {
	create := ev("$create", "m.room.create", "@alice:example.com", sk(""), `{"creator":"@alice:example.com"}`, nil, 0)
	alice := ev("$ima", "m.room.member", "@alice:example.com", sk("@alice:example.com"), `{"membership":"join"}`, []string{"$create"}, 1)

	snapA := &types.StateSnapshot{RoomID: testRoomID, State: types.NewAuthContext([]*types.Event{create, alice})}
	snapB := &types.StateSnapshot{RoomID: testRoomID, State: types.NewAuthContext([]*types.Event{create, alice})}

	store := &fakeStore{authChain: map[string]*types.Event{"$create": create}}
	resolved, err := Resolve(context.Background(), "9", create, store, []*types.StateSnapshot{snapA, snapB})
	require.NoError(t, err)
	assert.Equal(t, alice, resolved.State.Membership("@alice:example.com"))
}

// TestResolveConflictingTopicPicksAuthorizedWinner grounds on the
// gomatrixserverlib state resolution v2 algorithm: when two snapshots
// disagree on a non-power state entry, the Auth Checker decides between
// them rather than picking arbitrarily. Here the competing topic is sent by
// @ghost:example.com, who has no membership in either snapshot, so that
// topic change is not authorized and alice's survives.
func TestResolveConflictingTopicPicksAuthorizedWinner(t *testing.T) {
	create := ev("$create", "m.room.create", "@alice:example.com", sk(""), `{"creator":"@alice:example.com"}`, nil, 0)
	power := ev("$ipower", "m.room.power_levels", "@alice:example.com", sk(""),
		`{"users":{"@alice:example.com":100},"users_default":0,"state_default":0}`, []string{"$create"}, 1)
	alice := ev("$ima", "m.room.member", "@alice:example.com", sk("@alice:example.com"), `{"membership":"join"}`, []string{"$create", "$ipower"}, 2)

	topicByAlice := ev("$topicA", "m.room.topic", "@alice:example.com", sk(""), `{"topic":"from alice"}`, []string{"$create", "$ipower", "$ima"}, 10)
	topicByGhost := ev("$topicB", "m.room.topic", "@ghost:example.com", sk(""), `{"topic":"from ghost"}`, []string{"$create", "$ipower", "$ima"}, 20)

	baseEvents := []*types.Event{create, power, alice}
	snapA := &types.StateSnapshot{RoomID: testRoomID, State: types.NewAuthContext(append(append([]*types.Event{}, baseEvents...), topicByAlice))}
	snapB := &types.StateSnapshot{RoomID: testRoomID, State: types.NewAuthContext(append(append([]*types.Event{}, baseEvents...), topicByGhost))}

	store := &fakeStore{authChain: map[string]*types.Event{
		"$create": create, "$ipower": power, "$ima": alice,
	}}

	resolved, err := Resolve(context.Background(), "9", create, store, []*types.StateSnapshot{snapA, snapB})
	require.NoError(t, err)

	topic := resolved.State.Get(types.StateKeyTuple{Type: "m.room.topic"})
	require.NotNil(t, topic)
	assert.Equal(t, "$topicA", topic.EventID)
}

func TestResolveIsOrderIndependent(t *testing.T) {
	create := ev("$create", "m.room.create", "@alice:example.com", sk(""), `{"creator":"@alice:example.com"}`, nil, 0)
	power := ev("$ipower", "m.room.power_levels", "@alice:example.com", sk(""),
		`{"users":{"@alice:example.com":100},"users_default":0,"state_default":0}`, []string{"$create"}, 1)
	alice := ev("$ima", "m.room.member", "@alice:example.com", sk("@alice:example.com"), `{"membership":"join"}`, []string{"$create", "$ipower"}, 2)
	topicByAlice := ev("$topicA", "m.room.topic", "@alice:example.com", sk(""), `{"topic":"from alice"}`, []string{"$create", "$ipower", "$ima"}, 10)
	topicByGhost := ev("$topicB", "m.room.topic", "@ghost:example.com", sk(""), `{"topic":"from ghost"}`, []string{"$create", "$ipower", "$ima"}, 20)

	baseEvents := []*types.Event{create, power, alice}
	snapA := &types.StateSnapshot{RoomID: testRoomID, State: types.NewAuthContext(append(append([]*types.Event{}, baseEvents...), topicByAlice))}
	snapB := &types.StateSnapshot{RoomID: testRoomID, State: types.NewAuthContext(append(append([]*types.Event{}, baseEvents...), topicByGhost))}

	store := &fakeStore{authChain: map[string]*types.Event{
		"$create": create, "$ipower": power, "$ima": alice,
	}}

	r1, err := Resolve(context.Background(), "9", create, store, []*types.StateSnapshot{snapA, snapB})
	require.NoError(t, err)
	r2, err := Resolve(context.Background(), "9", create, store, []*types.StateSnapshot{snapB, snapA})
	require.NoError(t, err)

	assert.Equal(t, r1.ShortStateHash, r2.ShortStateHash)
}

// fakeCache is an in-memory StateSnapshotCache fake, standing in for the
// ristretto-backed implementation so this package's tests don't depend on
// internal/caching's async eviction semantics.
type fakeCache struct {
	entries map[string]*types.StateSnapshot
	gets    int
	sets    int
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string]*types.StateSnapshot{}} }

func (c *fakeCache) Get(key string) (*types.StateSnapshot, bool) {
	c.gets++
	snap, ok := c.entries[key]
	return snap, ok
}

func (c *fakeCache) Set(key string, snapshot *types.StateSnapshot) {
	c.sets++
	c.entries[key] = snapshot
}

func TestResolveWithCacheSkipsRecomputationOnRepeatConflictSet(t *testing.T) {
	create := ev("$create", "m.room.create", "@alice:example.com", sk(""), `{"creator":"@alice:example.com"}`, nil, 0)
	power := ev("$ipower", "m.room.power_levels", "@alice:example.com", sk(""),
		`{"users":{"@alice:example.com":100},"users_default":0,"state_default":0}`, []string{"$create"}, 1)
	alice := ev("$ima", "m.room.member", "@alice:example.com", sk("@alice:example.com"), `{"membership":"join"}`, []string{"$create", "$ipower"}, 2)
	topicByAlice := ev("$topicA", "m.room.topic", "@alice:example.com", sk(""), `{"topic":"from alice"}`, []string{"$create", "$ipower", "$ima"}, 10)
	topicByGhost := ev("$topicB", "m.room.topic", "@ghost:example.com", sk(""), `{"topic":"from ghost"}`, []string{"$create", "$ipower", "$ima"}, 20)

	baseEvents := []*types.Event{create, power, alice}
	snapA := &types.StateSnapshot{RoomID: testRoomID, ShortStateHash: "hashA", State: types.NewAuthContext(append(append([]*types.Event{}, baseEvents...), topicByAlice))}
	snapB := &types.StateSnapshot{RoomID: testRoomID, ShortStateHash: "hashB", State: types.NewAuthContext(append(append([]*types.Event{}, baseEvents...), topicByGhost))}

	store := &fakeStore{authChain: map[string]*types.Event{
		"$create": create, "$ipower": power, "$ima": alice,
	}}
	cache := newFakeCache()

	first, err := ResolveWithCache(context.Background(), "9", create, store, []*types.StateSnapshot{snapA, snapB}, cache)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	second, err := ResolveWithCache(context.Background(), "9", create, store, []*types.StateSnapshot{snapB, snapA}, cache)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, cache.sets, "a second lookup over the same conflict set must not recompute")
}

func TestResolveWithCacheFallsBackWithoutCache(t *testing.T) {
	create := ev("$create", "m.room.create", "@alice:example.com", sk(""), `{"creator":"@alice:example.com"}`, nil, 0)
	snap := &types.StateSnapshot{RoomID: testRoomID, ShortStateHash: "hashA", State: types.NewAuthContext([]*types.Event{create})}

	store := &fakeStore{authChain: map[string]*types.Event{}}
	resolved, err := ResolveWithCache(context.Background(), "9", create, store, []*types.StateSnapshot{snap}, nil)
	require.NoError(t, err)
	assert.Equal(t, create, resolved.State.Create())
}
