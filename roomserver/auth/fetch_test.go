// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixmesh/dendrite/roomserver/types"
)

type fetchFakeStore struct {
	events map[string]*types.Event
	errFor string
}

func (f *fetchFakeStore) Event(ctx context.Context, roomID, eventID string) (*types.Event, error) {
	if eventID == f.errFor {
		return nil, errors.New("simulated store failure")
	}
	return f.events[eventID], nil
}

func (f *fetchFakeStore) Events(ctx context.Context, roomID string, eventIDs []string) ([]*types.Event, error) {
	var out []*types.Event
	for _, id := range eventIDs {
		if ev, ok := f.events[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fetchFakeStore) AuthChain(ctx context.Context, roomID string, eventIDs []string) ([]*types.Event, error) {
	return nil, nil
}

func (f *fetchFakeStore) StateAt(ctx context.Context, roomID, eventID string) (*types.StateSnapshot, error) {
	return nil, nil
}

func (f *fetchFakeStore) CompressAndInstall(ctx context.Context, snapshot *types.StateSnapshot) (string, error) {
	return "", nil
}

func (f *fetchFakeStore) RoomVersion(ctx context.Context, roomID string) (string, error) {
	return "9", nil
}

func TestFetchAuthContextAssemblesAllRequestedEvents(t *testing.T) {
	create := mustEvent(t, "$create", "m.room.create", alice, stateKey(""), `{"creator":"@alice:example.com"}`)
	power := mustEvent(t, "$power", "m.room.power_levels", alice, stateKey(""), `{}`)
	store := &fetchFakeStore{events: map[string]*types.Event{
		"$create": create,
		"$power":  power,
	}}

	ctx, err := FetchAuthContext(context.Background(), store, testRoomID, []string{"$create", "$power"})
	require.NoError(t, err)
	assert.Equal(t, create, ctx.Create())
	assert.Equal(t, power, ctx.PowerLevels())
}

func TestFetchAuthContextSkipsUnknownEventIDs(t *testing.T) {
	create := mustEvent(t, "$create", "m.room.create", alice, stateKey(""), `{"creator":"@alice:example.com"}`)
	store := &fetchFakeStore{events: map[string]*types.Event{"$create": create}}

	ctx, err := FetchAuthContext(context.Background(), store, testRoomID, []string{"$create", "$missing"})
	require.NoError(t, err)
	assert.Equal(t, create, ctx.Create())
}

func TestFetchAuthContextPropagatesStoreError(t *testing.T) {
	store := &fetchFakeStore{events: map[string]*types.Event{}, errFor: "$broken"}

	_, err := FetchAuthContext(context.Background(), store, testRoomID, []string{"$broken"})
	require.Error(t, err)
}
