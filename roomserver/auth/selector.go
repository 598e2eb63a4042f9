// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package auth implements the Auth Selector (AS), Power Model (PM) and Auth
// Checker (AC) described in spec.md §4: deciding which state events a new
// event must point to in auth_events, and whether an event is authorized
// given the state it actually does point to.
package auth

import (
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/matrixmesh/dendrite/roomserver/types"
	"github.com/matrixmesh/dendrite/roomserver/version"
)

// SelectAuthEventTypes returns the StateKeyTuples a new event of the given
// type, sender, state key and content must be authorized against, per
// spec.md §4.1. m.room.create never has auth events. Every other event
// authorizes against the room's current power levels and the sender's own
// membership; v1-v11 rooms additionally authorize against m.room.create.
// m.room.member events pull in extra tuples depending on their own content.
func SelectAuthEventTypes(evType, sender string, stateKey *string, content []byte, ver version.ID) ([]types.StateKeyTuple, error) {
	if evType == spec.MRoomCreate {
		return nil, nil
	}

	tbl, err := version.Get(ver)
	if err != nil {
		return nil, err
	}

	tuples := []types.StateKeyTuple{
		{Type: spec.MRoomPowerLevels},
		{Type: spec.MRoomMember, StateKey: sender},
	}
	if !tbl.RoomIDsAsHashes {
		tuples = append(tuples, types.StateKeyTuple{Type: spec.MRoomCreate})
	}

	if evType != spec.MRoomMember || stateKey == nil {
		return tuples, nil
	}

	contains := func(t types.StateKeyTuple) bool {
		for _, existing := range tuples {
			if existing == t {
				return true
			}
		}
		return false
	}
	appendIfMissing := func(t types.StateKeyTuple) {
		if !contains(t) {
			tuples = append(tuples, t)
		}
	}

	membership := gjson.GetBytes(content, "membership").String()
	switch membership {
	case spec.Join, spec.Invite, "knock":
		appendIfMissing(types.StateKeyTuple{Type: spec.MRoomJoinRules})
		if authUser := gjson.GetBytes(content, "join_authorised_via_users_server"); authUser.Exists() {
			appendIfMissing(types.StateKeyTuple{Type: spec.MRoomMember, StateKey: authUser.String()})
		}
	}

	appendIfMissing(types.StateKeyTuple{Type: spec.MRoomMember, StateKey: *stateKey})

	if membership == spec.Invite {
		if token := gjson.GetBytes(content, "third_party_invite.signed.token"); token.Exists() {
			appendIfMissing(types.StateKeyTuple{Type: "m.room.third_party_invite", StateKey: token.String()})
		}
	}

	return tuples, nil
}
