// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"github.com/tidwall/gjson"

	"github.com/matrixmesh/dendrite/roomserver/types"
)

// checkPowerLevelsChange implements spec.md §4.3's change rule for
// m.room.power_levels events themselves: no change may raise any level
// (including someone else's, an event type's, or a named action's) above
// the sender's own current power level, and no user in creators may be
// given an explicit entry in the users map at all. Check passes the creator
// set only for ExplicitlyPrivilegeRoomCreators versions and an empty set
// otherwise.
func checkPowerLevelsChange(event, previous *types.Event, senderLevel int64, creators Creators) bool {
	if event.StateKey == nil || *event.StateKey != "" {
		return false
	}

	newLevels := newPowerLevels(event)
	if previous == nil {
		return true
	}
	oldLevels := newPowerLevels(previous)

	users := map[string]struct{}{}
	gjson.GetBytes(previous.Content, "users").ForEach(func(k, _ gjson.Result) bool {
		users[k.String()] = struct{}{}
		return true
	})
	gjson.GetBytes(event.Content, "users").ForEach(func(k, _ gjson.Result) bool {
		users[k.String()] = struct{}{}
		return true
	})
	for user := range users {
		oldLevel, oldOK := oldLevels.userLevel(user)
		newLevel, newOK := newLevels.userLevel(user)
		if newOK && creators.Contains(user) {
			return false
		}
		if oldOK && newOK && oldLevel == newLevel {
			continue
		}
		if user != event.Sender && oldOK && oldLevel == senderLevel {
			return false
		}
		if oldOK && oldLevel > senderLevel {
			return false
		}
		if newOK && newLevel > senderLevel {
			return false
		}
	}

	evTypes := map[string]struct{}{}
	gjson.GetBytes(previous.Content, "events").ForEach(func(k, _ gjson.Result) bool {
		evTypes[k.String()] = struct{}{}
		return true
	})
	gjson.GetBytes(event.Content, "events").ForEach(func(k, _ gjson.Result) bool {
		evTypes[k.String()] = struct{}{}
		return true
	})
	for t := range evTypes {
		oldLevel, oldOK := oldLevels.eventLevel(t)
		newLevel, newOK := newLevels.eventLevel(t)
		if oldOK && newOK && oldLevel == newLevel {
			continue
		}
		if oldOK && oldLevel > senderLevel {
			return false
		}
		if newOK && newLevel > senderLevel {
			return false
		}
	}

	// limit_notifications_power_levels is applied by the caller, which
	// knows the room version table; see Check in check.go.

	// Both sides are read through the defaulting accessors rather than raw
	// gjson presence checks: an absent scalar compares against its
	// well-known default (spec.md §4.3), it is not skipped.
	scalars := [][2]int64{
		{oldLevels.usersDefault(), newLevels.usersDefault()},
		{oldLevels.eventsDefault(), newLevels.eventsDefault()},
		{oldLevels.stateDefault(), newLevels.stateDefault()},
		{oldLevels.ban(), newLevels.ban()},
		{oldLevels.redact(), newLevels.redact()},
		{oldLevels.kick(), newLevels.kick()},
		{oldLevels.invite(), newLevels.invite()},
	}
	for _, pair := range scalars {
		if pair[0] > senderLevel || pair[1] > senderLevel {
			return false
		}
	}

	return true
}

// checkNotificationsChange applies spec.md §4.3's RVT-gated notifications
// limit, separated out because it only applies when
// LimitNotificationsPowerLevels is set for the room version.
func checkNotificationsChange(event, previous *types.Event, senderLevel int64) bool {
	oldLevel := newPowerLevels(previous).notificationsRoom()
	newLevel := newPowerLevels(event).notificationsRoom()
	if oldLevel == newLevel {
		return true
	}
	return oldLevel <= senderLevel && newLevel <= senderLevel
}
