// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"github.com/tidwall/gjson"

	"github.com/matrixmesh/dendrite/roomserver/types"
	"github.com/matrixmesh/dendrite/roomserver/version"
)

// defaultUsersDefault, defaultEventsDefault, defaultStateDefault and the
// rest mirror the well-known m.room.power_levels defaults used when the
// room has no power levels event at all, per spec.md §4.3.
const (
	defaultUsersDefault  = int64(0)
	defaultEventsDefault = int64(0)
	defaultStateDefault  = int64(50)
	defaultBan           = int64(50)
	defaultKick          = int64(50)
	defaultRedact        = int64(50)
	defaultInvite        = int64(0)
	defaultNotifRoom     = int64(50)
)

const maxPowerLevel = int64(1) << 53 // JS Number.MAX_SAFE_INTEGER, matching float64 round-trip limits on the wire

// creatorPower represents the unbounded power level room versions with
// ExplicitlyPrivilegeRoomCreators grant their creators (spec.md §4.3); it
// compares greater than any level a power_levels event could otherwise
// contain.
const creatorPower = int64(1) << 62

// powerLevels is the parsed form of an m.room.power_levels event's content,
// read on demand with gjson rather than unmarshalled into a fixed struct,
// since most callers need only one or two fields.
type powerLevels struct {
	raw []byte
}

func newPowerLevels(ev *types.Event) powerLevels {
	if ev == nil {
		return powerLevels{}
	}
	return powerLevels{raw: ev.Content}
}

func (p powerLevels) intOr(path string, def int64) int64 {
	if p.raw == nil {
		return def
	}
	v := gjson.GetBytes(p.raw, path)
	if !v.Exists() || v.Type != gjson.Number {
		return def
	}
	return v.Int()
}

func (p powerLevels) usersDefault() int64  { return p.intOr("users_default", defaultUsersDefault) }
func (p powerLevels) eventsDefault() int64 { return p.intOr("events_default", defaultEventsDefault) }
func (p powerLevels) stateDefault() int64  { return p.intOr("state_default", defaultStateDefault) }
func (p powerLevels) ban() int64           { return p.intOr("ban", defaultBan) }
func (p powerLevels) kick() int64          { return p.intOr("kick", defaultKick) }
func (p powerLevels) redact() int64        { return p.intOr("redact", defaultRedact) }
func (p powerLevels) invite() int64        { return p.intOr("invite", defaultInvite) }

// userLevel, present, is the user's explicit entry in the users map, if any.
func (p powerLevels) userLevel(userID string) (level int64, present bool) {
	if p.raw == nil {
		return 0, false
	}
	v := gjson.GetBytes(p.raw, "users."+gjsonEscape(userID))
	if !v.Exists() || v.Type != gjson.Number {
		return 0, false
	}
	return v.Int(), true
}

func (p powerLevels) eventLevel(eventType string) (level int64, present bool) {
	if p.raw == nil {
		return 0, false
	}
	v := gjson.GetBytes(p.raw, "events."+gjsonEscape(eventType))
	if !v.Exists() || v.Type != gjson.Number {
		return 0, false
	}
	return v.Int(), true
}

func (p powerLevels) notificationsRoom() int64 {
	return p.intOr("notifications.room", defaultNotifRoom)
}

// gjsonEscape escapes dots in map keys (user IDs and event types both
// legitimately contain dots) so gjson treats them as single path segments.
func gjsonEscape(s string) string {
	out := make([]byte, 0, len(s)+4)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '*' || c == '?' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

// Creators is the privileged-creator set the Power Model uses under
// ExplicitlyPrivilegeRoomCreators: the room creator plus any
// additional_creators listed on m.room.create, per spec.md §4.3.
type Creators map[string]struct{}

// CreatorsFor computes the privileged-creator set for a room given its
// create event and room version table.
func CreatorsFor(create *types.Event, tbl version.Table) Creators {
	c := Creators{}
	if create == nil {
		return c
	}
	c[create.Sender] = struct{}{}
	if tbl.ExplicitlyPrivilegeRoomCreators {
		for _, v := range gjson.GetBytes(create.Content, "additional_creators").Array() {
			c[v.String()] = struct{}{}
		}
	}
	return c
}

func (c Creators) Contains(userID string) bool {
	_, ok := c[userID]
	return ok
}

// IsCreator reports whether userID counts as a room creator for power
// purposes, following the three RVT-dependent rules spec.md §4.3 names:
// explicit creator sets (v12+), create.sender (v11), or the legacy
// content.creator field.
func IsCreator(tbl version.Table, create *types.Event, creators Creators, userID string, havePowerLevels bool) bool {
	switch {
	case tbl.ExplicitlyPrivilegeRoomCreators:
		return creators.Contains(userID)
	case tbl.UseRoomCreateSender && !havePowerLevels:
		return create != nil && create.Sender == userID
	case !havePowerLevels:
		if create == nil {
			return false
		}
		return gjson.GetBytes(create.Content, "creator").String() == userID
	default:
		return false
	}
}

// EffectivePowerLevel computes a user's current power level in the room,
// per spec.md §4.3: their explicit entry in power_levels.users if present,
// else users_default; with no power_levels event at all, a user IsCreator
// accepts gets 100 and everyone else 0. Creators under
// ExplicitlyPrivilegeRoomCreators are clamped to creatorPower regardless.
func EffectivePowerLevel(tbl version.Table, create *types.Event, creators Creators, pl *types.Event, userID string) int64 {
	levels := newPowerLevels(pl)
	level := levels.usersDefault()
	if explicit, ok := levels.userLevel(userID); ok {
		level = explicit
	} else if pl == nil {
		if IsCreator(tbl, create, creators, userID, false) {
			level = 100
		} else {
			level = 0
		}
	}
	if tbl.ExplicitlyPrivilegeRoomCreators && creators.Contains(userID) {
		level = creatorPower
	}
	return level
}

// SendLevel returns the power level required to send an event of the given
// type (and whether it is a state event), per spec.md §4.3.
func SendLevel(pl *types.Event, eventType string, isState bool) int64 {
	levels := newPowerLevels(pl)
	if lvl, ok := levels.eventLevel(eventType); ok {
		return lvl
	}
	if isState {
		return levels.stateDefault()
	}
	return levels.eventsDefault()
}
