// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/matrixmesh/dendrite/internal/hserr"
	"github.com/matrixmesh/dendrite/roomserver/types"
	"github.com/matrixmesh/dendrite/roomserver/version"
)

// Check implements the Auth Checker (AC): whether event is authorized given
// the state snapshot it points to, per spec.md §4.2's numbered rules. ctx
// must contain exactly the state SelectAuthEventTypes asked for; the create
// event is supplied separately since m.room.create's own auth check never
// consults it.
//
// Check never returns an error for "this event is not authorized" — that is
// a false return. The only error it returns is for a room version the Room
// Version Table does not recognize.
func Check(ver version.ID, create *types.Event, ctx *types.AuthContext, event *types.Event) (bool, error) {
	tbl, err := version.Get(ver)
	if err != nil {
		return false, hserr.IncompatibleVersion("auth.Check", err.Error())
	}

	logger := logrus.WithFields(logrus.Fields{
		"event_id":   event.EventID,
		"event_type": event.Type,
		"room_id":    event.RoomID,
	})

	if event.Type == spec.MRoomCreate {
		return checkCreate(tbl, event, logger)
	}

	creators := CreatorsFor(create, tbl)
	pl := ctx.PowerLevels()
	senderMember := ctx.Membership(event.Sender)

	if !validEventRoomRef(event, create, tbl) {
		logger.Warn("auth: room_ref does not match create event's effective room reference")
		return false, nil
	}

	if !authEventsReferenceCreateAsRequired(event, create, tbl) {
		logger.Warn("auth: auth_events create-event reference does not match room version requirement")
		return false, nil
	}

	if federationForbidden(create) && serverNameOf(event.Sender) != serverNameOf(create.Sender) {
		logger.Warn("auth: room forbids federation and sender is on a different server than the room creator")
		return false, nil
	}

	if tbl.SpecialCaseAliasesAuth && event.Type == "m.room.aliases" {
		if event.StateKey == nil {
			logger.Warn("auth: m.room.aliases event has no state key")
			return false, nil
		}
		expected := serverNameOf(event.Sender)
		if *event.StateKey != expected {
			logger.Warn("auth: m.room.aliases state_key does not match sender's server")
			return false, nil
		}
		return true, nil
	}

	if event.Type == spec.MRoomMember {
		if event.StateKey == nil {
			logger.Warn("auth: m.room.member event has no state key")
			return false, nil
		}
		if !event.ContentValue("membership").Exists() {
			logger.Warn("auth: m.room.member event has no membership field")
			return false, nil
		}
		if !validMembershipChange(tbl, ctx, create, creators, event) {
			logger.Warn("auth: membership change rejected")
			return false, nil
		}
		return true, nil
	}

	// From here on, everything requires the sender to currently be joined.
	if membershipOf(senderMember) != membershipJoin {
		logger.Warn("auth: sender is not joined to the room")
		return false, nil
	}

	senderLevel := EffectivePowerLevel(tbl, create, creators, pl, event.Sender)

	if event.Type == "m.room.third_party_invite" {
		if senderLevel < newPowerLevels(pl).invite() {
			logger.Warn("auth: sender lacks power to send third-party invites")
			return false, nil
		}
		return true, nil
	}

	if !canSendEvent(event, pl, senderLevel) {
		logger.Warn("auth: sender lacks power to send this event")
		return false, nil
	}

	if event.Type == spec.MRoomPowerLevels {
		// Only creator-privileged versions bar creators from the users map.
		privileged := Creators{}
		if tbl.ExplicitlyPrivilegeRoomCreators {
			privileged = creators
		}
		if !checkPowerLevelsChange(event, pl, senderLevel, privileged) {
			logger.Warn("auth: power levels change rejected")
			return false, nil
		}
		if tbl.LimitNotificationsPowerLevels && !checkNotificationsChange(event, pl, senderLevel) {
			logger.Warn("auth: notifications power level change rejected")
			return false, nil
		}
	}

	if tbl.ExtraRedactionChecks && event.Type == "m.room.redaction" {
		redactLevel := newPowerLevels(pl).redact()
		if senderLevel < redactLevel && !sameServerRedaction(event) {
			logger.Warn("auth: redaction rejected")
			return false, nil
		}
	}

	return true, nil
}

// checkCreate implements spec.md §4.2 rule 1: m.room.create may have no
// prev_events, and (outside hash-addressed room versions) must carry an
// explicit legacy creator field when the version neither uses the sender
// as creator nor privileges explicit creator sets.
func checkCreate(tbl version.Table, event *types.Event, logger *logrus.Entry) (bool, error) {
	if len(event.PrevEvents) != 0 {
		logger.Warn("auth: m.room.create has prev_events")
		return false, nil
	}
	if tbl.RoomIDsAsHashes && event.RoomID != "" {
		logger.Warn("auth: m.room.create incorrectly claims a room ID")
		return false, nil
	}
	if !tbl.UseRoomCreateSender && !tbl.ExplicitlyPrivilegeRoomCreators {
		if !event.ContentValue("creator").Exists() {
			logger.Warn("auth: m.room.create omits creator field")
			return false, nil
		}
	}
	return true, nil
}

// validEventRoomRef implements spec.md §4.2 rule 1: a non-create event's
// room_ref must match the create event's effective room reference. In
// hash-addressed versions the room has no explicit room_id; its reference
// is derived from the create event's own id, swapping the event sigil for
// the room sigil. Earlier versions carry an explicit room_id on create.
func validEventRoomRef(event, create *types.Event, tbl version.Table) bool {
	if create == nil {
		return false
	}
	if tbl.RoomIDsAsHashes {
		return event.RoomID == "!"+strings.TrimPrefix(create.EventID, "$")
	}
	return event.RoomID == create.RoomID
}

// authEventsReferenceCreateAsRequired implements spec.md §4.2 rule 2: the
// create event must appear in auth_events iff the room version is not
// hash-addressed (hash-addressed versions imply the create event rather
// than pointing to it explicitly).
func authEventsReferenceCreateAsRequired(event, create *types.Event, tbl version.Table) bool {
	if create == nil {
		return false
	}
	hasCreate := false
	for _, id := range event.AuthEvents {
		if id == create.EventID {
			hasCreate = true
			break
		}
	}
	return hasCreate != tbl.RoomIDsAsHashes
}

// federationForbidden implements spec.md §4.2 rule 3's gate: the create
// event's m.federate content field, when explicitly false, confines the
// room to its creator's own server. Absent, it defaults to federation
// allowed.
func federationForbidden(create *types.Event) bool {
	if create == nil {
		return false
	}
	v := create.ContentValue(`m\.federate`)
	return v.Exists() && !v.Bool()
}

// canSendEvent implements spec.md §4.2 rule 9: the sender's level must meet
// the event's required send level, and any state_key beginning with '@'
// must equal the sender (the "who may post as this namespaced state key"
// convention used by e.g. MSC third-party identifiers).
func canSendEvent(event *types.Event, pl *types.Event, senderLevel int64) bool {
	required := SendLevel(pl, event.Type, event.IsState())
	if senderLevel < required {
		return false
	}
	if event.StateKey != nil && strings.HasPrefix(*event.StateKey, "@") && *event.StateKey != event.Sender {
		return false
	}
	return true
}

// sameServerRedaction implements the room-version-1 redaction fallback
// rule: a redaction is allowed regardless of power level if its own event ID
// names the same server as the ID of the event it redacts; IDs that name no
// server never match. Determining "redacts" requires
// looking at event.Content's redacts field (or, in newer room versions, the
// top-level field threaded through by the caller into content at ingest).
func sameServerRedaction(event *types.Event) bool {
	redacts := event.ContentValue("redacts").String()
	if redacts == "" {
		return false
	}
	own := serverNameOfEventID(event.EventID)
	return own != "" && own == serverNameOfEventID(redacts)
}

func serverNameOf(userID string) string {
	idx := strings.IndexByte(userID, ':')
	if idx < 0 {
		return ""
	}
	return userID[idx+1:]
}

// serverNameOfEventID extracts the origin server from an event ID under
// the legacy (non-hash-addressed) event ID scheme, where the server name is
// appended after a colon. An ID with no colon, such as every ID
// ComputeEventID derives, yields "".
func serverNameOfEventID(eventID string) string {
	idx := strings.LastIndexByte(eventID, ':')
	if idx < 0 {
		return ""
	}
	return eventID[idx+1:]
}
