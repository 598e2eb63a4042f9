// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package version holds the Room Version Table (RVT): the per-room-version
// flags that govern event ID derivation and authorization/state-resolution
// behavior, per spec.md §2 and §4.
package version

import "fmt"

// ID identifies a room version, e.g. "9", "10", "11".
type ID string

// Algorithm selects which State Resolver (SR) variant a room version uses.
type Algorithm int

const (
	// AlgorithmNone rooms never resolve conflicting state (room version 1/2
	// compatibility; not supported by this implementation but named for
	// completeness of the table).
	AlgorithmNone Algorithm = iota
	// AlgorithmV1 is the original auth-chain-power ordering algorithm.
	AlgorithmV1
	// AlgorithmV2 is the modern algorithm described in spec.md §4.5.
	AlgorithmV2
)

// Table describes one room version's behavior flags. Field names mirror the
// boolean knobs spec.md §2 assigns to the Room Version Table.
type Table struct {
	ID ID

	// RoomIDsAsHashes is true for "hash-addressed" versions (v12+) where the
	// room reference is derived from the create event's own hash rather
	// than carried as a separate textual room_id.
	RoomIDsAsHashes bool

	// UseRoomCreateSender is true when the room creator is implicitly
	// create.sender rather than an explicit content.creator field (v11;
	// v12 leaves it unset and relies on ExplicitlyPrivilegeRoomCreators).
	UseRoomCreateSender bool

	// ExplicitlyPrivilegeRoomCreators is true when the privileged-creator
	// set is {create.sender} ∪ content.additional_creators and those users
	// always hold maximum effective power (v12+).
	ExplicitlyPrivilegeRoomCreators bool

	// SpecialCaseAliasesAuth enables the legacy m.room.aliases authorization
	// shortcut of room versions 1-5; no version in this table sets it.
	SpecialCaseAliasesAuth bool

	// AllowKnocking permits the "knock" membership and join rule (v7+).
	AllowKnocking bool

	// RestrictedJoinRule permits the "restricted" join rule (v8+).
	RestrictedJoinRule bool

	// KnockRestrictedJoinRule permits the "knock_restricted" join rule
	// (v10+); always false unless RestrictedJoinRule is also true.
	KnockRestrictedJoinRule bool

	// LimitNotificationsPowerLevels bounds changes to
	// power_levels.notifications.room by the sender's own level (v6+).
	LimitNotificationsPowerLevels bool

	// ExtraRedactionChecks applies the additional redaction authorization
	// rule from spec.md §4.2 rule 11 (v3+).
	ExtraRedactionChecks bool

	// StateResAlgorithm selects the State Resolver variant this version uses.
	StateResAlgorithm Algorithm
}

var tables = map[ID]Table{
	"6": {
		ID:                            "6",
		SpecialCaseAliasesAuth:        false,
		LimitNotificationsPowerLevels: true,
		ExtraRedactionChecks:          true,
		StateResAlgorithm:             AlgorithmV2,
	},
	"7": {
		ID:                            "7",
		AllowKnocking:                 true,
		LimitNotificationsPowerLevels: true,
		ExtraRedactionChecks:          true,
		StateResAlgorithm:             AlgorithmV2,
	},
	"8": {
		ID:                            "8",
		AllowKnocking:                 true,
		RestrictedJoinRule:            true,
		LimitNotificationsPowerLevels: true,
		ExtraRedactionChecks:          true,
		StateResAlgorithm:             AlgorithmV2,
	},
	"9": {
		ID:                            "9",
		AllowKnocking:                 true,
		RestrictedJoinRule:            true,
		LimitNotificationsPowerLevels: true,
		ExtraRedactionChecks:          true,
		StateResAlgorithm:             AlgorithmV2,
	},
	"10": {
		ID:                            "10",
		AllowKnocking:                 true,
		RestrictedJoinRule:            true,
		KnockRestrictedJoinRule:       true,
		LimitNotificationsPowerLevels: true,
		ExtraRedactionChecks:          true,
		StateResAlgorithm:             AlgorithmV2,
	},
	"11": {
		ID:                            "11",
		UseRoomCreateSender:           true,
		AllowKnocking:                 true,
		RestrictedJoinRule:            true,
		KnockRestrictedJoinRule:       true,
		LimitNotificationsPowerLevels: true,
		ExtraRedactionChecks:          true,
		StateResAlgorithm:             AlgorithmV2,
	},
	"12": {
		ID:                              "12",
		RoomIDsAsHashes:                 true,
		ExplicitlyPrivilegeRoomCreators: true,
		AllowKnocking:                   true,
		RestrictedJoinRule:              true,
		KnockRestrictedJoinRule:         true,
		LimitNotificationsPowerLevels:   true,
		ExtraRedactionChecks:            true,
		StateResAlgorithm:               AlgorithmV2,
	},
}

// ErrUnsupportedVersion is returned by Get for a room version this server
// doesn't understand.
type ErrUnsupportedVersion struct{ Version ID }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported room version %q", e.Version)
}

// Get returns the behavior table for a room version, or
// ErrUnsupportedVersion if it isn't recognized.
func Get(id ID) (Table, error) {
	t, ok := tables[id]
	if !ok {
		return Table{}, ErrUnsupportedVersion{Version: id}
	}
	return t, nil
}

// Supported reports whether a room version is recognized by this server.
func Supported(id ID) bool {
	_, ok := tables[id]
	return ok
}

// Default is the version new rooms are created with unless the creator asks
// for something else; callers should prefer config.RoomServer.DefaultRoomVersion
// but this is the compiled-in fallback.
const Default ID = "11"
