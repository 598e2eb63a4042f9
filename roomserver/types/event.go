// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the Data Model shared by the Auth Selector (AS),
// Power Model (PM), Auth Checker (AC) and State Resolver (SR): the PDU
// shape, content-addressed event IDs, and state snapshots, per spec.md §3.
package types

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrixmesh/dendrite/roomserver/version"
)

// StateKeyTuple identifies one slot in a room's state map: an event type
// paired with a state key. The empty state key ("") is itself significant,
// e.g. for m.room.create and m.room.power_levels.
type StateKeyTuple struct {
	Type     string
	StateKey string
}

func (t StateKeyTuple) String() string {
	return t.Type + "\x1f" + t.StateKey
}

// Event is this server's in-memory representation of a PDU: the signed,
// content-addressed event that makes up a room's DAG. Unlike
// gomatrixserverlib's wire PDU type, Event exposes only the fields the
// AS/PM/AC/SR care about; signature verification and wire (de)serialization
// live at the federation boundary, not here.
type Event struct {
	EventID    string
	RoomID     string
	Type       string
	Sender     string
	StateKey   *string // nil for non-state events
	Content    []byte  // canonical JSON of the content object
	AuthEvents []string
	PrevEvents []string
	Depth      int64
	// OriginServerTS is milliseconds since the Unix epoch, as placed in the
	// event by its sender; covered by the reference hash, used as a
	// tiebreak in the State Resolver's orderings, and never trusted for
	// ordering across servers.
	OriginServerTS int64

	// RoomVersion governs how this event's ID is derived and which RVT
	// flags apply when it is authorized.
	RoomVersion version.ID
}

// IsState reports whether this event carries room state.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// StateKeyTuple returns this event's slot in the room's state map. Only
// valid when IsState is true.
func (e *Event) StateKeyTuple() StateKeyTuple {
	return StateKeyTuple{Type: e.Type, StateKey: *e.StateKey}
}

// ContentValue reads a single field out of the event's content object,
// returning the zero gjson.Result if it is absent. Callers use this rather
// than unmarshalling the whole content into a struct, mirroring how
// gomatrixserverlib callers poke at PDU content with gjson in the examples.
func (e *Event) ContentValue(path string) gjson.Result {
	return gjson.GetBytes(e.Content, path)
}

// SetContentValue returns a copy of the event with one content field
// overwritten; used by tests to build fixtures without round-tripping JSON
// by hand.
func (e *Event) SetContentValue(path string, value interface{}) (*Event, error) {
	raw, err := sjson.SetBytes(e.Content, path, value)
	if err != nil {
		return nil, fmt.Errorf("types: SetContentValue %s: %w", path, err)
	}
	cp := *e
	cp.Content = raw
	return &cp, nil
}

// ComputeEventID derives this event's content-addressed ID from a reference
// hash of its canonical JSON, following the scheme named by its room
// version's RoomIDsAsHashes flag (spec.md §3.2). It only returns the ID;
// callers must assign the result to the event's EventID themselves, since hashing
// typically happens before an event's own ID field exists in the redacted
// JSON used to compute it.
func ComputeEventID(canonicalRedactedJSON []byte, ver version.ID) (string, error) {
	tbl, err := version.Get(ver)
	if err != nil {
		return "", fmt.Errorf("types: ComputeEventID: %w", err)
	}
	sum := sha256.Sum256(canonicalRedactedJSON)
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	if tbl.RoomIDsAsHashes {
		// Hash-addressed versions use the same reference-hash scheme for
		// event IDs; only room IDs additionally borrow the create event's
		// own hash as the room reference.
		return "$" + encoded, nil
	}
	return "$" + encoded, nil
}

// AuthContext is the resolved set of auth-relevant state events visible to
// an event under authorization: the result of following its auth_events
// pointers (or, for the Auth Selector's own output, the state the event
// *should* point to). It is indexed by StateKeyTuple for O(1) lookup from
// the Auth Checker and Power Model.
type AuthContext struct {
	byTuple map[StateKeyTuple]*Event
}

// NewAuthContext builds an AuthContext from a flat list of state events,
// keeping the last occurrence of any duplicate tuple (callers are expected
// to have already deduplicated; this is a safety net, not a merge policy).
func NewAuthContext(events []*Event) *AuthContext {
	ctx := &AuthContext{byTuple: make(map[StateKeyTuple]*Event, len(events))}
	for _, ev := range events {
		if !ev.IsState() {
			continue
		}
		ctx.byTuple[ev.StateKeyTuple()] = ev
	}
	return ctx
}

// Get returns the state event at a tuple, or nil if absent.
func (c *AuthContext) Get(t StateKeyTuple) *Event {
	if c == nil {
		return nil
	}
	return c.byTuple[t]
}

// Create returns the room's m.room.create event, or nil.
func (c *AuthContext) Create() *Event { return c.Get(StateKeyTuple{Type: spec.MRoomCreate}) }

// PowerLevels returns the room's m.room.power_levels event, or nil.
func (c *AuthContext) PowerLevels() *Event {
	return c.Get(StateKeyTuple{Type: spec.MRoomPowerLevels})
}

// JoinRules returns the room's m.room.join_rules event, or nil.
func (c *AuthContext) JoinRules() *Event {
	return c.Get(StateKeyTuple{Type: spec.MRoomJoinRules})
}

// Membership returns the m.room.member event for a user, or nil.
func (c *AuthContext) Membership(userID string) *Event {
	return c.Get(StateKeyTuple{Type: spec.MRoomMember, StateKey: userID})
}

// ThirdPartyInvite returns the m.room.third_party_invite event for a token,
// or nil.
func (c *AuthContext) ThirdPartyInvite(token string) *Event {
	return c.Get(StateKeyTuple{Type: "m.room.third_party_invite", StateKey: token})
}

// All returns every state event in the context, sorted by StateKeyTuple
// string form for deterministic iteration (tests rely on this order).
func (c *AuthContext) All() []*Event {
	out := make([]*Event, 0, len(c.byTuple))
	for _, ev := range c.byTuple {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StateKeyTuple().String() < out[j].StateKeyTuple().String()
	})
	return out
}

// StateSnapshot is a fully resolved point-in-time view of a room's state:
// the output of the State Resolver (SR), and the input the Auth Checker
// consumes when authorizing the next event against it.
type StateSnapshot struct {
	RoomID string
	// ShortStateHash identifies this exact combination of state events, so
	// callers (e.g. a cache) can treat two snapshots with the same hash as
	// interchangeable without comparing event-by-event.
	ShortStateHash string
	State          *AuthContext
}

// ComputeShortStateHash derives a stable identifier for a set of state
// events, independent of the order they're supplied in. Used to key caches
// and to let the State Resolver recognize when a conflict resolves to a
// snapshot it has already computed.
func ComputeShortStateHash(events []*Event) string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.EventID)
	}
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
