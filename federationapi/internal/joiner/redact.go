// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package joiner

import (
	"encoding/json"

	"github.com/tidwall/sjson"

	"github.com/matrixmesh/dendrite/roomserver/types"
)

// setJSONField sets a single field on a content object, matching the
// gjson/sjson ad-hoc field access style used throughout roomserver/types
// rather than round-tripping through a fixed struct.
func setJSONField(content []byte, path string, value interface{}) ([]byte, error) {
	if len(content) == 0 {
		content = []byte("{}")
	}
	return sjson.SetBytes(content, path, value)
}

// redactForHash produces the minimal JSON object the event ID is computed
// over: the top-level envelope fields plus a trimmed content object,
// excluding signatures, unsigned and hashes. Full redaction-algorithm
// fidelity (which content keys survive per event type) is the room
// version's concern at apply time; here JC only needs a value stable
// enough to hash consistently for its own signed copy of the event.
func redactForHash(e *types.Event) []byte {
	envelope := map[string]interface{}{
		"type":             e.Type,
		"room_id":          e.RoomID,
		"sender":           e.Sender,
		"auth_events":      e.AuthEvents,
		"prev_events":      e.PrevEvents,
		"depth":            e.Depth,
		"origin_server_ts": e.OriginServerTS,
		"content":          json.RawMessage(e.Content),
	}
	if e.StateKey != nil {
		envelope["state_key"] = *e.StateKey
	}
	raw, _ := json.Marshal(envelope)
	return raw
}
