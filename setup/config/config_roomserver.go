// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

// RoomServer holds the settings that govern which room versions this server
// will create and accept, per the Room Version Table (RVT) in spec.md §2.
type RoomServer struct {
	Matrix *Global `yaml:"-"`

	// DefaultRoomVersion is offered to clients creating new rooms when they
	// don't specify one explicitly.
	DefaultRoomVersion string `yaml:"default_room_version"`

	// DisabledRoomVersions are versions this server refuses to create or
	// join rooms in, even though it may still understand their semantics
	// well enough to read history shared by other servers.
	DisabledRoomVersions []string `yaml:"disabled_room_versions"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	if c.DefaultRoomVersion == "" {
		c.DefaultRoomVersion = "11"
	}
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "room_server.default_room_version", c.DefaultRoomVersion)
}
