// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching memoizes State Resolver (SR) output so that repeated
// resolution over an identical conflict set doesn't pay for recomputation.
package caching

import "github.com/matrixmesh/dendrite/roomserver/types"

// StateSnapshotCache maps a combined short-state-hash of a resolution's
// input candidates to the StateSnapshot SR produced for them last time.
type StateSnapshotCache interface {
	Get(key string) (*types.StateSnapshot, bool)
	Set(key string, snapshot *types.StateSnapshot)
}
