// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixmesh/dendrite/roomserver/types"
)

func waitForRistretto() { time.Sleep(10 * time.Millisecond) }

func TestNewRistrettoCacheCreatesValidCache(t *testing.T) {
	c, err := NewRistrettoCache(1024*1024, time.Hour, false)
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestRistrettoCacheSetAndGetRoundTrip(t *testing.T) {
	c, err := NewRistrettoCache(1024*1024, time.Hour, false)
	require.NoError(t, err)

	snap := &types.StateSnapshot{RoomID: "!room:example.com", ShortStateHash: "abc", State: types.NewAuthContext(nil)}
	c.Set("key1", snap)
	waitForRistretto()

	got, ok := c.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, snap, got)
}

func TestRistrettoCacheGetReturnsFalseWhenMissing(t *testing.T) {
	c, err := NewRistrettoCache(1024*1024, time.Hour, false)
	require.NoError(t, err)

	got, ok := c.Get("nonexistent")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestRistrettoCacheWithMetricsDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		c, err := NewRistrettoCache(1024*1024, time.Hour, true)
		require.NoError(t, err)
		snap := &types.StateSnapshot{RoomID: "!room:example.com", ShortStateHash: "abc", State: types.NewAuthContext(nil)}
		c.Set("key1", snap)
		waitForRistretto()
		c.Get("key1")
		c.Get("missing")
	})
}
