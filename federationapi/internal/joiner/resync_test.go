// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package joiner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDurationGrowsAndCaps(t *testing.T) {
	d0 := backoffDuration(0)
	d5 := backoffDuration(5)
	d20 := backoffDuration(20)

	assert.GreaterOrEqual(t, d0, time.Duration(float64(resyncMinBackoff)*minJitterMultiplier))
	assert.LessOrEqual(t, d0, time.Duration(float64(resyncMinBackoff)*maxJitterMultiplier)+time.Second)
	assert.Greater(t, d5, d0)
	assert.LessOrEqual(t, d20, resyncMaxBackoff)
}

func TestQueueRoomFallsBackToRetryMapWhenChannelFull(t *testing.T) {
	w := &ResyncWorker{}
	w.init()
	w.workerCh = make(chan string, 1)

	w.QueueRoom("!a:example.com")
	w.QueueRoom("!b:example.com") // channel now full, should land in retryMap

	w.retryMu.Lock()
	_, queued := w.retryMap["!b:example.com"]
	w.retryMu.Unlock()
	assert.True(t, queued)
}
