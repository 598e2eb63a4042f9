// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package joiner

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrixmesh/dendrite/roomserver/types"
	"github.com/matrixmesh/dendrite/roomserver/version"
)

const (
	resyncWorkerCount = 4
	resyncMinBackoff  = time.Minute * 1
	resyncMaxBackoff  = time.Hour * 1
	resyncMaxRetries  = 16
	maxJitterMultiplier = 1.4
	minJitterMultiplier = 0.8
)

// roomRetryInfo tracks backoff state for a single room's resync.
type roomRetryInfo struct {
	retryAt    time.Time
	retryCount uint32
}

// ResyncWorker fetches the full room state in the background after a
// fast-join (MSC3706) accepted a room with members omitted. JC queues a
// room here from its Joined{Limited: true} exit state rather than a
// standalone NID-polling loop, per SPEC_FULL.md's adaptation of the
// teacher's partial-state worker onto the content-addressed room model.
type ResyncWorker struct {
	Store   types.Store
	Peer    PeerClient
	// JetStream publishes OutputRoomEvent-style notifications once a room's
	// resync completes, so the timeline's "limited" marker can be cleared
	// for subscribers, matching the teacher's roomserver→syncapi fan-out.
	JetStream      nats.JetStreamContext
	OutputTopic    string
	PartialRoomIDs func(ctx context.Context) ([]string, error)
	ServersFor     func(ctx context.Context, roomID string) ([]string, error)

	workerCh chan string
	retryMu  sync.Mutex
	retryMap map[string]*roomRetryInfo
	once     sync.Once
}

func (w *ResyncWorker) init() {
	w.once.Do(func() {
		w.workerCh = make(chan string, 100)
		w.retryMap = make(map[string]*roomRetryInfo)
	})
}

// backoffDuration computes an exponential backoff with jitter, the same
// shape used for federation queue retry statistics.
func backoffDuration(retryCount uint32) time.Duration {
	jitter := rand.Float64()*(maxJitterMultiplier-minJitterMultiplier) + minJitterMultiplier
	backoff := float64(resyncMinBackoff) * math.Pow(2, float64(retryCount)) * jitter
	d := time.Duration(backoff)
	if d > resyncMaxBackoff {
		d = resyncMaxBackoff
	}
	return d
}

// Start launches the worker pool and retry loop, then queues every
// currently partial-state room with a staggered initial delay to avoid a
// thundering herd of resync requests at startup.
func (w *ResyncWorker) Start(ctx context.Context) error {
	w.init()
	for i := 0; i < resyncWorkerCount; i++ {
		go w.worker(ctx, i)
	}
	go w.retryLoop(ctx)

	if w.PartialRoomIDs == nil {
		return nil
	}
	roomIDs, err := w.PartialRoomIDs(ctx)
	if err != nil {
		logrus.WithError(err).Error("resync: failed to load partial state rooms on startup")
		return err
	}
	if len(roomIDs) == 0 {
		return nil
	}
	logrus.WithField("count", len(roomIDs)).Info("resync: queuing partial state rooms for background resync")

	offset := time.Second * 5
	step := time.Second
	if n := len(roomIDs); n > 60 {
		step = (time.Second * 60) / time.Duration(n)
	}
	for _, roomID := range roomIDs {
		roomID := roomID
		time.AfterFunc(offset, func() { w.QueueRoom(roomID) })
		offset += step
	}
	return nil
}

// QueueRoom adds a room to the resync queue; if the channel is saturated
// the room is recorded in the retry map instead of being dropped silently.
func (w *ResyncWorker) QueueRoom(roomID string) {
	w.init()
	select {
	case w.workerCh <- roomID:
	default:
		w.retryMu.Lock()
		if _, exists := w.retryMap[roomID]; !exists {
			w.retryMap[roomID] = &roomRetryInfo{retryAt: time.Now().Add(time.Second * 30)}
		}
		w.retryMu.Unlock()
	}
}

func (w *ResyncWorker) worker(ctx context.Context, workerID int) {
	for roomID := range w.workerCh {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.processRoom(ctx, roomID); err != nil {
			w.retryMu.Lock()
			info, exists := w.retryMap[roomID]
			if !exists {
				info = &roomRetryInfo{}
			}
			info.retryCount++
			logger := logrus.WithFields(logrus.Fields{
				"room_id":     roomID,
				"worker_id":   workerID,
				"retry_count": info.retryCount,
			})
			if info.retryCount >= resyncMaxRetries {
				logger.WithError(err).Error("resync: giving up after max retries")
				delete(w.retryMap, roomID)
				w.retryMu.Unlock()
				continue
			}
			backoff := backoffDuration(info.retryCount)
			info.retryAt = time.Now().Add(backoff)
			w.retryMap[roomID] = info
			w.retryMu.Unlock()
			logger.WithError(err).WithField("retry_in", backoff).Warn("resync: failed, will retry with backoff")
		} else {
			w.retryMu.Lock()
			delete(w.retryMap, roomID)
			w.retryMu.Unlock()
		}
	}
}

func (w *ResyncWorker) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.retryMu.Lock()
			now := time.Now()
			var toRetry []string
			for roomID, info := range w.retryMap {
				if now.After(info.retryAt) {
					toRetry = append(toRetry, roomID)
				}
			}
			w.retryMu.Unlock()
			for _, roomID := range toRetry {
				select {
				case w.workerCh <- roomID:
				default:
				}
			}
		}
	}
}

// processRoom fetches full state for a room that was fast-joined with
// members omitted, and clears the limited marker on success.
func (w *ResyncWorker) processRoom(ctx context.Context, roomID string) error {
	logger := logrus.WithField("room_id", roomID)
	start := time.Now()

	var servers []string
	if w.ServersFor != nil {
		var err error
		servers, err = w.ServersFor(ctx, roomID)
		if err != nil {
			return err
		}
	}
	if len(servers) == 0 {
		logger.Warn("resync: no servers recorded for room, skipping")
		return nil
	}

	ver, err := w.Store.RoomVersion(ctx, roomID)
	if err != nil {
		return err
	}

	var lastErr error
	for _, server := range servers {
		stateResp, err := w.Peer.LookupState(ctx, serverName(server), roomID, "", version.ID(ver))
		if err != nil {
			logger.WithError(err).WithField("server", server).Warn("resync: failed to fetch state from server")
			lastErr = err
			continue
		}

		snapshot := &types.StateSnapshot{RoomID: roomID, State: types.NewAuthContext(stateResp.StateEvents)}
		snapshot.ShortStateHash = types.ComputeShortStateHash(stateResp.StateEvents)
		if _, err := w.Store.CompressAndInstall(ctx, snapshot); err != nil {
			logger.WithError(err).WithField("server", server).Warn("resync: failed to install resynced state")
			lastErr = err
			continue
		}

		logger.WithFields(logrus.Fields{
			"server":          server,
			"state_events":    len(stateResp.StateEvents),
			"total_resync_ms": time.Since(start).Milliseconds(),
		}).Info("resync: completed")

		w.notifyUnlimited(roomID)
		return nil
	}
	return lastErr
}

// notifyUnlimited publishes a resync-complete marker so subscribers (e.g.
// a sync stream) can drop a room's "limited" flag, mirroring the teacher's
// JetStream-based roomserver→syncapi fan-out for OutputRoomEvent.
func (w *ResyncWorker) notifyUnlimited(roomID string) {
	if w.JetStream == nil || w.OutputTopic == "" {
		return
	}
	if _, err := w.JetStream.Publish(w.OutputTopic, []byte(roomID)); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("resync: failed to publish resync-complete notification")
	}
}

func serverName(s string) spec.ServerName { return spec.ServerName(s) }
