// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package joiner implements the Join Coordinator (JC): the state machine
// that drives a remote-join handshake to completion (prepare, sign,
// submit, accept the returned state and auth chain, install) per
// spec.md §4.6.
package joiner

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/matrixmesh/dendrite/internal/hserr"
	"github.com/matrixmesh/dendrite/internal/keystore"
	"github.com/matrixmesh/dendrite/internal/util"
	"github.com/matrixmesh/dendrite/roomserver/auth"
	"github.com/matrixmesh/dendrite/roomserver/types"
	"github.com/matrixmesh/dendrite/roomserver/version"
)

// State names the Join Coordinator's progress through a single join
// attempt.
type State int

const (
	Idle State = iota
	Preparing
	Signing
	Submitting
	Integrating
	Joined
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Signing:
		return "signing"
	case Submitting:
		return "submitting"
	case Integrating:
		return "integrating"
	case Joined:
		return "joined"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MakeJoinResponse is a remote peer's reply to a make-join request: a
// skeletal join event the requester must fill in, sign and send back.
type MakeJoinResponse struct {
	Event       *types.Event
	RoomVersion version.ID
}

// SendJoinResponse is a remote peer's reply to a send-join request.
type SendJoinResponse struct {
	State          []*types.Event
	AuthChain      []*types.Event
	Event          *types.Event // re-signed by the receiver for restricted joins, or nil
	MembersOmitted bool
	ServersInRoom  []string
}

// StateResponse is the result of a /state_ids- or /state-style lookup used
// by the resync worker to fill in state a fast-join omitted.
type StateResponse struct {
	StateEvents []*types.Event
	AuthEvents  []*types.Event
}

// PeerClient is the HTTP client capability the JC depends on for the
// server-to-server wire contracts of spec.md §6. Transport framing, retries
// at the HTTP layer, and signature verification of the wire response are
// Non-goals; this interface is the call shape only.
type PeerClient interface {
	MakeJoin(ctx context.Context, destination spec.ServerName, roomID, userID string, supportedVersions []version.ID) (*MakeJoinResponse, error)
	SendJoin(ctx context.Context, destination spec.ServerName, event *types.Event) (*SendJoinResponse, error)
	GetMissingEvents(ctx context.Context, destination spec.ServerName, roomID string, earliestEvents, latestEvents []string, limit int) ([]*types.Event, error)
	StateIDs(ctx context.Context, destination spec.ServerName, roomID, eventID string) (pduIDs, authChainIDs []string, err error)
	LookupState(ctx context.Context, destination spec.ServerName, roomID, eventID string, ver version.ID) (*StateResponse, error)
}

// JoinRequest is a single join attempt's parameters.
type JoinRequest struct {
	RoomID          string
	UserID          string
	ServerName      spec.ServerName // this server's own name, for signing and local-first checks
	Candidates      []spec.ServerName
	InviteHints     []spec.ServerName // server names pulled from invite-state events, if any
	Content         map[string]interface{} // displayname/avatar_url etc, merged into the join event
	RestrictedVia   string                  // join_authorised_via_users_server, filled in by the caller if known locally
	SupportedVersions []version.ID
}

// JoinResult is a completed (or failed) join attempt's outcome.
type JoinResult struct {
	State         State
	Event         *types.Event
	ServersInRoom []string
	Limited       bool // true when the peer omitted member events (MSC3706 fast join)
	Err           error
}

// Coordinator is the Join Coordinator: it serializes join attempts for a
// given room behind a per-room actor (replacing a hand-rolled mutex+channel
// pair, per spec.md §5's "per-room admission mutex"), tries peer candidates
// in order, and installs the resulting state via the Auth Checker and State
// Resolver's collaborators.
type Coordinator struct {
	Store   types.Store
	Timeline types.Timeline
	Peer    PeerClient
	Signer  keystore.Signer
	Resync  *ResyncWorker // may be nil if fast-join resync is not wired up

	mu     sync.Mutex
	actors map[string]*roomActor

	// sf collapses concurrent identical join attempts (same room, same
	// user) into one in-flight runJoin, so a burst of duplicate client
	// requests doesn't each pay for its own make-/send-join round trip
	// against the remote peer.
	sf singleflight.Group
}

// roomActor is the per-room serialization point: every join attempt for a
// room runs its Act callback on the same goroutine, one at a time.
type roomActor struct {
	phony.Inbox
}

func (c *Coordinator) actorFor(roomID string) *roomActor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.actors == nil {
		c.actors = make(map[string]*roomActor)
	}
	a, ok := c.actors[roomID]
	if !ok {
		a = &roomActor{}
		c.actors[roomID] = a
	}
	return a
}

// Join drives req through Idle → Preparing → Signing → Submitting →
// Integrating → Joined|Failed, serialized per room. Concurrent calls for
// the same (room, user) share one underlying attempt via singleflight.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) *JoinResult {
	key := req.RoomID + "|" + req.UserID
	v, _, _ := c.sf.Do(key, func() (interface{}, error) {
		return c.joinOnce(ctx, req), nil
	})
	return v.(*JoinResult)
}

func (c *Coordinator) joinOnce(ctx context.Context, req JoinRequest) *JoinResult {
	actor := c.actorFor(req.RoomID)
	resultCh := make(chan *JoinResult, 1)
	actor.Act(nil, func() {
		resultCh <- c.runJoin(ctx, req)
	})
	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		return &JoinResult{State: Failed, Err: ctx.Err()}
	}
}

func (c *Coordinator) runJoin(ctx context.Context, req JoinRequest) *JoinResult {
	logger := logrus.WithFields(logrus.Fields{
		"room_id": req.RoomID,
		"user_id": req.UserID,
	})

	// Local-first path: if we already participate in this room, skip
	// make-/send-join and admit the join event via the standard Auth
	// Checker path against our own stored state.
	if res := c.tryLocalJoin(ctx, req, logger); res != nil {
		return res
	}

	candidates := candidatePeers(req)
	if len(candidates) == 0 {
		return &JoinResult{State: Failed, Err: hserr.NotFound("joiner.Join", "no candidate servers for room")}
	}

	var lastErr error
	for _, peer := range candidates {
		res := c.attemptWithPeer(ctx, req, peer, logger)
		if res.Err == nil {
			return res
		}
		lastErr = res.Err
		if !hserr.Retryable(res.Err) {
			logger.WithError(res.Err).WithField("peer", peer).Warn("joiner: hard failure, aborting candidate list")
			return res
		}
		logger.WithError(res.Err).WithField("peer", peer).Warn("joiner: peer attempt failed, trying next candidate")
	}
	return &JoinResult{State: Failed, Err: lastErr}
}

// tryLocalJoin returns nil to mean "fall through to remote join": when no
// local state or create event is on hand, or when the local join event
// cannot be built or is not admitted by the Auth Checker. It returns a
// non-nil result when the user already has a membership event in the local
// state (reported as Joined), when the local join is admitted and installed
// (Joined), or when installing it fails (Failed).
func (c *Coordinator) tryLocalJoin(ctx context.Context, req JoinRequest, logger *logrus.Entry) *JoinResult {
	snapshot, err := c.Store.StateAt(ctx, req.RoomID, "")
	if err != nil || snapshot == nil {
		return nil
	}
	create := snapshot.State.Create()
	if create == nil {
		return nil
	}
	if snapshot.State.Membership(req.ServerLocalUserID()) != nil {
		// Already a member by some membership state; nothing to do.
		return &JoinResult{State: Joined, Event: snapshot.State.Membership(req.ServerLocalUserID())}
	}

	ver := create.RoomVersion
	joinEvent, err := c.buildJoinEvent(ctx, req, create, snapshot, ver)
	if err != nil {
		logger.WithError(err).Debug("joiner: local join event build failed, falling back to remote")
		return nil
	}

	ok, err := auth.Check(ver, create, snapshot.State, joinEvent)
	if err != nil || !ok {
		// Local admission failed; fall back to remote candidates if any
		// remain, per spec.md §4.6's local-first fallback rule.
		return nil
	}

	if err := c.installJoin(ctx, req.RoomID, joinEvent, snapshot); err != nil {
		return &JoinResult{State: Failed, Err: hserr.Internal("joiner.tryLocalJoin", "install failed", err)}
	}
	return &JoinResult{State: Joined, Event: joinEvent}
}

// buildJoinEvent constructs this server's own join event for the
// local-first path: no peer round trip, just the Auth Selector's tuples
// resolved against the snapshot already on hand. Forward-extremity
// tracking (which events become prev_events) belongs to the timeline/DAG
// layer, out of scope here; the create event is used as a placeholder
// single parent.
func (c *Coordinator) buildJoinEvent(ctx context.Context, req JoinRequest, create *types.Event, snapshot *types.StateSnapshot, ver version.ID) (*types.Event, error) {
	sk := req.UserID
	content := []byte(`{"membership":"join"}`)
	authIDs, err := authEventIDsFor(snapshot, spec.MRoomMember, req.UserID, &sk, content, ver)
	if err != nil {
		return nil, err
	}
	skeleton := &types.Event{
		RoomID:      req.RoomID,
		Type:        spec.MRoomMember,
		Sender:      req.UserID,
		StateKey:    &sk,
		Content:     content,
		AuthEvents:  authIDs,
		PrevEvents:  []string{create.EventID},
		RoomVersion: ver,
	}
	return c.signJoinEvent(ctx, skeleton, req, ver)
}

// authEventIDsFor resolves the Auth Selector's tuples for a prospective
// event against an already-resolved snapshot, returning the event IDs the
// new event's auth_events should point at.
func authEventIDsFor(snapshot *types.StateSnapshot, evType, sender string, stateKey *string, content []byte, ver version.ID) ([]string, error) {
	tuples, err := auth.SelectAuthEventTypes(evType, sender, stateKey, content, ver)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tuples))
	for _, t := range tuples {
		if ev := snapshot.State.Get(t); ev != nil {
			ids = append(ids, ev.EventID)
		}
	}
	return ids, nil
}

func (c *Coordinator) attemptWithPeer(ctx context.Context, req JoinRequest, peer spec.ServerName, logger *logrus.Entry) *JoinResult {
	logger = logger.WithField("peer", peer)

	// Preparing: make-join.
	mj, err := c.Peer.MakeJoin(ctx, peer, req.RoomID, req.UserID, req.SupportedVersions)
	if err != nil {
		return &JoinResult{State: Failed, Err: classifyMakeJoinErr(err)}
	}

	// Signing: fill in local data, timestamp, hash-and-sign, derive
	// event_id.
	signed, err := c.signJoinEvent(ctx, mj.Event, req, mj.RoomVersion)
	if err != nil {
		return &JoinResult{State: Failed, Err: hserr.Wrap(hserr.KindValidation, "joiner.Signing", "failed to sign join event", err)}
	}

	// Submitting: send-join.
	sj, err := c.Peer.SendJoin(ctx, peer, signed)
	if err != nil {
		return &JoinResult{State: Failed, Err: hserr.RemotePeer("joiner.Submitting", "send-join failed", err)}
	}
	finalEvent := signed
	if sj.Event != nil {
		finalEvent = sj.Event
	}

	// Integrating: validate state and auth_chain, self-authorize, install,
	// append atomically.
	if err := c.integrate(ctx, req.RoomID, mj.RoomVersion, finalEvent, sj); err != nil {
		return &JoinResult{State: Failed, Err: err}
	}

	result := &JoinResult{State: Joined, Event: finalEvent, ServersInRoom: sj.ServersInRoom, Limited: sj.MembersOmitted}
	if sj.MembersOmitted && c.Resync != nil {
		logger.WithField("servers_in_room", sj.ServersInRoom).Info("joiner: fast join accepted with omitted members, queuing resync")
		c.Resync.QueueRoom(req.RoomID)
	}
	return result
}

func (c *Coordinator) integrate(ctx context.Context, roomID string, ver version.ID, joinEvent *types.Event, sj *SendJoinResponse) error {
	state := validateEvents(sj.State)
	// auth_chain is validated for shape alongside state but not persisted
	// as standalone outliers: the Store capability (§6) exposes
	// CompressAndInstall for a resolved snapshot, not a per-event outlier
	// sink, so auth_chain's only role here is the shape check itself.
	_ = validateEvents(sj.AuthChain)

	create := findCreate(state)
	if create == nil {
		return hserr.Validation("joiner.Integrating", "peer's returned state has no m.room.create event")
	}

	snapshot := &types.StateSnapshot{RoomID: roomID, State: types.NewAuthContext(state)}
	ok, err := auth.Check(ver, create, snapshot.State, joinEvent)
	if err != nil {
		return hserr.Wrap(hserr.KindValidation, "joiner.Integrating", "auth check errored on self-join", err)
	}
	if !ok {
		return hserr.Authorization("joiner.Integrating", "our own join event was not authorized against the peer's state")
	}

	return c.installJoin(ctx, roomID, joinEvent, snapshot)
}

func (c *Coordinator) installJoin(ctx context.Context, roomID string, joinEvent *types.Event, snapshot *types.StateSnapshot) error {
	events := append(append([]*types.Event{}, snapshot.State.All()...), joinEvent)
	installed := types.NewAuthContext(events)
	resultingSnapshot := &types.StateSnapshot{
		RoomID:         roomID,
		State:          installed,
		ShortStateHash: types.ComputeShortStateHash(events),
	}
	if _, err := c.Store.CompressAndInstall(ctx, resultingSnapshot); err != nil {
		return err
	}
	return c.Timeline.Append(ctx, joinEvent, resultingSnapshot)
}

func (c *Coordinator) signJoinEvent(ctx context.Context, skeleton *types.Event, req JoinRequest, ver version.ID) (*types.Event, error) {
	cp := *skeleton
	cp.RoomVersion = ver
	cp.OriginServerTS = nowMillis()

	content := skeleton.Content
	for k, v := range req.Content {
		var err error
		content, err = setJSONField(content, k, v)
		if err != nil {
			return nil, err
		}
	}
	if req.RestrictedVia != "" {
		var err error
		content, err = setJSONField(content, "join_authorised_via_users_server", req.RestrictedVia)
		if err != nil {
			return nil, err
		}
	}
	cp.Content = content

	redacted := redactForHash(&cp)
	canonical, err := gomatrixserverlib.CanonicalJSON(redacted)
	if err != nil {
		return nil, err
	}
	eventID, err := types.ComputeEventID(canonical, ver)
	if err != nil {
		return nil, err
	}
	cp.EventID = eventID

	if _, err := c.Signer.SignJSON(ctx, req.ServerName, c.Signer.KeyID(), canonical); err != nil {
		return nil, errors.Wrap(err, "joiner: signing join event")
	}
	return &cp, nil
}

// candidatePeers normalizes and deduplicates the pool of servers JC should
// try (user-supplied candidates, invite-state hints and the room's own
// server part) and returns it in random order, per spec.md §4.6.
func candidatePeers(req JoinRequest) []spec.ServerName {
	seen := make(map[spec.ServerName]struct{})
	var ordered []spec.ServerName
	add := func(s spec.ServerName) {
		if s == "" {
			return
		}
		s = util.NormalizeServerName(s)
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		ordered = append(ordered, s)
	}
	for _, s := range req.Candidates {
		add(s)
	}
	for _, s := range req.InviteHints {
		add(s)
	}
	add(roomServerPart(req.RoomID))

	shuffled := make([]spec.ServerName, len(ordered))
	copy(shuffled, ordered)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled
}

func roomServerPart(roomID string) spec.ServerName {
	idx := strings.LastIndex(roomID, ":")
	if idx < 0 || idx == len(roomID)-1 {
		return ""
	}
	return util.NormalizeServerName(spec.ServerName(roomID[idx+1:]))
}

// validateEvents drops malformed items (missing event_id or sender) so one
// bad peer-supplied event doesn't fail the whole join, per spec.md §4.6's
// Integrating step.
func validateEvents(events []*types.Event) []*types.Event {
	out := make([]*types.Event, 0, len(events))
	for _, ev := range events {
		if ev == nil || ev.EventID == "" || ev.Sender == "" {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func findCreate(events []*types.Event) *types.Event {
	for _, ev := range events {
		if ev.Type == spec.MRoomCreate {
			return ev
		}
	}
	return nil
}

// classifyMakeJoinErr maps the wire-contract error kinds named in spec.md
// §6's make-join rejection cases onto the hserr taxonomy so
// hserr.Retryable implements §4.6's soft/hard split without JC needing its
// own classification table.
func classifyMakeJoinErr(err error) error {
	if herr, ok := err.(*hserr.Error); ok {
		return herr
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UnableToAuthorizeJoin"), strings.Contains(msg, "UnableToGrantJoin"):
		return hserr.RemotePeer("joiner.Preparing", msg, err)
	case strings.Contains(msg, "IncompatibleRoomVersion"):
		return hserr.IncompatibleVersion("joiner.Preparing", msg)
	case strings.Contains(msg, "Forbidden"):
		return hserr.Authorization("joiner.Preparing", msg)
	case strings.Contains(msg, "NotFound"):
		return hserr.NotFound("joiner.Preparing", msg)
	default:
		return hserr.RemotePeer("joiner.Preparing", msg, err)
	}
}

// ServerLocalUserID is a convenience used by the local-first path; it is
// just req.UserID, named for readability at the call site.
func (r JoinRequest) ServerLocalUserID() string { return r.UserID }

func nowMillis() int64 { return time.Now().UnixMilli() }
