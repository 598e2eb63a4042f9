// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package uia implements the UIA Engine: User-Interactive Authentication
// session tracking, stage verification and flow composition, per
// spec.md §4.7.
package uia

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/matrixmesh/dendrite/internal/hserr"
)

const (
	sessionIDLength = 32
	sessionIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// sessionTTL bounds how long an in-progress flow lives before it is
	// "destroyed on expiry" (spec.md §3's UIA session-map lifecycle).
	sessionTTL = 15 * time.Minute
)

// Stage names one UIA stage type.
type Stage string

const (
	StagePassword Stage = "m.login.password"
	// StageRecaptcha is the single client-facing captcha stage; which
	// backend (turnstile or recaptcha) actually verifies it is a server
	// configuration detail, not a separate stage type.
	StageRecaptcha               Stage = "m.login.recaptcha"
	StageRegistrationToken       Stage = "m.login.registration_token"
	StageDummy                   Stage = "m.login.dummy"
	StageFallbackAcknowledgement Stage = "m.login.fallback_acknowledgement"
)

// Flow is one acceptable ordered set of stages; a session completes once
// its `completed` set is a superset of any one configured Flow's stages.
type Flow struct {
	Stages []Stage
}

// satisfiedBy reports whether every stage in this flow is present in
// completed, order-independent (spec.md §4.7's submission loop checks
// "stages are a subset of completed", not a specific order).
func (f Flow) satisfiedBy(completed map[Stage]struct{}) bool {
	for _, s := range f.Stages {
		if _, ok := completed[s]; !ok {
			return false
		}
	}
	return true
}

// Session is one in-progress (user, device, token) authentication attempt.
type Session struct {
	Token       string
	UserID      string
	DeviceID    string
	Flows       []Flow
	Completed   map[Stage]struct{}
	AuthError   string
	RequestBody json.RawMessage // stored for idempotent re-execution, spec.md §4.7
}

func newSession(userID, deviceID string, flows []Flow, body json.RawMessage) *Session {
	return &Session{
		Token:       generateToken(),
		UserID:      userID,
		DeviceID:    deviceID,
		Flows:       flows,
		Completed:   make(map[Stage]struct{}),
		RequestBody: body,
	}
}

func generateToken() string {
	out := make([]byte, sessionIDLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(sessionIDAlphabet))))
		if err != nil {
			// crypto/rand failing is an unrecoverable environment fault; a
			// predictable fallback here would be a worse failure mode than
			// panicking, since session tokens must be unguessable.
			panic("uia: crypto/rand unavailable: " + err.Error())
		}
		out[i] = sessionIDAlphabet[n.Int64()]
	}
	return string(out)
}

// Verifier checks one stage's submitted response.
type Verifier interface {
	Stage() Stage
	// Verify reports whether response satisfies this stage for the given
	// user, or an error for a malformed/unreachable backend (distinct from
	// "verification failed", which is a plain false return).
	Verify(ctx context.Context, userID string, response json.RawMessage) (bool, error)
}

// Engine is the UIA Engine: the submission loop of spec.md §4.7 driven
// against a registry of stage verifiers and a TTL-backed session store.
type Engine struct {
	verifiers map[Stage]Verifier

	mu       sync.Mutex
	sessions *gocache.Cache
	// completed holds terminal records for sessions that have finished all
	// stages, keyed the same as sessions. A duplicate final submission
	// (same token, after the session has already moved here) replays the
	// original Done outcome instead of failing with NotFound, per spec.md
	// §4.7 and §8's idempotence requirement.
	completed *gocache.Cache
}

// NewEngine builds an Engine from a set of configured verifiers, keyed by
// the stage they satisfy.
func NewEngine(verifiers ...Verifier) *Engine {
	reg := make(map[Stage]Verifier, len(verifiers))
	for _, v := range verifiers {
		reg[v.Stage()] = v
	}
	return &Engine{
		verifiers: reg,
		sessions:  gocache.New(sessionTTL, sessionTTL/2),
		completed: gocache.New(sessionTTL, sessionTTL/2),
	}
}

// sessionKey mirrors the Rust service's (user, device, token) composite key.
func sessionKey(userID, deviceID, token string) string {
	return userID + "\x1f" + deviceID + "\x1f" + token
}

// Start begins a new session for a set of acceptable flows, storing the
// original request body for later idempotent re-execution.
func (e *Engine) Start(userID, deviceID string, flows []Flow, body json.RawMessage) *Session {
	s := newSession(userID, deviceID, flows, body)
	e.mu.Lock()
	e.sessions.Set(sessionKey(userID, deviceID, s.Token), s, gocache.DefaultExpiration)
	e.mu.Unlock()
	return s
}

// Outcome is the result of one Submit call.
type Outcome struct {
	// Done is true once every stage of some configured flow is completed;
	// the session has moved to the terminal record store and RequestBody
	// should be (re-)executed. A duplicate final submission observes the
	// same Done outcome again rather than a fresh NotFound.
	Done    bool
	Session *Session
	Err     error
}

// Submit runs the submission loop of spec.md §4.7 step (a)-(d): load or
// reject an unknown session, verify the named stage, check flow
// completion, and either terminate or hand back updated session state.
func (e *Engine) Submit(ctx context.Context, userID, deviceID, token string, stage Stage, response json.RawMessage) Outcome {
	key := sessionKey(userID, deviceID, token)
	e.mu.Lock()
	cached, ok := e.sessions.Get(key)
	if !ok {
		if done, isDone := e.completed.Get(key); isDone {
			e.mu.Unlock()
			return Outcome{Done: true, Session: done.(*Session)}
		}
		e.mu.Unlock()
		return Outcome{Err: hserr.NotFound("uia.Submit", "unknown or expired UIA session")}
	}
	e.mu.Unlock()
	session := cached.(*Session)

	verifier, ok := e.verifiers[stage]
	if !ok {
		return Outcome{Session: session, Err: hserr.Validation("uia.Submit", "unsupported UIA stage: "+string(stage))}
	}

	verified, err := verifier.Verify(ctx, userID, response)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"user_id": userID, "stage": stage}).Warn("uia: verifier backend error")
		return Outcome{Session: session, Err: hserr.RemotePeer("uia.Submit", "verifier backend failed", err)}
	}
	if !verified {
		session.AuthError = "stage verification failed"
		e.put(key, session)
		return Outcome{Session: session, Err: hserr.Authorization("uia.Submit", "stage "+string(stage)+" verification failed")}
	}

	session.Completed[stage] = struct{}{}
	session.AuthError = ""

	for _, flow := range session.Flows {
		if flow.satisfiedBy(session.Completed) {
			e.complete(key, session)
			return Outcome{Done: true, Session: session}
		}
	}

	e.put(key, session)
	return Outcome{Session: session}
}

func (e *Engine) put(key string, s *Session) {
	e.mu.Lock()
	e.sessions.Set(key, s, gocache.DefaultExpiration)
	e.mu.Unlock()
}

// complete moves a finished session from the in-progress store to the
// terminal record store, so a duplicate final submission can replay the
// Done outcome rather than observe a NotFound.
func (e *Engine) complete(key string, s *Session) {
	e.mu.Lock()
	e.sessions.Delete(key)
	e.completed.Set(key, s, gocache.DefaultExpiration)
	e.mu.Unlock()
}
