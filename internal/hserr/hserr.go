// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package hserr is the typed error taxonomy shared by the Auth Checker (AC),
// State Resolver (SR), Join Coordinator (JC) and UIA Engine, per spec.md §7.
// Callers distinguish error kinds with errors.As rather than string
// matching, in keeping with the matrix-org/gomatrixserverlib spec package's
// constructor style.
package hserr

import "fmt"

// Kind classifies an Error for callers that need to decide retry behavior
// (the JC's soft/hard split, spec.md §5) or map to a response code.
type Kind string

const (
	// KindValidation covers malformed events: missing required fields, bad
	// canonical JSON, hash/signature mismatches.
	KindValidation Kind = "validation"

	// KindAuthorization covers events that are well-formed but rejected by
	// the Auth Checker (AC) against the room's auth state.
	KindAuthorization Kind = "authorization"

	// KindNotFound covers missing rooms, events, users or sessions.
	KindNotFound Kind = "not_found"

	// KindConflict covers state that cannot be reconciled automatically,
	// e.g. a UIA session whose flow was altered mid-flight.
	KindConflict Kind = "conflict"

	// KindRemotePeer covers failures attributable to a remote federation
	// peer: timeouts, malformed responses, non-2xx replies.
	KindRemotePeer Kind = "remote_peer"

	// KindIncompatibleVersion covers a room version this server, or a
	// remote peer, does not support.
	KindIncompatibleVersion Kind = "incompatible_version"

	// KindInternal covers everything else: bugs, exhausted resources.
	KindInternal Kind = "internal"
)

// Error is the common error type returned by core module operations. It
// carries enough structure for a caller to decide whether to retry, map to
// a client-facing status, or simply log and give up.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "auth.Check", "join.Prepare".
	Op string
	// Msg is a human-readable description, never containing secrets.
	Msg string
	// Err wraps the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Error has no Is method, so errors.Is cannot match it against a bare Kind;
// kind checks go through the package-level Is(err, kind) below.

// New constructs an Error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap constructs an Error of the given kind around an existing error.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(op, msg string) *Error { return New(KindValidation, op, msg) }

// Authorization is shorthand for New(KindAuthorization, ...).
func Authorization(op, msg string) *Error { return New(KindAuthorization, op, msg) }

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(op, msg string) *Error { return New(KindNotFound, op, msg) }

// Conflict is shorthand for New(KindConflict, ...).
func Conflict(op, msg string) *Error { return New(KindConflict, op, msg) }

// RemotePeer is shorthand for Wrap(KindRemotePeer, ...).
func RemotePeer(op, msg string, err error) *Error { return Wrap(KindRemotePeer, op, msg, err) }

// IncompatibleVersion is shorthand for New(KindIncompatibleVersion, ...).
func IncompatibleVersion(op, msg string) *Error { return New(KindIncompatibleVersion, op, msg) }

// Internal is shorthand for Wrap(KindInternal, ...).
func Internal(op, msg string, err error) *Error { return Wrap(KindInternal, op, msg, err) }

// Is reports whether err is an *Error of the given kind, unwrapping as
// errors.As would.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether the JC should try the next candidate server
// rather than fail the whole join/knock attempt outright, per spec.md §5's
// soft/hard failure split: malformed responses, timeouts and "not found"
// are soft; authorization and version mismatches are hard, since another
// candidate server would fail the same way.
func Retryable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return true
	}
	switch e.Kind {
	case KindRemotePeer, KindNotFound:
		return true
	case KindAuthorization, KindIncompatibleVersion, KindValidation:
		return false
	default:
		return false
	}
}
