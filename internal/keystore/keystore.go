// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package keystore defines the cryptographic capabilities the Join
// Coordinator (JC) depends on: signing outgoing events and requests with
// this server's own key, and fetching remote servers' verification keys
// when validating a peer's signatures. Both are call-shape contracts only
// (§6) — actual key storage and the federation key-exchange protocol are
// Non-goals.
package keystore

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Signer is the signing oracle: given a canonical-JSON payload, return it
// wrapped in a "signatures" object for this server's current key.
type Signer interface {
	// SignJSON adds this server's signature for keyID over canonicalJSON,
	// returning the re-serialized object with a signatures entry merged in.
	SignJSON(ctx context.Context, serverName spec.ServerName, keyID gomatrixserverlib.KeyID, canonicalJSON []byte) ([]byte, error)

	// KeyID returns the signing key this server currently uses.
	KeyID() gomatrixserverlib.KeyID
}

// VerificationKey is one (possibly since-expired) public key a remote
// server has published under a key ID.
type VerificationKey struct {
	KeyID        gomatrixserverlib.KeyID
	PublicKeyB64 string
	ValidUntilTS int64
}

// KeyFetcher is the remote-key-fetch capability: look up a remote server's
// current or historical verification keys, used to validate signatures on
// events and federation responses a peer supplies (e.g. during send-join).
type KeyFetcher interface {
	// FetchKeys returns the requested key IDs for serverName, fetching and
	// caching from the remote server's key-query endpoint if not already
	// known. Keys absent from the result were not found or have expired.
	FetchKeys(ctx context.Context, serverName spec.ServerName, keyIDs []gomatrixserverlib.KeyID) (map[gomatrixserverlib.KeyID]VerificationKey, error)
}
