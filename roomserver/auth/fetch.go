// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/matrixmesh/dendrite/roomserver/types"
)

// FetchAuthContext reads a set of auth event IDs from store and assembles
// them into an AuthContext the Auth Checker (AC) can consult. The reads are
// independent of one another, so they are issued concurrently and awaited
// jointly (spec.md §5's scheduling rule for independent I/O) rather than
// one at a time.
func FetchAuthContext(ctx context.Context, store types.Store, roomID string, eventIDs []string) (*types.AuthContext, error) {
	events := make([]*types.Event, len(eventIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range eventIDs {
		i, id := i, id
		g.Go(func() error {
			ev, err := store.Event(gctx, roomID, id)
			if err != nil {
				return err
			}
			events[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*types.Event, 0, len(events))
	for _, ev := range events {
		if ev != nil {
			out = append(out, ev)
		}
	}
	return types.NewAuthContext(out), nil
}
