// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package uia

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTokenIsUniqueAndCorrectLength(t *testing.T) {
	a := generateToken()
	b := generateToken()
	assert.Len(t, a, sessionIDLength)
	assert.NotEqual(t, a, b)
}

func TestFlowSatisfiedByRequiresEveryStage(t *testing.T) {
	flow := Flow{Stages: []Stage{StagePassword, StageRecaptcha}}

	assert.False(t, flow.satisfiedBy(map[Stage]struct{}{StagePassword: {}}))
	assert.True(t, flow.satisfiedBy(map[Stage]struct{}{
		StagePassword:  {},
		StageRecaptcha: {},
	}))
}

func TestSubmitRejectsUnknownSession(t *testing.T) {
	e := NewEngine(DummyVerifier{})
	out := e.Submit(context.Background(), "@alice:test", "DEVICE", "nonexistent-token", StageDummy, json.RawMessage(`{}`))
	require.Error(t, out.Err)
}

func TestSubmitRejectsUnsupportedStage(t *testing.T) {
	e := NewEngine(DummyVerifier{})
	session := e.Start("@alice:test", "DEVICE", []Flow{{Stages: []Stage{StageDummy}}}, nil)

	out := e.Submit(context.Background(), "@alice:test", "DEVICE", session.Token, StagePassword, json.RawMessage(`{}`))
	require.Error(t, out.Err)
	assert.False(t, out.Done)
}

func TestSubmitSingleStageFlowCompletesImmediately(t *testing.T) {
	e := NewEngine(DummyVerifier{})
	session := e.Start("@alice:test", "DEVICE", []Flow{{Stages: []Stage{StageDummy}}}, json.RawMessage(`{"foo":"bar"}`))

	out := e.Submit(context.Background(), "@alice:test", "DEVICE", session.Token, StageDummy, json.RawMessage(`{}`))
	require.NoError(t, out.Err)
	assert.True(t, out.Done)

	// a duplicate final submission replays the original Done outcome
	// instead of NotFound, so a client retry observes the same response
	// rather than re-executing the stage.
	again := e.Submit(context.Background(), "@alice:test", "DEVICE", session.Token, StageDummy, json.RawMessage(`{}`))
	require.NoError(t, again.Err)
	assert.True(t, again.Done)
	require.NotNil(t, again.Session)
	assert.Equal(t, json.RawMessage(`{"foo":"bar"}`), again.Session.RequestBody)
}

func TestSubmitMultiStageFlowRequiresAllStages(t *testing.T) {
	e := NewEngine(DummyVerifier{}, FallbackAcknowledgementVerifier{})
	flows := []Flow{{Stages: []Stage{StageDummy, StageFallbackAcknowledgement}}}
	session := e.Start("@alice:test", "DEVICE", flows, nil)

	out := e.Submit(context.Background(), "@alice:test", "DEVICE", session.Token, StageDummy, json.RawMessage(`{}`))
	require.NoError(t, out.Err)
	assert.False(t, out.Done)

	// fallback_acknowledgement never succeeds, so this flow can never complete
	out = e.Submit(context.Background(), "@alice:test", "DEVICE", session.Token, StageFallbackAcknowledgement, json.RawMessage(`{}`))
	require.Error(t, out.Err)
	assert.False(t, out.Done)
}

func TestSubmitDuplicateFinalSubmissionReplaysDoneRepeatedly(t *testing.T) {
	e := NewEngine(DummyVerifier{})
	session := e.Start("@alice:test", "DEVICE", []Flow{{Stages: []Stage{StageDummy}}}, json.RawMessage(`{"foo":"bar"}`))

	first := e.Submit(context.Background(), "@alice:test", "DEVICE", session.Token, StageDummy, json.RawMessage(`{}`))
	require.NoError(t, first.Err)
	require.True(t, first.Done)

	for i := 0; i < 3; i++ {
		again := e.Submit(context.Background(), "@alice:test", "DEVICE", session.Token, StageDummy, json.RawMessage(`{}`))
		require.NoError(t, again.Err)
		assert.True(t, again.Done)
		require.NotNil(t, again.Session)
		assert.Equal(t, json.RawMessage(`{"foo":"bar"}`), again.Session.RequestBody)
	}
}

func TestSubmitFailedStageRecordsAuthError(t *testing.T) {
	e := NewEngine(FallbackAcknowledgementVerifier{})
	session := e.Start("@alice:test", "DEVICE", []Flow{{Stages: []Stage{StageFallbackAcknowledgement}}}, nil)

	out := e.Submit(context.Background(), "@alice:test", "DEVICE", session.Token, StageFallbackAcknowledgement, json.RawMessage(`{}`))
	require.Error(t, out.Err)
	require.NotNil(t, out.Session)
	assert.NotEmpty(t, out.Session.AuthError)
}
