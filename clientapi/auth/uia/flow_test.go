// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package uia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixmesh/dendrite/setup/config"
)

func TestBuildFlowsPasswordChangeIsAlwaysSingleStagePassword(t *testing.T) {
	cfg := &config.UserAPI{}
	flows, err := BuildFlows(cfg, OperationPasswordChange, FlowOptions{})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, []Stage{StagePassword}, flows[0].Stages)
}

func TestBuildFlowsDeactivateAccountIsAlwaysSingleStagePassword(t *testing.T) {
	cfg := &config.UserAPI{}
	flows, err := BuildFlows(cfg, OperationDeactivateAccount, FlowOptions{})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, []Stage{StagePassword}, flows[0].Stages)
}

func TestBuildFlowsSigningKeyUploadWithExistingKeysIsPasswordOnly(t *testing.T) {
	cfg := &config.UserAPI{}
	flows, err := BuildFlows(cfg, OperationSigningKeyUpload, FlowOptions{SigningKeysExist: true})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, []Stage{StagePassword}, flows[0].Stages)
}

func TestBuildFlowsRegisterWithNoVerificationAndClosedRegistrationFails(t *testing.T) {
	cfg := &config.UserAPI{OpenRegistration: false}
	_, err := BuildFlows(cfg, OperationRegister, FlowOptions{})
	require.Error(t, err)
}

func TestBuildFlowsRegisterWithNoVerificationAndOpenRegistrationIsDummy(t *testing.T) {
	cfg := &config.UserAPI{OpenRegistration: true}
	flows, err := BuildFlows(cfg, OperationRegister, FlowOptions{})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, []Stage{StageDummy}, flows[0].Stages)
}

func TestBuildFlowsRegisterWithTokenRequiredIncludesRegistrationTokenStage(t *testing.T) {
	cfg := &config.UserAPI{}
	cfg.RegistrationToken.Required = true

	flows, err := BuildFlows(cfg, OperationRegister, FlowOptions{})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Contains(t, flows[0].Stages, StageRegistrationToken)
}

func TestBuildFlowsRegisterWithCaptchaConfiguredIncludesRecaptchaStage(t *testing.T) {
	cfg := &config.UserAPI{}
	cfg.Captcha.Backends = []config.CaptchaBackend{
		{Name: "recaptcha", PublicKey: "pub", PrivateKey: "priv", VerifyURL: "https://example.invalid/verify"},
	}

	flows, err := BuildFlows(cfg, OperationRegister, FlowOptions{})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Contains(t, flows[0].Stages, StageRecaptcha)
}

func TestBuildFlowsRegisterWithBothTokenAndCaptchaRequiresBoth(t *testing.T) {
	cfg := &config.UserAPI{}
	cfg.RegistrationToken.Required = true
	cfg.Captcha.Backends = []config.CaptchaBackend{
		{Name: "turnstile", PublicKey: "pub", PrivateKey: "priv", VerifyURL: "https://example.invalid/verify"},
	}

	flows, err := BuildFlows(cfg, OperationRegister, FlowOptions{})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Contains(t, flows[0].Stages, StageRegistrationToken)
	assert.Contains(t, flows[0].Stages, StageRecaptcha)
}
