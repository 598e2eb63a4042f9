// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package uia

import (
	"github.com/matrixmesh/dendrite/internal/hserr"
	"github.com/matrixmesh/dendrite/setup/config"
)

// Operation names a protected action the UIA Engine gates, so BuildFlows
// can special-case the single-stage password flows spec.md §4.7 calls out.
type Operation int

const (
	OperationRegister Operation = iota
	OperationPasswordChange
	OperationDeactivateAccount
	OperationSigningKeyUpload
)

// SigningKeysExist is supplied by the caller for OperationSigningKeyUpload,
// since whether a single-stage password flow applies depends on whether
// the user already has cross-signing keys (spec.md §4.7); out-of-scope
// key storage is not this package's concern, only the boolean it implies.
type FlowOptions struct {
	SigningKeysExist bool
}

// BuildFlows composes the acceptable flow list for an operation against
// server configuration, per spec.md §4.7's flow construction rules.
func BuildFlows(cfg *config.UserAPI, op Operation, opts FlowOptions) ([]Flow, error) {
	switch op {
	case OperationPasswordChange, OperationDeactivateAccount:
		return []Flow{{Stages: []Stage{StagePassword}}}, nil
	case OperationSigningKeyUpload:
		if opts.SigningKeysExist {
			return []Flow{{Stages: []Stage{StagePassword}}}, nil
		}
	}

	var required []Stage

	if cfg.RegistrationToken.Required {
		required = append(required, StageRegistrationToken)
	}

	if _, ok := cfg.Captcha.FirstConfigured(); ok {
		required = append(required, StageRecaptcha)
	}

	if len(required) == 0 {
		if !cfg.OpenRegistration {
			return nil, hserr.Authorization("uia.BuildFlows", "no verification method configured and open registration is disabled")
		}
		return []Flow{{Stages: []Stage{StageDummy}}}, nil
	}

	return []Flow{{Stages: required}}, nil
}
