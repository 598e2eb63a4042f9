// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import "time"

// FederationAPI carries the timeouts and transport-safety settings the Join
// Coordinator (JC) and other server-to-server callers use, per spec.md §5
// ("Cancellation and timeouts").
type FederationAPI struct {
	Matrix *Global `yaml:"-"`

	// KeyQueryTimeout bounds key/claim lookups against peers (default 10s
	// per spec.md §5).
	KeyQueryTimeout time.Duration `yaml:"key_query_timeout"`

	// SendJoinTimeout bounds the send-join round trip, which may involve the
	// peer computing and returning a large state/auth-chain payload.
	SendJoinTimeout time.Duration `yaml:"send_join_timeout"`

	// MakeJoinTimeout bounds each make-join attempt in the JC candidate loop.
	MakeJoinTimeout time.Duration `yaml:"make_join_timeout"`

	// DisableTLSValidation should only ever be set in test environments.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// AllowNetworkCIDRs / DenyNetworkCIDRs restrict which address ranges the
	// outbound federation dialer will connect to (SSRF hardening).
	AllowNetworkCIDRs []string `yaml:"allow_network_cidrs"`
	DenyNetworkCIDRs  []string `yaml:"deny_network_cidrs"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	if c.KeyQueryTimeout == 0 {
		c.KeyQueryTimeout = 10 * time.Second
	}
	if c.SendJoinTimeout == 0 {
		c.SendJoinTimeout = 30 * time.Second
	}
	if c.MakeJoinTimeout == 0 {
		c.MakeJoinTimeout = 10 * time.Second
	}
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "federation_api.key_query_timeout", int64(c.KeyQueryTimeout))
	checkPositive(configErrs, "federation_api.send_join_timeout", int64(c.SendJoinTimeout))
	checkPositive(configErrs, "federation_api.make_join_timeout", int64(c.MakeJoinTimeout))
}
