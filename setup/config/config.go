// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// DataUnit is a size in bytes, used for cache budgets and upload limits.
type DataUnit int64

// DefaultOpts carries flags that change the set of defaults Defaults methods
// apply, e.g. whether this is a single monolithic process or a polylith
// deployment.
type DefaultOpts struct {
	Generate   bool
	SingleDatabase bool
}

// ConfigErrors collects human-readable configuration problems found by the
// various Verify methods. It is a plain string slice so existing assertions
// (assert.Contains) against it keep working regardless of how many errors
// accumulate.
type ConfigErrors []string

func (e *ConfigErrors) Add(message string) {
	*e = append(*e, message)
}

func (e ConfigErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	return fmt.Sprintf("%d configuration error(s): %v", len(e), []string(e))
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("config key %q must be positive, got %d", key, value))
	}
}

// Global holds identity and federation-wide settings shared by every
// component: the server's own name, its signing identity, and the set of
// room versions it is willing to participate in.
type Global struct {
	// ServerName is this homeserver's own server part, e.g. "example.com".
	ServerName spec.ServerName `yaml:"server_name"`

	// KeyID identifies the signing key used to sign outgoing events and
	// federation requests.
	KeyID string `yaml:"-"`

	// Supports the legacy "m.login.password" UIA presentation alongside
	// the modern identifier-based one; see REDESIGN FLAGS in spec.md.
	AllowLegacyUsernameField bool `yaml:"allow_legacy_username_field"`

	Derived *Derived `yaml:"-"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	if c.ServerName == "" {
		c.ServerName = "localhost"
	}
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
}

// IsLocalServerName reports whether the given server name is this server's
// own, for local-user checks.
func (c *Global) IsLocalServerName(name spec.ServerName) bool {
	return name == c.ServerName
}

// Derived holds values computed once from the rest of the configuration
// rather than read directly from YAML (e.g. parsed registration flows).
type Derived struct{}

// MSCs lists experimental Matrix Spec Change feature flags this server has
// opted into. Restricted/knock-restricted joins and explicit room creators
// both began life behind an MSC before landing in a stable room version.
type MSCs struct {
	MSCs []string `yaml:"mscs"`
}

func (m *MSCs) Enabled(msc string) bool {
	for _, e := range m.MSCs {
		if e == msc {
			return true
		}
	}
	return false
}
