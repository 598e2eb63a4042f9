// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

// UserAPI carries the policy knobs the UIA Engine (UIA) reads to decide flow
// composition, per spec.md §4.7.
type UserAPI struct {
	Matrix *Global `yaml:"-"`

	RegistrationToken RegistrationTokenPolicy `yaml:"registration_token_policy"`

	// Captcha lists the configured backends in preference order. The first
	// entry with both a public and private key set wins (spec.md §4.7).
	Captcha CaptchaConfig `yaml:"captcha"`

	// OpenRegistration, when true and neither a token nor a captcha backend
	// is configured, allows a single-stage "dummy" flow instead of refusing
	// registration outright.
	OpenRegistration bool `yaml:"open_registration_without_verification"`
}

func (c *UserAPI) Defaults(opts DefaultOpts) {
	c.RegistrationToken.Defaults(opts)
	c.Captcha.Defaults(opts)
}

func (c *UserAPI) Verify(configErrs *ConfigErrors) {
	c.RegistrationToken.Verify(configErrs)
	c.Captcha.Verify(configErrs)
}

// RegistrationTokenPolicy governs whether the "registration_token" UIA stage
// is required. "First-run" in spec.md §4.7 means an operator has configured
// at least one token but has not yet explicitly disabled the requirement.
type RegistrationTokenPolicy struct {
	Required bool `yaml:"required"`
}

func (c *RegistrationTokenPolicy) Defaults(opts DefaultOpts) {}

func (c *RegistrationTokenPolicy) Verify(configErrs *ConfigErrors) {}

// CaptchaBackend identifies one configured captcha provider.
type CaptchaBackend struct {
	Name       string `yaml:"name"` // "turnstile" or "recaptcha"
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
	VerifyURL  string `yaml:"verify_url"`
}

// Configured reports whether this backend has both keys set and is therefore
// eligible to be selected by the UIA flow builder.
func (b CaptchaBackend) Configured() bool {
	return b.PublicKey != "" && b.PrivateKey != ""
}

// CaptchaConfig is the ordered list of captcha backends a deployment has
// enabled. Order matters: spec.md §4.7 picks "the first one with both public
// and private keys configured."
type CaptchaConfig struct {
	Backends []CaptchaBackend `yaml:"backends"`
}

func (c *CaptchaConfig) Defaults(opts DefaultOpts) {}

func (c *CaptchaConfig) Verify(configErrs *ConfigErrors) {
	for _, b := range c.Backends {
		if b.Name != "turnstile" && b.Name != "recaptcha" {
			configErrs.Add("user_api.captcha.backends: unknown captcha backend " + b.Name)
		}
	}
}

// FirstConfigured returns the first backend (in configured order) that has
// both a public and private key set, or false if none do.
func (c *CaptchaConfig) FirstConfigured() (CaptchaBackend, bool) {
	for _, b := range c.Backends {
		if b.Configured() {
			return b, true
		}
	}
	return CaptchaBackend{}, false
}
