// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package uia

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/matrixmesh/dendrite/setup/config"
)

// argon2 parameters tuned for interactive login latency, the same shape as
// internal/passwordreset's scrypt parameters but for the password-family
// hash spec.md §4.7 calls for.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// HashPassword derives a salt:hash string for a plaintext password, in the
// same "salt:hash" base64 layout internal/passwordreset.TokenHasher uses
// for reset tokens.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("uia: generate salt: %w", err)
	}
	derived := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return fmt.Sprintf("%s:%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	), nil
}

// VerifyPasswordHash checks a plaintext password against a stored
// HashPassword output in constant time.
func VerifyPasswordHash(password, storedHash string) (bool, error) {
	parts := strings.SplitN(storedHash, ":", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("uia: invalid password hash format")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("uia: decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("uia: decode hash: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// PasswordHashLookup resolves a user's stored password hash. Account
// storage itself is a Non-goal; this is the call-shape collaborator the
// PasswordVerifier depends on, matching the teacher's
// GetAccountByPassword callback pattern.
type PasswordHashLookup func(ctx context.Context, userID string) (hash string, exists bool, err error)

// PasswordVerifier implements the "password" stage: compare submitted
// password against the user's stored argon2 hash.
type PasswordVerifier struct {
	Lookup PasswordHashLookup
}

func (v *PasswordVerifier) Stage() Stage { return StagePassword }

func (v *PasswordVerifier) Verify(ctx context.Context, userID string, response json.RawMessage) (bool, error) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.Unmarshal(response, &req); err != nil || req.Password == "" {
		return false, nil
	}
	hash, exists, err := v.Lookup(ctx, userID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	return VerifyPasswordHash(req.Password, hash)
}

// CaptchaVerifier implements the single client-facing "recaptcha" stage,
// backed by whichever backend config.CaptchaConfig.FirstConfigured picks
// (the first configured one, in the order the backend list gives).
type CaptchaVerifier struct {
	Cfg *config.CaptchaConfig

	// Client is overridable in tests; defaults to http.DefaultClient.
	Client *http.Client
}

func (v *CaptchaVerifier) Stage() Stage { return StageRecaptcha }

type captchaBackendResponse struct {
	Success bool `json:"success"`
}

func (v *CaptchaVerifier) Verify(ctx context.Context, userID string, response json.RawMessage) (bool, error) {
	var req struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(response, &req); err != nil || req.Response == "" {
		return false, nil
	}

	backend, ok := v.Cfg.FirstConfigured()
	if !ok {
		return false, fmt.Errorf("uia: captcha stage requested but no backend configured")
	}

	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}

	form := url.Values{
		"secret":   {backend.PrivateKey},
		"response": {req.Response},
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, backend.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	httpReq = httpReq.WithContext(ctx)

	resp, err := client.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var result captchaBackendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, err
	}
	return result.Success, nil
}

// TokenConsumer validates and atomically marks a registration token as
// used. Token storage is a Non-goal; this is the call-shape collaborator.
type TokenConsumer func(ctx context.Context, token string) (valid bool, err error)

// RegistrationTokenVerifier implements the "registration_token" stage.
type RegistrationTokenVerifier struct {
	Consume TokenConsumer
}

func (v *RegistrationTokenVerifier) Stage() Stage { return StageRegistrationToken }

func (v *RegistrationTokenVerifier) Verify(ctx context.Context, userID string, response json.RawMessage) (bool, error) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(response, &req); err != nil {
		return false, nil
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return false, nil
	}
	return v.Consume(ctx, token)
}

// DummyVerifier implements the "dummy" stage: always succeeds.
type DummyVerifier struct{}

func (DummyVerifier) Stage() Stage { return StageDummy }

func (DummyVerifier) Verify(ctx context.Context, userID string, response json.RawMessage) (bool, error) {
	return true, nil
}

// FallbackAcknowledgementVerifier implements "fallback_acknowledgement":
// never satisfies a stage by itself, since it claims out-of-band
// completion the server cannot trust.
type FallbackAcknowledgementVerifier struct{}

func (FallbackAcknowledgementVerifier) Stage() Stage { return StageFallbackAcknowledgement }

func (FallbackAcknowledgementVerifier) Verify(ctx context.Context, userID string, response json.RawMessage) (bool, error) {
	return false, nil
}
