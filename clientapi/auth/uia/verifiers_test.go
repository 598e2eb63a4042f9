// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package uia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixmesh/dendrite/setup/config"
)

func TestHashPasswordAndVerifyPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	ok, err := VerifyPasswordHash("correct horse battery staple", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPasswordHash("wrong password", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPasswordProducesDistinctSaltsPerCall(t *testing.T) {
	a, err := HashPassword("same password")
	require.NoError(t, err)
	b, err := HashPassword("same password")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPasswordVerifierChecksLookupResult(t *testing.T) {
	hash, err := HashPassword("s3cr3t")
	require.NoError(t, err)

	v := &PasswordVerifier{
		Lookup: func(ctx context.Context, userID string) (string, bool, error) {
			if userID == "@alice:test" {
				return hash, true, nil
			}
			return "", false, nil
		},
	}

	ok, err := v.Verify(context.Background(), "@alice:test", json.RawMessage(`{"password":"s3cr3t"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(context.Background(), "@alice:test", json.RawMessage(`{"password":"wrong"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = v.Verify(context.Background(), "@bob:test", json.RawMessage(`{"password":"s3cr3t"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPasswordVerifierRejectsEmptyPassword(t *testing.T) {
	v := &PasswordVerifier{
		Lookup: func(ctx context.Context, userID string) (string, bool, error) {
			t.Fatal("lookup should not be called for an empty password")
			return "", false, nil
		},
	}
	ok, err := v.Verify(context.Background(), "@alice:test", json.RawMessage(`{"password":""}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCaptchaVerifierPostsToConfiguredBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "priv-key", r.FormValue("secret"))
		assert.Equal(t, "user-response-token", r.FormValue("response"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	cfg := &config.CaptchaConfig{Backends: []config.CaptchaBackend{
		{Name: "recaptcha", PublicKey: "pub-key", PrivateKey: "priv-key", VerifyURL: server.URL},
	}}
	v := &CaptchaVerifier{Cfg: cfg}

	ok, err := v.Verify(context.Background(), "@alice:test", json.RawMessage(`{"response":"user-response-token"}`))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCaptchaVerifierReturnsFalseOnBackendFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer server.Close()

	cfg := &config.CaptchaConfig{Backends: []config.CaptchaBackend{
		{Name: "recaptcha", PublicKey: "pub-key", PrivateKey: "priv-key", VerifyURL: server.URL},
	}}
	v := &CaptchaVerifier{Cfg: cfg}

	ok, err := v.Verify(context.Background(), "@alice:test", json.RawMessage(`{"response":"whatever"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCaptchaVerifierErrorsWhenNoBackendConfigured(t *testing.T) {
	v := &CaptchaVerifier{Cfg: &config.CaptchaConfig{}}
	_, err := v.Verify(context.Background(), "@alice:test", json.RawMessage(`{"response":"whatever"}`))
	require.Error(t, err)
}

func TestRegistrationTokenVerifierDelegatesToConsume(t *testing.T) {
	var seen string
	v := &RegistrationTokenVerifier{
		Consume: func(ctx context.Context, token string) (bool, error) {
			seen = token
			return token == "valid-token", nil
		},
	}

	ok, err := v.Verify(context.Background(), "@alice:test", json.RawMessage(`{"token":"valid-token"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "valid-token", seen)

	ok, err = v.Verify(context.Background(), "@alice:test", json.RawMessage(`{"token":"bogus"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistrationTokenVerifierRejectsEmptyToken(t *testing.T) {
	v := &RegistrationTokenVerifier{
		Consume: func(ctx context.Context, token string) (bool, error) {
			t.Fatal("consume should not be called for an empty token")
			return false, nil
		},
	}
	ok, err := v.Verify(context.Background(), "@alice:test", json.RawMessage(`{"token":""}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDummyVerifierAlwaysSucceeds(t *testing.T) {
	v := DummyVerifier{}
	ok, err := v.Verify(context.Background(), "@alice:test", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFallbackAcknowledgementVerifierNeverSucceeds(t *testing.T) {
	v := FallbackAcknowledgementVerifier{}
	ok, err := v.Verify(context.Background(), "@alice:test", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, ok)
}
