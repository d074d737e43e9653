// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entativa/eid/pkg/token"
)

func TestDiscoveryDocument(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := WellKnownRouter(fx.tokens, "https://id.entativa.com/")

	rec := do(t, router, http.MethodGet, "/openid-configuration", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc token.DiscoveryDocument
	decodeBody(t, rec, &doc)
	assert.Equal(t, "https://id.entativa.com/api/v1/eid/oauth/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, "https://id.entativa.com/api/v1/eid/oauth/token", doc.TokenEndpoint)
	assert.Equal(t, "https://id.entativa.com/api/v1/eid/auth/revoke", doc.RevocationEndpoint)
	assert.Equal(t, "https://id.entativa.com/.well-known/jwks.json", doc.JWKSURI)
	assert.Contains(t, doc.GrantTypesSupported, "authorization_code")
	assert.Contains(t, doc.GrantTypesSupported, "password")
	assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)
	assert.Contains(t, doc.CodeChallengeMethodsSupported, token.ChallengeMethodS256)
}

func TestJWKSServesVerificationKeys(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := WellKnownRouter(fx.tokens, "https://id.entativa.com")

	rec := do(t, router, http.MethodGet, "/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	require.NotEmpty(t, set.Keys)
	assert.Equal(t, "EC", set.Keys[0]["kty"])
	assert.NotContains(t, set.Keys[0], "d", "private key material must never be published")
}
