// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/token"
)

func newOAuthRouter(fx *fixture, perMinute int) http.Handler {
	return OAuthRouter(fx.tokens, fx.identity, fx.authn, token.NewLimiter(perMinute, fx.clock))
}

func TestAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newOAuthRouter(fx, 60)
	registerUser(t, fx, "zahra", "zahra@entativa.com", "a long password")
	bearer := bearerFor(t, fx, "zahra@entativa.com", "a long password")

	verifier := token.GeneratePKCEVerifier()
	q := url.Values{
		"client_id":             {"eid-web"},
		"redirect_uri":          {"https://id.entativa.com/callback"},
		"scope":                 {"openid profile"},
		"state":                 {"af0ifjsldkj"},
		"code_challenge":        {token.ComputePKCEChallenge(verifier)},
		"code_challenge_method": {token.ChallengeMethodS256},
	}
	rec := do(t, router, http.MethodGet, "/authorize?"+q.Encode(), bearer, nil)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "id.entativa.com", redirect.Host)
	assert.Equal(t, "af0ifjsldkj", redirect.Query().Get("state"))
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)

	rec = doForm(t, router, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://id.entativa.com/callback"},
		"client_id":     {"eid-web"},
		"client_secret": {"web-secret"},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))

	var pair token.Pair
	decodeBody(t, rec, &pair)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)

	// The code is single use.
	rec = doForm(t, router, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://id.entativa.com/callback"},
		"client_id":     {"eid-web"},
		"client_secret": {"web-secret"},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorizeNeedsUserSession(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newOAuthRouter(fx, 60)

	q := url.Values{
		"client_id":    {"eid-web"},
		"redirect_uri": {"https://id.entativa.com/callback"},
		"scope":        {"openid"},
	}

	// No token at all.
	rec := do(t, router, http.MethodGet, "/authorize?"+q.Encode(), "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// A client-credentials token authenticates a service, not a person.
	pair, err := fx.tokens.ClientCredentials(t.Context(), token.ClientCredentialsRequest{
		ClientID:     "eid-web",
		ClientSecret: "web-secret",
		Scopes:       []string{"eid.identity"},
	})
	require.NoError(t, err)

	rec = do(t, router, http.MethodGet, "/authorize?"+q.Encode(), pair.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var oauthErr oauthError
	decodeBody(t, rec, &oauthErr)
	assert.Equal(t, errors.ErrUnauthenticated, oauthErr.Error)
}

func TestTokenUnsupportedGrantType(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newOAuthRouter(fx, 60)

	rec := doForm(t, router, "/token", url.Values{
		"grant_type": {"device_code"},
		"client_id":  {"eid-web"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var oauthErr oauthError
	decodeBody(t, rec, &oauthErr)
	assert.Equal(t, "unsupported_grant_type", oauthErr.Error)
}

func TestTokenRejectsWrongClientSecret(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newOAuthRouter(fx, 60)

	rec := doForm(t, router, "/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"eid-web"},
		"client_secret": {"stolen-guess"},
		"scope":         {"eid.identity"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var oauthErr oauthError
	decodeBody(t, rec, &oauthErr)
	assert.Equal(t, errors.ErrInvalidClient, oauthErr.Error)
}

func TestPasswordGrant(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newOAuthRouter(fx, 60)
	registerUser(t, fx, "maya", "maya@entativa.com", "a long password")

	rec := doForm(t, router, "/token", url.Values{
		"grant_type":    {"password"},
		"username":      {"maya@entativa.com"},
		"password":      {"a long password"},
		"client_id":     {"eid-web"},
		"client_secret": {"web-secret"},
		"scope":         {"openid profile"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pair token.Pair
	decodeBody(t, rec, &pair)
	assert.NotEmpty(t, pair.AccessToken)
	assert.Equal(t, "Bearer", pair.TokenType)
}

func TestPasswordGrantDefersToMFA(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newOAuthRouter(fx, 60)
	summary := registerUser(t, fx, "aiko", "aiko@entativa.com", "a long password")
	enrollTOTP(t, fx, summary.ID, summary.Email)

	rec := doForm(t, router, "/token", url.Values{
		"grant_type":    {"password"},
		"username":      {"aiko@entativa.com"},
		"password":      {"a long password"},
		"client_id":     {"eid-web"},
		"client_secret": {"web-secret"},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var oauthErr oauthError
	decodeBody(t, rec, &oauthErr)
	assert.Equal(t, errors.ErrMFARequired, oauthErr.Error)
}

func TestRefreshGrant(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newOAuthRouter(fx, 60)
	registerUser(t, fx, "noor", "noor@entativa.com", "a long password")
	first := loginUser(t, fx, "noor@entativa.com", "a long password")

	rec := doForm(t, router, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.Pair.RefreshToken},
		"client_id":     {"eid-web"},
		"client_secret": {"web-secret"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rotated token.Pair
	decodeBody(t, rec, &rotated)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, first.Pair.RefreshToken, rotated.RefreshToken)
}

func TestTokenEndpointRateLimited(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newOAuthRouter(fx, 1)

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"eid-web"},
		"client_secret": {"web-secret"},
		"scope":         {"eid.identity"},
	}
	rec := doForm(t, router, "/token", form)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Metering keys on client_id, so the same client immediately runs dry.
	rec = doForm(t, router, "/token", form)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var oauthErr oauthError
	decodeBody(t, rec, &oauthErr)
	assert.Equal(t, errors.ErrRateLimited, oauthErr.Error)
}
