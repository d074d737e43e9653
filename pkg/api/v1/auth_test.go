// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/token"
)

func newAuthRouter(fx *fixture, perMinute int) http.Handler {
	return AuthRouter(fx.identity, fx.tokens, fx.authn, token.NewLimiter(perMinute, fx.clock))
}

func TestLoginIssuesTokens(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)
	summary := registerUser(t, fx, "zahra", "zahra@entativa.com", "a long password")

	rec := do(t, router, http.MethodPost, "/login", "", map[string]string{
		"email":    "zahra@entativa.com",
		"password": "a long password",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res loginResponse
	decodeBody(t, rec, &res)
	assert.Equal(t, summary.ID, res.IdentityID)
	assert.NotEmpty(t, res.SessionID)
	require.NotNil(t, res.Tokens)
	assert.NotEmpty(t, res.Tokens.AccessToken)
	assert.NotEmpty(t, res.Tokens.RefreshToken)
	assert.Nil(t, res.MFA)
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)
	registerUser(t, fx, "maya", "maya@entativa.com", "a long password")

	rec := do(t, router, http.MethodPost, "/login", "", map[string]string{
		"email":    "maya@entativa.com",
		"password": "not the password",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, errors.ErrInvalidCredentials, errorCode(t, rec))
}

func TestLoginRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)

	rec := do(t, router, http.MethodPost, "/login", "", map[string]string{
		"email":    "maya@entativa.com",
		"passwort": "a long password",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrInvalidArgument, errorCode(t, rec))
}

func TestLoginRateLimited(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 2)
	registerUser(t, fx, "miguel", "miguel@entativa.com", "a long password")

	body := map[string]string{"email": "miguel@entativa.com", "password": "a long password"}
	for i := 0; i < 2; i++ {
		rec := do(t, router, http.MethodPost, "/login", "", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// All httptest requests share one remote address, so the third call
	// exhausts the per-address budget.
	rec := do(t, router, http.MethodPost, "/login", "", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, errors.ErrRateLimited, errorCode(t, rec))
}

func TestLoginMFAGateAndCompletion(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)
	summary := registerUser(t, fx, "aiko", "aiko@entativa.com", "a long password")
	secret := enrollTOTP(t, fx, summary.ID, summary.Email)

	rec := do(t, router, http.MethodPost, "/login", "", map[string]string{
		"email":    "aiko@entativa.com",
		"password": "a long password",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var gated loginResponse
	decodeBody(t, rec, &gated)
	assert.Nil(t, gated.Tokens)
	require.NotNil(t, gated.MFA)
	require.NotNil(t, gated.MFA.Challenge)
	assert.Equal(t, "totp", gated.MFA.Challenge.MethodType)

	rec = do(t, router, http.MethodPost, "/login/mfa", "", map[string]string{
		"mfa_ticket":   gated.MFA.Ticket,
		"challenge_id": gated.MFA.Challenge.ChallengeID,
		"code":         totpCode(t, secret, fx.clock.Now()),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var done loginResponse
	decodeBody(t, rec, &done)
	assert.Equal(t, summary.ID, done.IdentityID)
	require.NotNil(t, done.Tokens)
	assert.NotEmpty(t, done.Tokens.AccessToken)
	assert.Nil(t, done.MFA)
}

func TestSessionsMarkCurrent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)
	registerUser(t, fx, "lena", "lena@entativa.com", "a long password")

	first := loginUser(t, fx, "lena@entativa.com", "a long password")
	second := loginUser(t, fx, "lena@entativa.com", "a long password")

	rec := do(t, router, http.MethodGet, "/sessions", first.Pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []sessionResponse
	decodeBody(t, rec, &sessions)
	require.Len(t, sessions, 2)

	current := map[string]bool{}
	for _, s := range sessions {
		current[s.ID] = s.Current
	}
	assert.True(t, current[first.SessionID])
	assert.False(t, current[second.SessionID])
}

func TestSessionsRequireBearer(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)

	rec := do(t, router, http.MethodGet, "/sessions", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, errors.ErrUnauthenticated, errorCode(t, rec))

	rec = do(t, router, http.MethodGet, "/sessions", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutKillsTheSession(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)
	registerUser(t, fx, "noa", "noa@entativa.com", "a long password")
	bearer := bearerFor(t, fx, "noa@entativa.com", "a long password")

	rec := do(t, router, http.MethodPost, "/logout", bearer, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodGet, "/sessions", bearer, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevokeOtherSession(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)
	registerUser(t, fx, "sam_okafor", "sam@entativa.com", "a long password")

	mine := loginUser(t, fx, "sam@entativa.com", "a long password")
	other := loginUser(t, fx, "sam@entativa.com", "a long password")

	rec := do(t, router, http.MethodDelete, "/sessions/"+other.SessionID, mine.Pair.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The revoked session's token stops working; the caller's survives.
	rec = do(t, router, http.MethodGet, "/sessions", other.Pair.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, router, http.MethodGet, "/sessions", mine.Pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshRotatesAndFlagsReuse(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)
	registerUser(t, fx, "ravi", "ravi@entativa.com", "a long password")
	first := loginUser(t, fx, "ravi@entativa.com", "a long password")

	rec := do(t, router, http.MethodPost, "/refresh", "", map[string]string{
		"refresh_token": first.Pair.RefreshToken,
		"client_id":     "eid-web",
		"client_secret": "web-secret",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rotated token.Pair
	decodeBody(t, rec, &rotated)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, first.Pair.RefreshToken, rotated.RefreshToken)

	// Replaying the consumed token is treated as theft and burns the
	// whole family, including the freshly rotated pair.
	rec = do(t, router, http.MethodPost, "/refresh", "", map[string]string{
		"refresh_token": first.Pair.RefreshToken,
		"client_id":     "eid-web",
		"client_secret": "web-secret",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrReuseDetected, errorCode(t, rec))

	rec = do(t, router, http.MethodGet, "/sessions", rotated.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevokeTokenIsIdempotent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)
	registerUser(t, fx, "dara", "dara@entativa.com", "a long password")
	result := loginUser(t, fx, "dara@entativa.com", "a long password")

	rec := do(t, router, http.MethodPost, "/revoke", "", map[string]string{"token": result.Pair.AccessToken})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodGet, "/sessions", result.Pair.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, http.MethodPost, "/revoke", "", map[string]string{"token": result.Pair.AccessToken})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodPost, "/revoke", "", map[string]string{"token": "never-issued"})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)
	registerUser(t, fx, "iris", "iris@entativa.com", "a long password")

	mine := loginUser(t, fx, "iris@entativa.com", "a long password")
	loginUser(t, fx, "iris@entativa.com", "a long password")

	rec := do(t, router, http.MethodPost, "/password", mine.Pair.AccessToken, map[string]any{
		"current_password":      "a long password",
		"new_password":          "an even longer password",
		"revoke_other_sessions": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res changePasswordResponse
	decodeBody(t, rec, &res)
	assert.True(t, res.Changed)
	assert.EqualValues(t, 1, res.SessionsRevoked)

	rec = do(t, router, http.MethodPost, "/login", "", map[string]string{
		"email":    "iris@entativa.com",
		"password": "a long password",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	loginUser(t, fx, "iris@entativa.com", "an even longer password")
}

func TestChangePasswordRequiresSecondFactor(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	router := newAuthRouter(fx, 60)
	summary := registerUser(t, fx, "tomas", "tomas@entativa.com", "a long password")
	secret := enrollTOTP(t, fx, summary.ID, summary.Email)

	bearer := mfaBearer(t, fx, "tomas@entativa.com", "a long password", secret)

	body := map[string]any{
		"current_password": "a long password",
		"new_password":     "an even longer password",
	}
	rec := do(t, router, http.MethodPost, "/password", bearer, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var gated changePasswordResponse
	decodeBody(t, rec, &gated)
	assert.False(t, gated.Changed)
	require.NotNil(t, gated.Challenge)

	body["challenge_id"] = gated.Challenge.ChallengeID
	body["code"] = totpCode(t, secret, fx.clock.Now())
	rec = do(t, router, http.MethodPost, "/password", bearer, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var done changePasswordResponse
	decodeBody(t, rec, &done)
	assert.True(t, done.Changed)
}
