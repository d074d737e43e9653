// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

func TestLoginIssuesPair(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	registerUser(t, fx, "maya", "maya@entativa.com", "a long password")

	result, err := fx.engine.Login(ctx, LoginRequest{
		Email:    "maya@entativa.com",
		Password: "a long password",
		Device:   storage.DeviceInfo{OS: "macOS", Browser: "Firefox"},
	})
	require.NoError(t, err)

	require.NotNil(t, result.Pair)
	assert.Nil(t, result.MFA)
	assert.NotEmpty(t, result.Pair.AccessToken)
	assert.NotEmpty(t, result.Pair.RefreshToken)
	assert.NotEmpty(t, result.Pair.IDToken, "openid is in the default login scopes")
	assert.Equal(t, "Bearer", result.Pair.TokenType)

	session, err := fx.store.Sessions().GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.True(t, session.IsActive)
	assert.Equal(t, "eid-web", session.ClientID)
	assert.Equal(t, "macOS", session.Device.OS)
	assert.Equal(t, "Firefox", session.Device.Browser)
	assert.False(t, session.MFAAsserted)

	assert.Equal(t, "password", fx.emitter.last(t, EventLogin).Detail)
}

func TestLoginUnknownEmail(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	_, err := fx.engine.Login(t.Context(), LoginRequest{
		Email:    "nobody@entativa.com",
		Password: "a long password",
	})
	assert.True(t, errors.IsInvalidCredentials(err), "unknown email reads the same as a wrong password")
}

func TestLoginWrongPasswordCounts(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "miguel", "miguel@entativa.com", "a long password")

	_, err := fx.engine.Login(ctx, LoginRequest{Email: "miguel@entativa.com", Password: "not the password"})
	assert.True(t, errors.IsInvalidCredentials(err))

	identity, err := fx.store.Identities().GetIdentity(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, identity.FailedLoginAttempts)
	assert.Nil(t, identity.LockedUntil)
	assert.Equal(t, 1, fx.emitter.count(EventLoginFailed))
}

func TestLoginLockout(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "sam_okafor", "sam@entativa.com", "a long password")

	for i := 0; i < 5; i++ {
		_, err := fx.engine.Login(ctx, LoginRequest{Email: "sam@entativa.com", Password: "not the password"})
		assert.True(t, errors.IsInvalidCredentials(err))
	}

	identity, err := fx.store.Identities().GetIdentity(ctx, summary.ID)
	require.NoError(t, err)
	require.NotNil(t, identity.LockedUntil)
	assert.Equal(t, fx.clock.Now().UTC().Add(30*time.Minute), *identity.LockedUntil)
	assert.Equal(t, 1, fx.emitter.count(EventLocked))

	// During the window even the correct password is refused, and further
	// wrong guesses do not extend the lock.
	_, err = fx.engine.Login(ctx, LoginRequest{Email: "sam@entativa.com", Password: "a long password"})
	assert.True(t, errors.IsAccountLocked(err))
	_, err = fx.engine.Login(ctx, LoginRequest{Email: "sam@entativa.com", Password: "not the password"})
	assert.True(t, errors.IsAccountLocked(err))

	fx.clock.Advance(30*time.Minute + time.Second)

	result, err := fx.engine.Login(ctx, LoginRequest{Email: "sam@entativa.com", Password: "a long password"})
	require.NoError(t, err)
	require.NotNil(t, result.Pair)

	identity, err = fx.store.Identities().GetIdentity(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, identity.FailedLoginAttempts)
	assert.Nil(t, identity.LockedUntil)
}

func TestLoginInactiveAccount(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "lena", "lena@entativa.com", "a long password")
	identity, err := fx.store.Identities().GetIdentity(ctx, summary.ID)
	require.NoError(t, err)
	identity.Status = storage.IdentitySuspended
	require.NoError(t, fx.store.Identities().UpdateIdentity(ctx, identity))

	_, err = fx.engine.Login(ctx, LoginRequest{Email: "lena@entativa.com", Password: "a long password"})
	assert.True(t, errors.IsAccountInactive(err))

	// A wrong password on a suspended account stays invalid_credentials so
	// the status is not leaked to someone who does not hold the password.
	_, err = fx.engine.Login(ctx, LoginRequest{Email: "lena@entativa.com", Password: "not the password"})
	assert.True(t, errors.IsInvalidCredentials(err))
}

func TestLoginClientRules(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	registerUser(t, fx, "noa", "noa@entativa.com", "a long password")
	seedWebClient(t, fx.store, func(c *storage.OAuthClient) {
		c.ClientID = "third-party"
		c.Trusted = false
	})

	_, err := fx.engine.Login(ctx, LoginRequest{
		Email: "noa@entativa.com", Password: "a long password", ClientID: "ghost",
	})
	assert.True(t, errors.IsInvalidClient(err))

	_, err = fx.engine.Login(ctx, LoginRequest{
		Email: "noa@entativa.com", Password: "a long password", ClientID: "third-party",
	})
	assert.True(t, errors.IsInvalidClient(err), "password login is first-party only")
}

func TestLoginRehashesLegacyCredential(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	legacy, err := bcrypt.GenerateFromPassword([]byte("a long password"), bcrypt.MinCost)
	require.NoError(t, err)
	identity := &storage.Identity{
		ID:                 "id-legacy",
		Email:              "legacy@entativa.com",
		PasswordHash:       string(legacy),
		PasswordChangedAt:  facadeNow,
		Status:             storage.IdentityActive,
		VerificationStatus: storage.VerificationNone,
		CreatedAt:          facadeNow,
		UpdatedAt:          facadeNow,
	}
	require.NoError(t, fx.store.Identities().CreateIdentity(ctx, identity))

	result, err := fx.engine.Login(ctx, LoginRequest{Email: "legacy@entativa.com", Password: "a long password"})
	require.NoError(t, err)
	require.NotNil(t, result.Pair)

	fresh, err := fx.store.Identities().GetIdentity(ctx, identity.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fresh.PasswordHash, "$argon2id$"), "bcrypt credential upgraded on login")
}

func TestLoginMFAGate(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "aiko", "aiko@entativa.com", "a long password")
	secret := enrollTOTP(t, fx, summary.ID, "aiko@entativa.com")
	fx.clock.Advance(35 * time.Second)

	result, err := fx.engine.Login(ctx, LoginRequest{Email: "aiko@entativa.com", Password: "a long password"})
	require.NoError(t, err)
	require.NotNil(t, result.MFA)
	assert.Nil(t, result.Pair, "no tokens before the second factor")
	assert.NotEmpty(t, result.MFA.Ticket)
	require.NotNil(t, result.MFA.Challenge)
	assert.Equal(t, storage.MFATOTP, result.MFA.Challenge.MethodType)

	session, err := fx.store.Sessions().GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.False(t, session.MFAAsserted)

	// A mistyped code costs a challenge attempt, not the whole login.
	_, err = fx.engine.CompleteMFALogin(ctx, MFALoginRequest{
		Ticket:      result.MFA.Ticket,
		ChallengeID: result.MFA.Challenge.ChallengeID,
		Code:        wrongTOTPCode(t, secret, fx.clock.Now()),
	})
	assert.True(t, errors.IsMFAFailed(err))

	finished, err := fx.engine.CompleteMFALogin(ctx, MFALoginRequest{
		Ticket:      result.MFA.Ticket,
		ChallengeID: result.MFA.Challenge.ChallengeID,
		Code:        totpCode(t, secret, fx.clock.Now()),
	})
	require.NoError(t, err)
	require.NotNil(t, finished.Pair)
	assert.Equal(t, result.SessionID, finished.SessionID)

	session, err = fx.store.Sessions().GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.True(t, session.MFAAsserted)
	assert.NotEmpty(t, session.MFAMethodID)
	assert.Equal(t, "password+mfa", fx.emitter.last(t, EventLogin).Detail)

	// The ticket burned with the login; replaying the exchange fails.
	_, err = fx.engine.CompleteMFALogin(ctx, MFALoginRequest{
		Ticket:      result.MFA.Ticket,
		ChallengeID: result.MFA.Challenge.ChallengeID,
		Code:        totpCode(t, secret, fx.clock.Now()),
	})
	require.Error(t, err)
}
