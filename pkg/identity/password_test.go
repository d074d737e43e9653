// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entativa/eid/pkg/errors"
)

func TestChangePassword(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "omar", "omar@entativa.com", "the old password")
	login, err := fx.engine.Login(ctx, LoginRequest{Email: "omar@entativa.com", Password: "the old password"})
	require.NoError(t, err)

	result, err := fx.engine.ChangePassword(ctx, ChangePasswordRequest{
		IdentityID:      summary.ID,
		SessionID:       login.SessionID,
		CurrentPassword: "the old password",
		NewPassword:     "the new password",
	})
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Nil(t, result.MFA)

	_, err = fx.engine.Login(ctx, LoginRequest{Email: "omar@entativa.com", Password: "the old password"})
	assert.True(t, errors.IsInvalidCredentials(err))
	relogin, err := fx.engine.Login(ctx, LoginRequest{Email: "omar@entativa.com", Password: "the new password"})
	require.NoError(t, err)
	require.NotNil(t, relogin.Pair)

	identity, err := fx.store.Identities().GetIdentity(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, identity.PasswordRotations)

	event := fx.emitter.last(t, EventPasswordChanged)
	assert.Equal(t, summary.ID, event.IdentityID)
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	summary := registerUser(t, fx, "tara", "tara@entativa.com", "the old password")
	_, err := fx.engine.ChangePassword(t.Context(), ChangePasswordRequest{
		IdentityID:      summary.ID,
		CurrentPassword: "not the password",
		NewPassword:     "the new password",
	})
	assert.True(t, errors.IsInvalidCredentials(err))
}

func TestChangePasswordRequiresAuth(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	_, err := fx.engine.ChangePassword(t.Context(), ChangePasswordRequest{
		CurrentPassword: "whatever it was",
		NewPassword:     "the new password",
	})
	assert.True(t, errors.IsUnauthenticated(err))
}

func TestChangePasswordMFAGate(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "yuki", "yuki@entativa.com", "the old password")
	secret := enrollTOTP(t, fx, summary.ID, "yuki@entativa.com")
	fx.clock.Advance(35 * time.Second)

	// Without a session carrying a fresh assertion the change is held
	// behind a challenge.
	held, err := fx.engine.ChangePassword(ctx, ChangePasswordRequest{
		IdentityID:      summary.ID,
		CurrentPassword: "the old password",
		NewPassword:     "the new password",
	})
	require.NoError(t, err)
	assert.False(t, held.Changed)
	require.NotNil(t, held.MFA)

	done, err := fx.engine.ChangePassword(ctx, ChangePasswordRequest{
		IdentityID:      summary.ID,
		CurrentPassword: "the old password",
		NewPassword:     "the new password",
		ChallengeID:     held.MFA.ChallengeID,
		Code:            totpCode(t, secret, fx.clock.Now()),
	})
	require.NoError(t, err)
	assert.True(t, done.Changed)

	relogin, err := fx.engine.Login(ctx, LoginRequest{Email: "yuki@entativa.com", Password: "the new password"})
	require.NoError(t, err)
	assert.NotNil(t, relogin.MFA, "the new password is live; login still gates on the factor")
}

func TestChangePasswordFreshAssertionSkipsGate(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "ravi", "ravi@entativa.com", "the old password")
	secret := enrollTOTP(t, fx, summary.ID, "ravi@entativa.com")
	fx.clock.Advance(35 * time.Second)

	login, err := fx.engine.Login(ctx, LoginRequest{Email: "ravi@entativa.com", Password: "the old password"})
	require.NoError(t, err)
	require.NotNil(t, login.MFA)
	finished, err := fx.engine.CompleteMFALogin(ctx, MFALoginRequest{
		Ticket:      login.MFA.Ticket,
		ChallengeID: login.MFA.Challenge.ChallengeID,
		Code:        totpCode(t, secret, fx.clock.Now()),
	})
	require.NoError(t, err)

	result, err := fx.engine.ChangePassword(ctx, ChangePasswordRequest{
		IdentityID:      summary.ID,
		SessionID:       finished.SessionID,
		CurrentPassword: "the old password",
		NewPassword:     "the new password",
	})
	require.NoError(t, err)
	assert.True(t, result.Changed, "a session that just asserted the factor is not challenged again")
	assert.Nil(t, result.MFA)
}

func TestChangePasswordRevokesOthers(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "dana", "dana@entativa.com", "the old password")
	laptop, err := fx.engine.Login(ctx, LoginRequest{Email: "dana@entativa.com", Password: "the old password"})
	require.NoError(t, err)
	phone, err := fx.engine.Login(ctx, LoginRequest{Email: "dana@entativa.com", Password: "the old password"})
	require.NoError(t, err)

	result, err := fx.engine.ChangePassword(ctx, ChangePasswordRequest{
		IdentityID:      summary.ID,
		SessionID:       laptop.SessionID,
		CurrentPassword: "the old password",
		NewPassword:     "the new password",
		RevokeOthers:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.SessionsRevoked)

	kept, err := fx.store.Sessions().GetSession(ctx, laptop.SessionID)
	require.NoError(t, err)
	assert.True(t, kept.IsActive)
	dropped, err := fx.store.Sessions().GetSession(ctx, phone.SessionID)
	require.NoError(t, err)
	assert.False(t, dropped.IsActive)
}

func TestPasswordResetFlow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "iris", "iris@entativa.com", "the old password")
	_, err := fx.engine.Login(ctx, LoginRequest{Email: "iris@entativa.com", Password: "the old password"})
	require.NoError(t, err)

	require.NoError(t, fx.engine.RequestPasswordReset(ctx, "iris@entativa.com"))
	raw := fx.emitter.last(t, EventPasswordResetRequested).Token
	require.NotEmpty(t, raw, "the raw token travels to the mailer through the emitter")

	require.NoError(t, fx.engine.VerifyPasswordReset(ctx, raw))
	require.NoError(t, fx.engine.ConfirmPasswordReset(ctx, raw, "the new password"))

	active, err := fx.store.Sessions().ListSessions(ctx, summary.ID, true)
	require.NoError(t, err)
	assert.Empty(t, active, "redeeming the reset terminates every session")

	relogin, err := fx.engine.Login(ctx, LoginRequest{Email: "iris@entativa.com", Password: "the new password"})
	require.NoError(t, err)
	require.NotNil(t, relogin.Pair)

	assert.True(t, errors.IsInvalidGrant(fx.engine.VerifyPasswordReset(ctx, raw)), "a redeemed token is spent")
	assert.True(t, errors.IsInvalidGrant(fx.engine.ConfirmPasswordReset(ctx, raw, "yet another password")))
}

func TestPasswordResetUnknownEmail(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	require.NoError(t, fx.engine.RequestPasswordReset(t.Context(), "ghost@entativa.com"),
		"an unknown email reports success so the endpoint cannot probe for accounts")
	assert.Equal(t, 0, fx.emitter.count(EventPasswordResetRequested))
}

func TestPasswordResetClearsLockout(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	registerUser(t, fx, "felix", "felix@entativa.com", "the old password")
	for i := 0; i < 5; i++ {
		_, err := fx.engine.Login(ctx, LoginRequest{Email: "felix@entativa.com", Password: "not the password"})
		require.Error(t, err)
	}
	_, err := fx.engine.Login(ctx, LoginRequest{Email: "felix@entativa.com", Password: "the old password"})
	require.True(t, errors.IsAccountLocked(err))

	require.NoError(t, fx.engine.RequestPasswordReset(ctx, "felix@entativa.com"))
	raw := fx.emitter.last(t, EventPasswordResetRequested).Token
	require.NoError(t, fx.engine.ConfirmPasswordReset(ctx, raw, "the new password"))

	// Still inside the lockout window, but the token proved control of the
	// email, so the lock is gone.
	result, err := fx.engine.Login(ctx, LoginRequest{Email: "felix@entativa.com", Password: "the new password"})
	require.NoError(t, err)
	require.NotNil(t, result.Pair)
}

func TestCancelPasswordReset(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	registerUser(t, fx, "wren", "wren@entativa.com", "the old password")
	require.NoError(t, fx.engine.RequestPasswordReset(ctx, "wren@entativa.com"))
	raw := fx.emitter.last(t, EventPasswordResetRequested).Token

	require.NoError(t, fx.engine.CancelPasswordReset(ctx, raw))
	assert.True(t, errors.IsInvalidGrant(fx.engine.VerifyPasswordReset(ctx, raw)))
	assert.True(t, errors.IsInvalidGrant(fx.engine.ConfirmPasswordReset(ctx, raw, "the new password")))

	assert.NoError(t, fx.engine.CancelPasswordReset(ctx, raw), "cancelling twice is harmless")
	assert.NoError(t, fx.engine.CancelPasswordReset(ctx, ""))
}
