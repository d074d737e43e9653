// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"

	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/mfa"
	"github.com/entativa/eid/pkg/storage"
)

// ChangePasswordRequest carries an authenticated password change.
// SessionID names the caller's login session so it survives RevokeOthers
// and so a fresh MFA assertion on it satisfies the gate. ChallengeID and
// Code answer a challenge issued by an earlier attempt.
type ChangePasswordRequest struct {
	IdentityID      string `json:"-"`
	SessionID       string `json:"-"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	RevokeOthers    bool   `json:"revoke_other_sessions,omitempty"`
	ChallengeID     string `json:"challenge_id,omitempty"`
	Code            string `json:"code,omitempty"`
}

// ChangePasswordResult reports a finished change, or the challenge that
// must be answered before retrying the same request.
type ChangePasswordResult struct {
	Changed         bool                 `json:"changed"`
	MFA             *mfa.IssuedChallenge `json:"challenge,omitempty"`
	SessionsRevoked int64                `json:"sessions_revoked,omitempty"`
}

// ChangePassword replaces the password of an authenticated identity. The
// current password is always re-verified; when policy demands a second
// factor the result carries a challenge instead of the change.
func (e *Engine) ChangePassword(ctx context.Context, req ChangePasswordRequest) (*ChangePasswordResult, error) {
	if req.IdentityID == "" {
		return nil, errors.NewUnauthenticatedError("no authenticated identity", nil)
	}
	if err := validatePassword(req.NewPassword); err != nil {
		return nil, err
	}

	identity, err := e.store.Identities().GetIdentity(ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}
	verdict, err := e.hasher.Verify(req.CurrentPassword, identity.PasswordHash)
	if err != nil {
		return nil, err
	}
	if verdict == crypto.VerifyNo {
		return nil, errors.NewInvalidCredentialsError("current password is incorrect", nil)
	}

	var session *storage.Session
	if req.SessionID != "" {
		session, err = e.store.Sessions().GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if session.IdentityID != identity.ID {
			return nil, errors.NewUnauthenticatedError("session does not belong to this identity", nil)
		}
	}

	// An answered challenge satisfies the gate for this call even when no
	// session carries the assertion forward.
	proved := false
	if req.ChallengeID != "" {
		challenge, err := e.mfa.Verify(ctx, req.ChallengeID, req.Code)
		if err != nil {
			return nil, err
		}
		if challenge.IdentityID != identity.ID || challenge.Purpose != storage.PurposePasswordChange {
			return nil, errors.NewMFAFailedError("challenge was not issued for this change", nil)
		}
		proved = true
		if session != nil {
			now := e.clock.Now().UTC()
			session.MFAAsserted = true
			session.MFAAssertedAt = &now
			session.MFAMethodID = challenge.MethodID
			if err := e.store.Sessions().UpdateSession(ctx, session); err != nil {
				return nil, err
			}
		}
	}
	if !proved {
		decision, err := e.mfa.Require(ctx, identity, session, storage.PurposePasswordChange)
		if err != nil {
			return nil, err
		}
		if !decision.Satisfied {
			return &ChangePasswordResult{MFA: decision.Challenge}, nil
		}
	}

	hash, err := e.hasher.Hash(req.NewPassword)
	if err != nil {
		return nil, err
	}

	var revoked int64
	err = e.store.Tx(ctx, func(tx storage.Store) error {
		revoked = 0
		fresh, err := tx.Identities().GetIdentity(ctx, identity.ID)
		if err != nil {
			return err
		}
		fresh.PasswordHash = hash
		fresh.PasswordChangedAt = e.clock.Now().UTC()
		fresh.PasswordRotations++
		fresh.FailedLoginAttempts = 0
		fresh.LockedUntil = nil
		if err := tx.Identities().UpdateIdentity(ctx, fresh); err != nil {
			return err
		}
		if req.RevokeOthers {
			revoked, err = e.tokens.RevokeIdentitySessions(ctx, tx, identity.ID, req.SessionID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, Event{
		Type:       EventPasswordChanged,
		IdentityID: identity.ID,
		SessionID:  req.SessionID,
		Email:      identity.Email,
	})
	return &ChangePasswordResult{Changed: true, SessionsRevoked: revoked}, nil
}

// RequestPasswordReset opens the email reset flow. The raw token travels
// only through the emitter for out-of-band delivery; an unknown email
// reports success without issuing anything, so the endpoint cannot be
// used to probe for accounts.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}

	identity, err := e.store.Identities().GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}

	var raw string
	err = e.store.Tx(ctx, func(tx storage.Store) error {
		issued, err := e.tokens.IssueResetToken(ctx, tx, identity.ID)
		if err != nil {
			return err
		}
		raw = issued
		return nil
	})
	if err != nil {
		return err
	}

	e.emit(ctx, Event{
		Type:       EventPasswordResetRequested,
		IdentityID: identity.ID,
		Email:      identity.Email,
		Token:      raw,
	})
	return nil
}

// VerifyPasswordReset reports whether a reset token is still redeemable,
// without consuming it.
func (e *Engine) VerifyPasswordReset(ctx context.Context, raw string) error {
	_, err := e.tokens.CheckResetToken(ctx, raw)
	return err
}

// ConfirmPasswordReset redeems a reset token: the password is replaced,
// the token consumed and every session terminated, in one transaction.
// Redeeming also clears any lockout, since the token proves control of
// the email.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, raw, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	var identity *storage.Identity
	err = e.store.Tx(ctx, func(tx storage.Store) error {
		ticket, err := e.tokens.ConsumeResetToken(ctx, tx, raw)
		if err != nil {
			return err
		}
		identity, err = tx.Identities().GetIdentity(ctx, ticket.IdentityID)
		if err != nil {
			return err
		}
		identity.PasswordHash = hash
		identity.PasswordChangedAt = e.clock.Now().UTC()
		identity.PasswordRotations++
		identity.FailedLoginAttempts = 0
		identity.LockedUntil = nil
		if err := tx.Identities().UpdateIdentity(ctx, identity); err != nil {
			return err
		}
		_, err = e.tokens.RevokeIdentitySessions(ctx, tx, identity.ID, "")
		return err
	})
	if err != nil {
		return err
	}

	e.emit(ctx, Event{
		Type:       EventPasswordReset,
		IdentityID: identity.ID,
		Email:      identity.Email,
	})
	return nil
}

// CancelPasswordReset withdraws an unused reset token.
func (e *Engine) CancelPasswordReset(ctx context.Context, raw string) error {
	return e.tokens.CancelResetToken(ctx, raw)
}
