// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package mfa

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/storage"
)

// IssuedChallenge is what the caller relays to the client: an opaque
// challenge id, a hint about where the code went, and the deadline.
type IssuedChallenge struct {
	ChallengeID string
	MethodID    string
	MethodType  storage.MFAType
	MaskedHint  string
	ExpiresAt   time.Time
}

// insertChallenge writes a pending challenge for a method. Delivered
// enrolment codes live as long as the code TTL; every other challenge
// uses the shorter challenge TTL.
func (e *Engine) insertChallenge(ctx context.Context, st storage.Store, method *storage.MFAMethod, purpose storage.ChallengePurpose, codeHash string) (*storage.MFAChallenge, error) {
	now := e.clock.Now().UTC()
	ttl := e.cfg.ChallengeTTL
	if purpose == storage.PurposeEnrollment && codeHash != "" {
		ttl = e.cfg.CodeTTL
	}

	challenge := &storage.MFAChallenge{
		ID:          uuid.NewString(),
		IdentityID:  method.IdentityID,
		MethodID:    method.ID,
		Purpose:     purpose,
		CodeHash:    codeHash,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		MaxAttempts: e.cfg.MaxAttempts,
		Status:      storage.ChallengePending,
	}
	if err := st.MFA().CreateMFAChallenge(ctx, challenge); err != nil {
		return nil, err
	}
	return challenge, nil
}

// Issue opens a challenge against one of the identity's methods. SMS and
// email methods get a fresh code dispatched; TOTP and backup-code
// challenges verify against the method itself.
func (e *Engine) Issue(ctx context.Context, identityID, methodID string, purpose storage.ChallengePurpose) (*IssuedChallenge, error) {
	method, err := getOwnedMethod(ctx, e.store, identityID, methodID)
	if err != nil {
		return nil, err
	}

	switch method.Type {
	case storage.MFATOTP, storage.MFASMS, storage.MFAEmail, storage.MFABackupCodes:
	default:
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("method type %q cannot be challenged", method.Type), nil)
	}

	now := e.clock.Now()
	if method.LockedUntil != nil && now.Before(*method.LockedUntil) {
		return nil, errors.NewAccountLockedError("second factor is temporarily locked", nil)
	}
	if !method.IsVerified && purpose != storage.PurposeEnrollment {
		return nil, errors.NewInvalidArgumentError("method is not verified", nil)
	}

	var code, codeHash string
	if method.Type == storage.MFASMS || method.Type == storage.MFAEmail {
		if code, err = crypto.RandomDigits(codeDigits); err != nil {
			return nil, err
		}
		codeHash = hashCode(code)
	}

	challenge, err := e.insertChallenge(ctx, e.store, method, purpose, codeHash)
	if err != nil {
		return nil, err
	}
	if code != "" {
		if err := e.deliver(ctx, method, code); err != nil {
			return nil, err
		}
	}

	return &IssuedChallenge{
		ChallengeID: challenge.ID,
		MethodID:    method.ID,
		MethodType:  method.Type,
		MaskedHint:  method.MaskedIdentifier,
		ExpiresAt:   challenge.ExpiresAt,
	}, nil
}

// Verify consumes a pending challenge with a code. On success the
// challenge transitions to consumed and the caller learns its purpose
// and identity; a successful enrolment proof additionally activates the
// method. Wrong codes burn an attempt; the attempt that exhausts the
// challenge fails it and counts against the method, which locks after
// too many consecutive failed challenges.
func (e *Engine) Verify(ctx context.Context, challengeID, code string) (*storage.MFAChallenge, error) {
	code = strings.TrimSpace(code)

	// Failure bookkeeping must commit, so authentication verdicts ride a
	// separate variable instead of the transaction error.
	var (
		consumed   *storage.MFAChallenge
		verdictErr error
	)
	err := e.store.Tx(ctx, func(st storage.Store) error {
		verdictErr = nil
		challenge, err := st.MFA().GetMFAChallenge(ctx, challengeID)
		if err != nil {
			return err
		}
		now := e.clock.Now()

		if challenge.Status != storage.ChallengePending {
			verdictErr = errors.NewMFAFailedError("challenge is no longer usable", nil)
			return nil
		}
		if !now.Before(challenge.ExpiresAt) {
			challenge.Status = storage.ChallengeExpired
			if err := st.MFA().UpdateMFAChallenge(ctx, challenge); err != nil {
				return err
			}
			verdictErr = errors.NewMFAFailedError("challenge expired", nil)
			return nil
		}

		method, err := st.MFA().GetMFAMethod(ctx, challenge.MethodID)
		if err != nil {
			return err
		}
		if method.LockedUntil != nil && now.Before(*method.LockedUntil) {
			verdictErr = errors.NewAccountLockedError("second factor is temporarily locked", nil)
			return nil
		}

		ok, err := e.matchCode(ctx, st, challenge, method, code, now)
		if err != nil {
			return err
		}
		if !ok {
			challenge.Attempts++
			if challenge.Attempts >= challenge.MaxAttempts {
				challenge.Status = storage.ChallengeFailed
			}
			if err := st.MFA().UpdateMFAChallenge(ctx, challenge); err != nil {
				return err
			}
			if challenge.Status == storage.ChallengeFailed {
				if err := e.recordMethodFailure(ctx, st, method, now); err != nil {
					return err
				}
			}
			verdictErr = errors.NewMFAFailedError("code does not match", nil)
			return nil
		}

		challenge.Status = storage.ChallengeConsumed
		if err := st.MFA().UpdateMFAChallenge(ctx, challenge); err != nil {
			return err
		}
		if err := e.recordMethodSuccess(ctx, st, method, challenge.Purpose, now); err != nil {
			return err
		}
		consumed = challenge
		return nil
	})
	if err != nil {
		return nil, err
	}
	if verdictErr != nil {
		return nil, verdictErr
	}
	return consumed, nil
}

// matchCode dispatches code verification by method kind.
func (e *Engine) matchCode(ctx context.Context, st storage.Store, challenge *storage.MFAChallenge, method *storage.MFAMethod, code string, now time.Time) (bool, error) {
	switch method.Type {
	case storage.MFATOTP:
		return e.checkTOTP(method, code)
	case storage.MFASMS, storage.MFAEmail:
		if challenge.CodeHash == "" {
			return false, nil
		}
		return subtle.ConstantTimeCompare([]byte(hashCode(code)), []byte(challenge.CodeHash)) == 1, nil
	case storage.MFABackupCodes:
		return e.consumeBackupCode(ctx, st, method, code, now)
	default:
		return false, errors.NewInvalidArgumentError(fmt.Sprintf("method type %q cannot be challenged", method.Type), nil)
	}
}

// recordMethodFailure counts one failed challenge against the method.
// Hitting the consecutive-failure ceiling locks the method for the
// cooldown and restarts the count.
func (e *Engine) recordMethodFailure(ctx context.Context, st storage.Store, method *storage.MFAMethod, now time.Time) error {
	method.FailedCount++
	if method.FailedCount >= e.cfg.MaxFailed {
		lockedUntil := now.UTC().Add(e.cfg.Cooldown)
		method.LockedUntil = &lockedUntil
		method.FailedCount = 0
	}
	return st.MFA().UpdateMFAMethod(ctx, method)
}

// recordMethodSuccess resets failure tracking and bumps usage counters.
// An enrolment proof activates the method; the identity's first active
// second factor becomes primary and flips the identity's MFA flag on.
func (e *Engine) recordMethodSuccess(ctx context.Context, st storage.Store, method *storage.MFAMethod, purpose storage.ChallengePurpose, now time.Time) error {
	nowUTC := now.UTC()
	method.UseCount++
	method.LastUsedAt = &nowUTC
	method.FailedCount = 0
	method.LockedUntil = nil

	activated := purpose == storage.PurposeEnrollment && !method.IsVerified
	if activated {
		method.IsVerified = true
	}
	if err := st.MFA().UpdateMFAMethod(ctx, method); err != nil {
		return err
	}
	if !activated {
		return nil
	}

	methods, err := st.MFA().ListMFAMethods(ctx, method.IdentityID)
	if err != nil {
		return err
	}
	if method.Type != storage.MFABackupCodes {
		hasPrimary := false
		for _, m := range methods {
			if m.IsPrimary {
				hasPrimary = true
				break
			}
		}
		if !hasPrimary {
			method.IsPrimary = true
			if err := st.MFA().UpdateMFAMethod(ctx, method); err != nil {
				return err
			}
		}
	}
	return e.syncIdentityFlag(ctx, st, method.IdentityID, methods)
}

// ExpireChallenges sweeps pending challenges past their deadline. Verify
// expires lazily as well; the periodic sweep keeps the table honest for
// challenges nobody ever answers.
func (e *Engine) ExpireChallenges(ctx context.Context) (int64, error) {
	n, err := e.store.MFA().ExpireMFAChallenges(ctx, e.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Debugf("expired %d mfa challenges", n)
	}
	return n, nil
}
