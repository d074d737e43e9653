// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package mfa implements second-factor enrolment, challenges and the
// policy gate. Methods are enrolled unverified and activated by proving
// possession once; every proof, enrolment included, flows through a
// single-use challenge so attempt counting and method lockout apply
// uniformly. TOTP secrets and SMS/email destinations are envelope-
// encrypted at rest; verification codes are stored only as hashes.
package mfa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/storage"
)

// Sender delivers one-time codes over an out-of-band channel. The
// destination is the decrypted phone number or email address.
// Implementations must never log the code.
type Sender interface {
	SendCode(ctx context.Context, method *storage.MFAMethod, destination, code string) error
}

// methodDefaults fixes the trust level and pick order per method kind.
// Trust feeds the policy gate's floor; priority orders the method chosen
// for a challenge when none is marked primary.
var methodDefaults = map[storage.MFAType]struct{ trust, priority int }{
	storage.MFATOTP:        {trust: 2, priority: 1},
	storage.MFASMS:         {trust: 1, priority: 2},
	storage.MFAEmail:       {trust: 1, priority: 3},
	storage.MFABackupCodes: {trust: 1, priority: 9},
}

// Engine is the second-factor engine. It owns method enrolment, challenge
// issuance and verification, backup codes and the policy decision of when
// a proof is demanded.
type Engine struct {
	store    storage.Store
	envelope *crypto.Envelope
	sender   Sender
	clock    clockwork.Clock
	cfg      config.MFAConfig
	policy   Policy
}

// NewEngine creates an MFA engine. sender may be nil when out-of-band
// delivery is not wired (tests, CLI tools); codes are then dropped.
func NewEngine(store storage.Store, envelope *crypto.Envelope, sender Sender, clock clockwork.Clock, cfg config.MFAConfig, policy Policy) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 10 * time.Minute
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxFailed <= 0 {
		cfg.MaxFailed = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = 10
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = 15 * time.Minute
	}
	return &Engine{
		store:    store,
		envelope: envelope,
		sender:   sender,
		clock:    clock,
		cfg:      cfg,
		policy:   policy,
	}
}

// Methods returns the second factors enrolled by an identity, primary
// first. Callers must not expose Identifier or SecretCiphertext.
func (e *Engine) Methods(ctx context.Context, identityID string) ([]*storage.MFAMethod, error) {
	return e.store.MFA().ListMFAMethods(ctx, identityID)
}

// getOwnedMethod loads a method and checks it belongs to the identity.
// Foreign methods surface as not found so ids cannot be probed.
func getOwnedMethod(ctx context.Context, st storage.Store, identityID, methodID string) (*storage.MFAMethod, error) {
	method, err := st.MFA().GetMFAMethod(ctx, methodID)
	if err != nil {
		return nil, err
	}
	if method.IdentityID != identityID {
		return nil, errors.NewNotFoundError("mfa method not found", nil)
	}
	return method, nil
}

// RemoveMethod deletes an enrolled method and its backup codes. When the
// primary method goes, the next verified one is promoted; when the last
// real second factor goes, the identity's MFA flag is cleared.
func (e *Engine) RemoveMethod(ctx context.Context, identityID, methodID string) error {
	return e.store.Tx(ctx, func(st storage.Store) error {
		method, err := getOwnedMethod(ctx, st, identityID, methodID)
		if err != nil {
			return err
		}
		if err := st.MFA().DeleteMFAMethod(ctx, methodID); err != nil {
			return err
		}

		remaining, err := st.MFA().ListMFAMethods(ctx, identityID)
		if err != nil {
			return err
		}
		if method.IsPrimary {
			for _, m := range remaining {
				if m.IsVerified {
					m.IsPrimary = true
					if err := st.MFA().UpdateMFAMethod(ctx, m); err != nil {
						return err
					}
					break
				}
			}
		}
		return e.syncIdentityFlag(ctx, st, identityID, remaining)
	})
}

// SetPrimary marks a verified method as the preferred second factor.
func (e *Engine) SetPrimary(ctx context.Context, identityID, methodID string) error {
	return e.store.Tx(ctx, func(st storage.Store) error {
		method, err := getOwnedMethod(ctx, st, identityID, methodID)
		if err != nil {
			return err
		}
		if !method.IsVerified {
			return errors.NewInvalidArgumentError("method is not verified", nil)
		}
		if method.IsPrimary {
			return nil
		}

		methods, err := st.MFA().ListMFAMethods(ctx, identityID)
		if err != nil {
			return err
		}
		for _, m := range methods {
			if m.IsPrimary && m.ID != methodID {
				m.IsPrimary = false
				if err := st.MFA().UpdateMFAMethod(ctx, m); err != nil {
					return err
				}
			}
		}
		method.IsPrimary = true
		return st.MFA().UpdateMFAMethod(ctx, method)
	})
}

// syncIdentityFlag recomputes Identity.MFAEnabled from the enrolled
// methods. Backup codes alone are a recovery path, not a second factor,
// so they never keep the flag on.
func (e *Engine) syncIdentityFlag(ctx context.Context, st storage.Store, identityID string, methods []*storage.MFAMethod) error {
	enabled := false
	for _, m := range methods {
		if m.IsVerified && m.Type != storage.MFABackupCodes {
			enabled = true
			break
		}
	}

	identity, err := st.Identities().GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if identity.MFAEnabled == enabled {
		return nil
	}
	identity.MFAEnabled = enabled
	return st.Identities().UpdateIdentity(ctx, identity)
}

// deliver hands a code to the configured sender. A nil sender drops it,
// which only makes sense in tests and one-off tooling.
func (e *Engine) deliver(ctx context.Context, method *storage.MFAMethod, code string) error {
	if e.sender == nil {
		logger.Debugf("no mfa sender configured; dropping code for method %s", method.ID)
		return nil
	}
	destination, err := e.envelope.DecryptString(method.Identifier, []byte(method.ID))
	if err != nil {
		return err
	}
	return e.sender.SendCode(ctx, method, destination, code)
}

// hashCode hashes an SMS/email verification code for storage and compare.
func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// maskPhone renders a phone number hint: leading country digits and the
// last four survive, the middle is a fixed run of bullets so the hint
// does not leak the number's length.
func maskPhone(phone string) string {
	if len(phone) < 7 {
		return "•••••"
	}
	return phone[:2] + "•••••" + phone[len(phone)-4:]
}

// maskEmail renders an email hint: first rune of the local part plus the
// domain, e.g. "a•••@example.com".
func maskEmail(email string) string {
	for i, r := range email {
		if r == '@' {
			if i == 0 {
				return "•••" + email[i:]
			}
			return email[:1] + "•••" + email[i:]
		}
	}
	return "•••"
}
