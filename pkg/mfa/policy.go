// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package mfa

import (
	"context"
	"time"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// Policy declares which operations demand a second factor, the minimum
// trust level a method must carry, and which method kinds may be picked
// for the challenge. Backup codes are answered when the client asks for
// them explicitly but are never auto-picked.
type Policy struct {
	Purposes      map[storage.ChallengePurpose]bool
	MinTrustLevel int
	AllowedTypes  []storage.MFAType
}

// DefaultPolicy gates logins, password changes and sensitive operations
// behind any real enrolled factor, with no trust floor.
func DefaultPolicy() Policy {
	return Policy{
		Purposes: map[storage.ChallengePurpose]bool{
			storage.PurposeLogin:          true,
			storage.PurposePasswordChange: true,
			storage.PurposeSensitiveOp:    true,
		},
		AllowedTypes: []storage.MFAType{storage.MFATOTP, storage.MFASMS, storage.MFAEmail},
	}
}

func (p Policy) allows(typ storage.MFAType) bool {
	for _, t := range p.AllowedTypes {
		if t == typ {
			return true
		}
	}
	return false
}

// Decision is the outcome of the policy gate: either the operation may
// proceed, or the enclosed challenge must be answered first.
type Decision struct {
	Satisfied bool
	Challenge *IssuedChallenge
}

// Require decides whether purpose needs a second-factor proof from this
// identity right now. A session that asserted MFA within the freshness
// window satisfies the gate; otherwise a challenge is opened against the
// best eligible method. session may be nil (no session exists yet at
// login time).
func (e *Engine) Require(ctx context.Context, identity *storage.Identity, session *storage.Session, purpose storage.ChallengePurpose) (*Decision, error) {
	if !e.policy.Purposes[purpose] || !identity.MFAEnabled {
		return &Decision{Satisfied: true}, nil
	}

	now := e.clock.Now()
	if session != nil && session.MFAAsserted && session.MFAAssertedAt != nil &&
		now.Before(session.MFAAssertedAt.Add(e.cfg.Freshness)) {
		return &Decision{Satisfied: true}, nil
	}

	method, err := e.pickMethod(ctx, identity.ID, now)
	if err != nil {
		return nil, err
	}
	challenge, err := e.Issue(ctx, identity.ID, method.ID, purpose)
	if err != nil {
		return nil, err
	}
	return &Decision{Challenge: challenge}, nil
}

// pickMethod chooses the method a policy-driven challenge goes to:
// the first verified, policy-eligible, unlocked method in primary-first
// order.
func (e *Engine) pickMethod(ctx context.Context, identityID string, now time.Time) (*storage.MFAMethod, error) {
	methods, err := e.store.MFA().ListMFAMethods(ctx, identityID)
	if err != nil {
		return nil, err
	}

	eligible, locked := 0, 0
	for _, m := range methods {
		if !m.IsVerified || !e.policy.allows(m.Type) || m.TrustLevel < e.policy.MinTrustLevel {
			continue
		}
		eligible++
		if m.LockedUntil != nil && now.Before(*m.LockedUntil) {
			locked++
			continue
		}
		return m, nil
	}

	if eligible > 0 && eligible == locked {
		return nil, errors.NewAccountLockedError("all second factors are temporarily locked", nil)
	}
	return nil, errors.NewMFARequiredError("no usable second factor is enrolled", nil)
}
