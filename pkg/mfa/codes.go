// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package mfa

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// codeDigits is the length of SMS and email verification codes.
const codeDigits = 6

// CodeEnrollment describes a pending SMS or email enrolment: the method
// exists but stays unverified until the delivered code comes back
// through Verify.
type CodeEnrollment struct {
	MethodID    string
	ChallengeID string
	MaskedHint  string
	ExpiresAt   time.Time
}

// EnrollSMS provisions a phone-based method and dispatches the first
// verification code to it.
func (e *Engine) EnrollSMS(ctx context.Context, identityID, phone string) (*CodeEnrollment, error) {
	phone = strings.TrimSpace(phone)
	if len(phone) < 7 || !strings.HasPrefix(phone, "+") {
		return nil, errors.NewInvalidArgumentError("phone number must be in E.164 form", nil)
	}
	return e.enrollCodeMethod(ctx, identityID, storage.MFASMS, phone, maskPhone(phone))
}

// EnrollEmail provisions an email-based method and dispatches the first
// verification code to it.
func (e *Engine) EnrollEmail(ctx context.Context, identityID, email string) (*CodeEnrollment, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.ContainsRune(email, '@') {
		return nil, errors.NewInvalidArgumentError("email address is malformed", nil)
	}
	return e.enrollCodeMethod(ctx, identityID, storage.MFAEmail, email, maskEmail(email))
}

func (e *Engine) enrollCodeMethod(ctx context.Context, identityID string, typ storage.MFAType, destination, masked string) (*CodeEnrollment, error) {
	if identityID == "" {
		return nil, errors.NewInvalidArgumentError("identity id is required", nil)
	}

	methodID := uuid.NewString()
	ciphertext, err := e.envelope.EncryptString(destination, []byte(methodID))
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	method := &storage.MFAMethod{
		ID:               methodID,
		IdentityID:       identityID,
		Type:             typ,
		Identifier:       ciphertext,
		MaskedIdentifier: masked,
		Priority:         methodDefaults[typ].priority,
		TrustLevel:       methodDefaults[typ].trust,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	code, err := crypto.RandomDigits(codeDigits)
	if err != nil {
		return nil, err
	}

	var challenge *storage.MFAChallenge
	err = e.store.Tx(ctx, func(st storage.Store) error {
		if err := st.MFA().CreateMFAMethod(ctx, method); err != nil {
			return err
		}
		challenge, err = e.insertChallenge(ctx, st, method, storage.PurposeEnrollment, hashCode(code))
		return err
	})
	if err != nil {
		return nil, err
	}

	// Dispatch after commit: a failed send leaves a challenge nobody can
	// answer, which simply expires. The caller retries via Issue.
	if err := e.deliver(ctx, method, code); err != nil {
		return nil, err
	}

	return &CodeEnrollment{
		MethodID:    methodID,
		ChallengeID: challenge.ID,
		MaskedHint:  masked,
		ExpiresAt:   challenge.ExpiresAt,
	}, nil
}
