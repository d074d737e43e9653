// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package mfa

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// TOTP parameters. RFC 6238 defaults: SHA-1, six digits, 30-second
// steps, one step of clock skew either way. The 20-byte secret is the
// RFC 4226 recommended length.
const (
	otpIssuer       = "Entativa ID"
	totpPeriod      = 30
	totpSkew        = 1
	totpSecretBytes = 20
)

// TOTPEnrollment is returned exactly once at enrolment. The secret and
// provisioning URL are never reconstructable afterwards; the client must
// prove possession via the enclosed challenge before the method counts.
type TOTPEnrollment struct {
	MethodID    string
	ChallengeID string

	// Secret is the shared secret, Base32 encoded for manual entry.
	Secret string

	// URL is the otpauth:// provisioning URI authenticator apps import,
	// usually rendered as a QR code.
	URL string

	ExpiresAt time.Time
}

// EnrollTOTP provisions a new authenticator-app method for an identity.
// The method stays unverified until the enrolment challenge is answered
// with a valid code.
func (e *Engine) EnrollTOTP(ctx context.Context, identityID, accountName string) (*TOTPEnrollment, error) {
	accountName = strings.TrimSpace(accountName)
	if identityID == "" || accountName == "" {
		return nil, errors.NewInvalidArgumentError("identity id and account name are required", nil)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      otpIssuer,
		AccountName: accountName,
		Period:      totpPeriod,
		SecretSize:  totpSecretBytes,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, errors.NewCryptoError("generating totp key", err)
	}

	methodID := uuid.NewString()
	ciphertext, err := e.envelope.EncryptString(key.Secret(), []byte(methodID))
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	method := &storage.MFAMethod{
		ID:               methodID,
		IdentityID:       identityID,
		Type:             storage.MFATOTP,
		MaskedIdentifier: "authenticator app",
		SecretCiphertext: ciphertext,
		Priority:         methodDefaults[storage.MFATOTP].priority,
		TrustLevel:       methodDefaults[storage.MFATOTP].trust,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var challenge *storage.MFAChallenge
	err = e.store.Tx(ctx, func(st storage.Store) error {
		if err := st.MFA().CreateMFAMethod(ctx, method); err != nil {
			return err
		}
		challenge, err = e.insertChallenge(ctx, st, method, storage.PurposeEnrollment, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	return &TOTPEnrollment{
		MethodID:    methodID,
		ChallengeID: challenge.ID,
		Secret:      key.Secret(),
		URL:         key.URL(),
		ExpiresAt:   challenge.ExpiresAt,
	}, nil
}

// checkTOTP validates a code against the method's decrypted secret at the
// engine's current time. Malformed codes count as a failed match, not an
// error; only decryption problems surface.
func (e *Engine) checkTOTP(method *storage.MFAMethod, code string) (bool, error) {
	secret, err := e.envelope.DecryptString(method.SecretCiphertext, []byte(method.ID))
	if err != nil {
		return false, err
	}
	ok, err := totp.ValidateCustom(code, secret, e.clock.Now(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, nil
	}
	return ok, nil
}
