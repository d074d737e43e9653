// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package mfa

import (
	"context"
	"encoding/base32"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// backupCodeBytes is the entropy per recovery code: 40 bits rendered as
// eight Base32 characters, split for readability ("q3kf-7wzp").
const backupCodeBytes = 5

// backupEncoding renders codes in lowercase Base32 without padding.
var backupEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// fakeBackupHash is a bcrypt hash of nothing any user holds. Comparing a
// candidate against it keeps backup-code verification from answering
// faster when every stored row has been used up.
var fakeBackupHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		// bcrypt only fails on oversized input; a uuid never is.
		panic(err)
	}
	return hash
})

// BackupCodes carries the one-time reveal of freshly generated recovery
// codes. The plaintext is never reconstructable afterwards.
type BackupCodes struct {
	MethodID string
	Codes    []string
}

// GenerateBackupCodes mints a fresh set of single-use recovery codes for
// an identity, replacing any previous set, used or not. Codes are stored
// as individual bcrypt rows and revealed exactly once in the return
// value.
func (e *Engine) GenerateBackupCodes(ctx context.Context, identityID string) (*BackupCodes, error) {
	if identityID == "" {
		return nil, errors.NewInvalidArgumentError("identity id is required", nil)
	}

	plaintexts := make([]string, 0, e.cfg.BackupCodeCount)
	for i := 0; i < e.cfg.BackupCodeCount; i++ {
		code, err := newBackupCode()
		if err != nil {
			return nil, err
		}
		plaintexts = append(plaintexts, code)
	}

	var methodID string
	err := e.store.Tx(ctx, func(st storage.Store) error {
		method, err := e.backupMethod(ctx, st, identityID)
		if err != nil {
			return err
		}
		methodID = method.ID

		if err := st.MFA().DeleteBackupCodes(ctx, methodID); err != nil {
			return err
		}

		now := e.clock.Now().UTC()
		rows := make([]*storage.BackupCode, 0, len(plaintexts))
		for _, code := range plaintexts {
			hash, err := bcrypt.GenerateFromPassword([]byte(normalizeBackupCode(code)), bcrypt.DefaultCost)
			if err != nil {
				return errors.NewCryptoError("hashing backup code", err)
			}
			rows = append(rows, &storage.BackupCode{
				ID:         uuid.NewString(),
				IdentityID: identityID,
				MethodID:   methodID,
				CodeHash:   string(hash),
				CreatedAt:  now,
			})
		}
		return st.MFA().CreateBackupCodes(ctx, rows)
	})
	if err != nil {
		return nil, err
	}

	return &BackupCodes{MethodID: methodID, Codes: plaintexts}, nil
}

// backupMethod finds the identity's backup-code method, creating it on
// first generation. The method is usable immediately; possession of the
// revealed codes is the proof.
func (e *Engine) backupMethod(ctx context.Context, st storage.Store, identityID string) (*storage.MFAMethod, error) {
	methods, err := st.MFA().ListMFAMethods(ctx, identityID)
	if err != nil {
		return nil, err
	}
	for _, m := range methods {
		if m.Type == storage.MFABackupCodes {
			return m, nil
		}
	}

	now := e.clock.Now().UTC()
	method := &storage.MFAMethod{
		ID:               uuid.NewString(),
		IdentityID:       identityID,
		Type:             storage.MFABackupCodes,
		MaskedIdentifier: "backup codes",
		IsVerified:       true,
		Priority:         methodDefaults[storage.MFABackupCodes].priority,
		TrustLevel:       methodDefaults[storage.MFABackupCodes].trust,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := st.MFA().CreateMFAMethod(ctx, method); err != nil {
		return nil, err
	}
	return method, nil
}

// consumeBackupCode matches a candidate against the method's unused rows
// and burns the row it matches. A row stolen by a concurrent verify
// counts as a mismatch. When nothing matches, one comparison against a
// fake hash runs anyway so elapsed time does not reveal whether unused
// codes remain.
func (e *Engine) consumeBackupCode(ctx context.Context, st storage.Store, method *storage.MFAMethod, code string, now time.Time) (bool, error) {
	candidate := []byte(normalizeBackupCode(code))

	rows, err := st.MFA().ListBackupCodes(ctx, method.ID)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if row.UsedAt != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(row.CodeHash), candidate) != nil {
			continue
		}
		if err := st.MFA().MarkBackupCodeUsed(ctx, row.ID, now.UTC()); err != nil {
			if errors.IsConflict(err) || errors.IsNotFound(err) {
				continue
			}
			return false, err
		}
		return true, nil
	}

	_ = bcrypt.CompareHashAndPassword(fakeBackupHash(), candidate)
	return false, nil
}

// RemainingBackupCodes counts the identity's unused recovery codes.
func (e *Engine) RemainingBackupCodes(ctx context.Context, identityID string) (int, error) {
	methods, err := e.store.MFA().ListMFAMethods(ctx, identityID)
	if err != nil {
		return 0, err
	}
	for _, m := range methods {
		if m.Type != storage.MFABackupCodes {
			continue
		}
		rows, err := e.store.MFA().ListBackupCodes(ctx, m.ID)
		if err != nil {
			return 0, err
		}
		remaining := 0
		for _, row := range rows {
			if row.UsedAt == nil {
				remaining++
			}
		}
		return remaining, nil
	}
	return 0, nil
}

// newBackupCode mints one recovery code, e.g. "q3kf-7wzp".
func newBackupCode() (string, error) {
	raw, err := crypto.RandomBytes(backupCodeBytes)
	if err != nil {
		return "", err
	}
	s := strings.ToLower(backupEncoding.EncodeToString(raw))
	return s[:4] + "-" + s[4:], nil
}

// normalizeBackupCode strips the grouping separator and whitespace so
// codes compare the same however the user typed them.
func normalizeBackupCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}
