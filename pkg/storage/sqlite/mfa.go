// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// mfaStore implements storage.MFAStore.
type mfaStore struct {
	s *Store
}

var _ storage.MFAStore = (*mfaStore)(nil)

const mfaMethodColumns = `id, identity_id, method_type, identifier, masked_identifier,
	secret_ciphertext, is_primary, is_verified, priority, trust_level,
	use_count, failed_count, last_used_at, locked_until, created_at, updated_at, version`

// CreateMFAMethod inserts an enrolled second factor.
func (st *mfaStore) CreateMFAMethod(ctx context.Context, method *storage.MFAMethod) error {
	_, err := st.s.q.ExecContext(ctx, `
		INSERT INTO mfa_methods (
			id, identity_id, method_type, identifier, masked_identifier,
			secret_ciphertext, is_primary, is_verified, priority, trust_level,
			use_count, failed_count, last_used_at, locked_until,
			created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		method.ID,
		method.IdentityID,
		string(method.Type),
		method.Identifier,
		method.MaskedIdentifier,
		method.SecretCiphertext,
		method.IsPrimary,
		method.IsVerified,
		method.Priority,
		method.TrustLevel,
		method.UseCount,
		method.FailedCount,
		nullTime(method.LastUsedAt),
		nullTime(method.LockedUntil),
		formatTime(method.CreatedAt),
		formatTime(method.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("mfa method already exists", err)
		}
		return fmt.Errorf("inserting mfa method: %w", err)
	}
	method.Version = 1
	return nil
}

// GetMFAMethod retrieves a method by id.
func (st *mfaStore) GetMFAMethod(ctx context.Context, id string) (*storage.MFAMethod, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+mfaMethodColumns+` FROM mfa_methods WHERE id = ?`, id)
	return scanMFAMethod(row)
}

// ListMFAMethods returns the methods enrolled by an identity, primary
// first, then by configured priority.
func (st *mfaStore) ListMFAMethods(ctx context.Context, identityID string) ([]*storage.MFAMethod, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+mfaMethodColumns+` FROM mfa_methods
		 WHERE identity_id = ?
		 ORDER BY is_primary DESC, priority, created_at`,
		identityID)
	if err != nil {
		return nil, fmt.Errorf("querying mfa methods: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var methods []*storage.MFAMethod
	for rows.Next() {
		m, err := scanMFAMethod(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mfa method rows: %w", err)
	}
	return methods, nil
}

// UpdateMFAMethod writes a method back, guarded by its version.
func (st *mfaStore) UpdateMFAMethod(ctx context.Context, method *storage.MFAMethod) error {
	now := time.Now().UTC()
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE mfa_methods SET
			identifier = ?, masked_identifier = ?, secret_ciphertext = ?,
			is_primary = ?, is_verified = ?, priority = ?, trust_level = ?,
			use_count = ?, failed_count = ?, last_used_at = ?, locked_until = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		method.Identifier,
		method.MaskedIdentifier,
		method.SecretCiphertext,
		method.IsPrimary,
		method.IsVerified,
		method.Priority,
		method.TrustLevel,
		method.UseCount,
		method.FailedCount,
		nullTime(method.LastUsedAt),
		nullTime(method.LockedUntil),
		formatTime(now),
		method.ID,
		method.Version,
	)
	if err != nil {
		return fmt.Errorf("updating mfa method: %w", err)
	}
	if err := optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM mfa_methods WHERE id = ?`, method.ID); err != nil {
		return err
	}
	method.Version++
	method.UpdatedAt = now
	return nil
}

// DeleteMFAMethod removes a method and its backup codes.
func (st *mfaStore) DeleteMFAMethod(ctx context.Context, id string) error {
	return st.s.withTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM backup_codes WHERE method_id = ?`, id); err != nil {
			return fmt.Errorf("deleting backup codes: %w", err)
		}
		res, err := q.ExecContext(ctx,
			`DELETE FROM mfa_methods WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting mfa method: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if affected == 0 {
			return errors.NewNotFoundError("mfa method not found", nil)
		}
		return nil
	})
}

// CreateMFAChallenge inserts a challenge.
func (st *mfaStore) CreateMFAChallenge(ctx context.Context, challenge *storage.MFAChallenge) error {
	_, err := st.s.q.ExecContext(ctx, `
		INSERT INTO mfa_challenges (
			id, identity_id, method_id, purpose, code_hash,
			issued_at, expires_at, attempts, max_attempts, status, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		challenge.ID,
		challenge.IdentityID,
		challenge.MethodID,
		string(challenge.Purpose),
		challenge.CodeHash,
		formatTime(challenge.IssuedAt),
		formatTime(challenge.ExpiresAt),
		challenge.Attempts,
		challenge.MaxAttempts,
		string(challenge.Status),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("mfa challenge already exists", err)
		}
		return fmt.Errorf("inserting mfa challenge: %w", err)
	}
	challenge.Version = 1
	return nil
}

// GetMFAChallenge retrieves a challenge by id.
func (st *mfaStore) GetMFAChallenge(ctx context.Context, id string) (*storage.MFAChallenge, error) {
	var (
		c         storage.MFAChallenge
		purpose   string
		status    string
		issuedAt  string
		expiresAt string
	)
	err := st.s.q.QueryRowContext(ctx, `
		SELECT id, identity_id, method_id, purpose, code_hash, issued_at,
		       expires_at, attempts, max_attempts, status, version
		FROM mfa_challenges WHERE id = ?`, id,
	).Scan(
		&c.ID, &c.IdentityID, &c.MethodID, &purpose, &c.CodeHash,
		&issuedAt, &expiresAt, &c.Attempts, &c.MaxAttempts, &status, &c.Version,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("mfa challenge not found", nil)
		}
		return nil, fmt.Errorf("scanning mfa challenge row: %w", err)
	}

	c.Purpose = storage.ChallengePurpose(purpose)
	c.Status = storage.ChallengeStatus(status)
	if c.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateMFAChallenge writes a challenge back, guarded by its version. The
// version guard makes attempt counting race-free.
func (st *mfaStore) UpdateMFAChallenge(ctx context.Context, challenge *storage.MFAChallenge) error {
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE mfa_challenges SET
			attempts = ?, status = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		challenge.Attempts,
		string(challenge.Status),
		challenge.ID,
		challenge.Version,
	)
	if err != nil {
		return fmt.Errorf("updating mfa challenge: %w", err)
	}
	if err := optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM mfa_challenges WHERE id = ?`, challenge.ID); err != nil {
		return err
	}
	challenge.Version++
	return nil
}

// ExpireMFAChallenges sweeps pending challenges past their deadline.
func (st *mfaStore) ExpireMFAChallenges(ctx context.Context, now time.Time) (int64, error) {
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE mfa_challenges SET status = ?, version = version + 1
		WHERE status = ? AND expires_at < ?`,
		string(storage.ChallengeExpired),
		string(storage.ChallengePending),
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("expiring mfa challenges: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}

// CreateBackupCodes inserts a batch of backup codes in one transaction.
func (st *mfaStore) CreateBackupCodes(ctx context.Context, codes []*storage.BackupCode) error {
	return st.s.withTx(ctx, func(q querier) error {
		for _, code := range codes {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO backup_codes (id, identity_id, method_id, code_hash, used_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				code.ID,
				code.IdentityID,
				code.MethodID,
				code.CodeHash,
				nullTime(code.UsedAt),
				formatTime(code.CreatedAt),
			); err != nil {
				return fmt.Errorf("inserting backup code: %w", err)
			}
		}
		return nil
	})
}

// ListBackupCodes returns the backup codes of one method.
func (st *mfaStore) ListBackupCodes(ctx context.Context, methodID string) ([]*storage.BackupCode, error) {
	rows, err := st.s.q.QueryContext(ctx, `
		SELECT id, identity_id, method_id, code_hash, used_at, created_at
		FROM backup_codes WHERE method_id = ? ORDER BY created_at, id`,
		methodID)
	if err != nil {
		return nil, fmt.Errorf("querying backup codes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var codes []*storage.BackupCode
	for rows.Next() {
		var (
			c         storage.BackupCode
			usedAt    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.IdentityID, &c.MethodID, &c.CodeHash, &usedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning backup code row: %w", err)
		}
		if c.UsedAt, err = scanNullTime(usedAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		codes = append(codes, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating backup code rows: %w", err)
	}
	return codes, nil
}

// MarkBackupCodeUsed consumes a code exactly once.
func (st *mfaStore) MarkBackupCodeUsed(ctx context.Context, id string, usedAt time.Time) error {
	res, err := st.s.q.ExecContext(ctx,
		`UPDATE backup_codes SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		formatTime(usedAt), id)
	if err != nil {
		return fmt.Errorf("marking backup code used: %w", err)
	}
	return optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM backup_codes WHERE id = ?`, id)
}

// DeleteBackupCodes removes every code of a method, used or not.
func (st *mfaStore) DeleteBackupCodes(ctx context.Context, methodID string) error {
	if _, err := st.s.q.ExecContext(ctx,
		`DELETE FROM backup_codes WHERE method_id = ?`, methodID); err != nil {
		return fmt.Errorf("deleting backup codes: %w", err)
	}
	return nil
}

// scanMFAMethod scans one mfa method row.
func scanMFAMethod(sc scanner) (*storage.MFAMethod, error) {
	var (
		m           storage.MFAMethod
		methodType  string
		lastUsedAt  sql.NullString
		lockedUntil sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := sc.Scan(
		&m.ID, &m.IdentityID, &methodType, &m.Identifier, &m.MaskedIdentifier,
		&m.SecretCiphertext, &m.IsPrimary, &m.IsVerified, &m.Priority,
		&m.TrustLevel, &m.UseCount, &m.FailedCount, &lastUsedAt, &lockedUntil,
		&createdAt, &updatedAt, &m.Version,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("mfa method not found", nil)
		}
		return nil, fmt.Errorf("scanning mfa method row: %w", err)
	}

	m.Type = storage.MFAType(methodType)
	if m.LastUsedAt, err = scanNullTime(lastUsedAt); err != nil {
		return nil, err
	}
	if m.LockedUntil, err = scanNullTime(lockedUntil); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
