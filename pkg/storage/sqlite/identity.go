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

// identityStore implements storage.IdentityStore.
type identityStore struct {
	s *Store
}

var _ storage.IdentityStore = (*identityStore)(nil)

// identityColumns is the SELECT column list shared by Get queries.
const identityColumns = `id, email, phone, handle_id, password_hash, password_changed_at,
	password_rotations, status, verification_status, verification_badge,
	reputation_score, failed_login_attempts, locked_until, mfa_enabled,
	created_at, updated_at, deleted_at, version`

// CreateIdentity inserts a new identity row.
func (st *identityStore) CreateIdentity(ctx context.Context, identity *storage.Identity) error {
	_, err := st.s.q.ExecContext(ctx, `
		INSERT INTO identities (
			id, email, phone, handle_id, password_hash, password_changed_at,
			password_rotations, status, verification_status, verification_badge,
			reputation_score, failed_login_attempts, locked_until, mfa_enabled,
			created_at, updated_at, deleted_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		identity.ID,
		identity.Email,
		identity.Phone,
		identity.HandleID,
		identity.PasswordHash,
		formatTime(identity.PasswordChangedAt),
		identity.PasswordRotations,
		string(identity.Status),
		string(identity.VerificationStatus),
		string(identity.VerificationBadge),
		identity.ReputationScore,
		identity.FailedLoginAttempts,
		nullTime(identity.LockedUntil),
		identity.MFAEnabled,
		formatTime(identity.CreatedAt),
		formatTime(identity.UpdatedAt),
		nullTime(identity.DeletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("email already registered", err)
		}
		return fmt.Errorf("inserting identity: %w", err)
	}
	identity.Version = 1
	return nil
}

// GetIdentity retrieves an identity by id.
func (st *identityStore) GetIdentity(ctx context.Context, id string) (*storage.Identity, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	return scanIdentity(row)
}

// GetIdentityByEmail retrieves an identity by its normalized email.
func (st *identityStore) GetIdentityByEmail(ctx context.Context, email string) (*storage.Identity, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE email = ?`, email)
	return scanIdentity(row)
}

// UpdateIdentity writes an identity back, guarded by its version.
func (st *identityStore) UpdateIdentity(ctx context.Context, identity *storage.Identity) error {
	now := time.Now().UTC()
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE identities SET
			email = ?, phone = ?, handle_id = ?, password_hash = ?,
			password_changed_at = ?, password_rotations = ?, status = ?,
			verification_status = ?, verification_badge = ?, reputation_score = ?,
			failed_login_attempts = ?, locked_until = ?, mfa_enabled = ?,
			deleted_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		identity.Email,
		identity.Phone,
		identity.HandleID,
		identity.PasswordHash,
		formatTime(identity.PasswordChangedAt),
		identity.PasswordRotations,
		string(identity.Status),
		string(identity.VerificationStatus),
		string(identity.VerificationBadge),
		identity.ReputationScore,
		identity.FailedLoginAttempts,
		nullTime(identity.LockedUntil),
		identity.MFAEnabled,
		nullTime(identity.DeletedAt),
		formatTime(now),
		identity.ID,
		identity.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("email already registered", err)
		}
		return fmt.Errorf("updating identity: %w", err)
	}
	if err := optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM identities WHERE id = ?`, identity.ID); err != nil {
		return err
	}
	identity.Version++
	identity.UpdatedAt = now
	return nil
}

// scanIdentity scans one identity row.
func scanIdentity(sc scanner) (*storage.Identity, error) {
	var (
		ident              storage.Identity
		status             string
		verificationStatus string
		badge              string
		passwordChangedAt  string
		createdAt          string
		updatedAt          string
		lockedUntil        sql.NullString
		deletedAt          sql.NullString
	)
	err := sc.Scan(
		&ident.ID, &ident.Email, &ident.Phone, &ident.HandleID,
		&ident.PasswordHash, &passwordChangedAt, &ident.PasswordRotations,
		&status, &verificationStatus, &badge, &ident.ReputationScore,
		&ident.FailedLoginAttempts, &lockedUntil, &ident.MFAEnabled,
		&createdAt, &updatedAt, &deletedAt, &ident.Version,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("identity not found", nil)
		}
		return nil, fmt.Errorf("scanning identity row: %w", err)
	}

	ident.Status = storage.IdentityStatus(status)
	ident.VerificationStatus = storage.VerificationState(verificationStatus)
	ident.VerificationBadge = storage.Badge(badge)

	if ident.PasswordChangedAt, err = parseTime(passwordChangedAt); err != nil {
		return nil, err
	}
	if ident.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ident.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if ident.LockedUntil, err = scanNullTime(lockedUntil); err != nil {
		return nil, err
	}
	if ident.DeletedAt, err = scanNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &ident, nil
}
