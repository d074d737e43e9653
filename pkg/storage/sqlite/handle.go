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

// handleStore implements storage.HandleStore.
type handleStore struct {
	s *Store
}

var _ storage.HandleStore = (*handleStore)(nil)

const handleColumns = `id, handle, handle_lower, owner_identity_id, status,
	reservation_class, is_protected, original_owner_id, transfer_token_hash,
	transfer_to_identity, transfer_expires_at, created_at, updated_at, version`

// CreateHandle inserts a handle row. The partial unique index on
// handle_lower rejects a second live row for the same folded handle.
func (st *handleStore) CreateHandle(ctx context.Context, handle *storage.Handle) error {
	_, err := st.s.q.ExecContext(ctx, `
		INSERT INTO handles (
			id, handle, handle_lower, owner_identity_id, status,
			reservation_class, is_protected, original_owner_id,
			transfer_token_hash, transfer_to_identity, transfer_expires_at,
			created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		handle.ID,
		handle.Handle,
		handle.HandleLower,
		handle.OwnerIdentityID,
		string(handle.Status),
		handle.ReservationClass,
		handle.IsProtected,
		handle.OriginalOwnerID,
		handle.TransferTokenHash,
		handle.TransferToIdentity,
		nullTime(handle.TransferExpiresAt),
		formatTime(handle.CreatedAt),
		formatTime(handle.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewTakenError("handle is already taken", err)
		}
		return fmt.Errorf("inserting handle: %w", err)
	}
	handle.Version = 1
	return nil
}

// GetHandle retrieves a handle row by id.
func (st *handleStore) GetHandle(ctx context.Context, id string) (*storage.Handle, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+handleColumns+` FROM handles WHERE id = ?`, id)
	return scanHandle(row)
}

// GetActiveHandleByLower retrieves the single live row for a folded handle.
func (st *handleStore) GetActiveHandleByLower(ctx context.Context, lower string) (*storage.Handle, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+handleColumns+` FROM handles WHERE handle_lower = ? AND status != 'released'`,
		lower)
	return scanHandle(row)
}

// ListHandlesByOwner returns the live handles owned by an identity.
func (st *handleStore) ListHandlesByOwner(ctx context.Context, identityID string) ([]*storage.Handle, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+handleColumns+` FROM handles
		 WHERE owner_identity_id = ? AND status != 'released'
		 ORDER BY created_at, id`,
		identityID)
	if err != nil {
		return nil, fmt.Errorf("querying handles: %w", err)
	}
	return collectHandles(rows)
}

// ListExpiredTransfers returns handles whose transfer window closed before
// the given instant.
func (st *handleStore) ListExpiredTransfers(ctx context.Context, before time.Time) ([]*storage.Handle, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+handleColumns+` FROM handles
		 WHERE status = 'transferring' AND transfer_expires_at IS NOT NULL
		   AND transfer_expires_at <= ?
		 ORDER BY transfer_expires_at, id`,
		formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("querying expired transfers: %w", err)
	}
	return collectHandles(rows)
}

// UpdateHandle writes a handle back, guarded by its version.
func (st *handleStore) UpdateHandle(ctx context.Context, handle *storage.Handle) error {
	now := time.Now().UTC()
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE handles SET
			handle = ?, handle_lower = ?, owner_identity_id = ?, status = ?,
			reservation_class = ?, is_protected = ?, original_owner_id = ?,
			transfer_token_hash = ?, transfer_to_identity = ?,
			transfer_expires_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		handle.Handle,
		handle.HandleLower,
		handle.OwnerIdentityID,
		string(handle.Status),
		handle.ReservationClass,
		handle.IsProtected,
		handle.OriginalOwnerID,
		handle.TransferTokenHash,
		handle.TransferToIdentity,
		nullTime(handle.TransferExpiresAt),
		formatTime(now),
		handle.ID,
		handle.Version,
	)
	if err != nil {
		// Re-activating a released row can collide with a newer live row.
		if isUniqueViolation(err) {
			return errors.NewTakenError("handle is already taken", err)
		}
		return fmt.Errorf("updating handle: %w", err)
	}
	if err := optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM handles WHERE id = ?`, handle.ID); err != nil {
		return err
	}
	handle.Version++
	handle.UpdatedAt = now
	return nil
}

// collectHandles drains a handle rowset.
func collectHandles(rows *sql.Rows) ([]*storage.Handle, error) {
	defer func() { _ = rows.Close() }()

	var handles []*storage.Handle
	for rows.Next() {
		h, err := scanHandle(rows)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating handle rows: %w", err)
	}
	return handles, nil
}

// scanHandle scans one handle row.
func scanHandle(sc scanner) (*storage.Handle, error) {
	var (
		h                 storage.Handle
		status            string
		transferExpiresAt sql.NullString
		createdAt         string
		updatedAt         string
	)
	err := sc.Scan(
		&h.ID, &h.Handle, &h.HandleLower, &h.OwnerIdentityID, &status,
		&h.ReservationClass, &h.IsProtected, &h.OriginalOwnerID,
		&h.TransferTokenHash, &h.TransferToIdentity, &transferExpiresAt,
		&createdAt, &updatedAt, &h.Version,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("handle not found", nil)
		}
		return nil, fmt.Errorf("scanning handle row: %w", err)
	}

	h.Status = storage.HandleStatus(status)
	if h.TransferExpiresAt, err = scanNullTime(transferExpiresAt); err != nil {
		return nil, err
	}
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &h, nil
}
