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

// reservedHandleStore implements storage.ReservedHandleStore.
type reservedHandleStore struct {
	s *Store
}

var _ storage.ReservedHandleStore = (*reservedHandleStore)(nil)

// GetReservedHandle retrieves one reserved-handle row.
func (st *reservedHandleStore) GetReservedHandle(ctx context.Context, lower string) (*storage.ReservedHandle, error) {
	var (
		r         storage.ReservedHandle
		createdAt string
	)
	err := st.s.q.QueryRowContext(ctx,
		`SELECT handle_lower, class, reason, created_at FROM reserved_handles WHERE handle_lower = ?`,
		lower,
	).Scan(&r.HandleLower, &r.Class, &r.Reason, &createdAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("reserved handle not found", nil)
		}
		return nil, fmt.Errorf("scanning reserved handle row: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateReservedHandle upserts a reserved-handle row. Reserved handles are
// seed data; re-creating an existing row updates its class and reason so
// seed reloads stay idempotent.
func (st *reservedHandleStore) CreateReservedHandle(ctx context.Context, reserved *storage.ReservedHandle) error {
	_, err := st.s.q.ExecContext(ctx, `
		INSERT INTO reserved_handles (handle_lower, class, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(handle_lower) DO UPDATE SET
			class = excluded.class,
			reason = excluded.reason`,
		reserved.HandleLower,
		reserved.Class,
		reserved.Reason,
		formatTime(reserved.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting reserved handle: %w", err)
	}
	return nil
}

// DeleteReservedHandle releases a reserved handle for registration.
func (st *reservedHandleStore) DeleteReservedHandle(ctx context.Context, lower string) error {
	res, err := st.s.q.ExecContext(ctx,
		`DELETE FROM reserved_handles WHERE handle_lower = ?`, lower)
	if err != nil {
		return fmt.Errorf("deleting reserved handle: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return errors.NewNotFoundError("reserved handle not found", nil)
	}
	return nil
}

// CountReservedHandles returns the number of reserved handles.
func (st *reservedHandleStore) CountReservedHandles(ctx context.Context) (int64, error) {
	var count int64
	if err := st.s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reserved_handles`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting reserved handles: %w", err)
	}
	return count, nil
}

// protectedEntityStore implements storage.ProtectedEntityStore.
type protectedEntityStore struct {
	s *Store
}

var _ storage.ProtectedEntityStore = (*protectedEntityStore)(nil)

const protectedEntityColumns = `id, name, handle, aliases, entity_type, tier,
	similarity_threshold, claimed_by, claimed_at, created_at, updated_at`

// ListProtectedEntities returns every protected entity. The similarity
// checker iterates the full set, so callers cache the result.
func (st *protectedEntityStore) ListProtectedEntities(ctx context.Context) ([]*storage.ProtectedEntity, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+protectedEntityColumns+` FROM protected_entities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying protected entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entities []*storage.ProtectedEntity
	for rows.Next() {
		e, err := scanProtectedEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating protected entity rows: %w", err)
	}
	return entities, nil
}

// GetProtectedEntity retrieves a protected entity by id.
func (st *protectedEntityStore) GetProtectedEntity(ctx context.Context, id string) (*storage.ProtectedEntity, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+protectedEntityColumns+` FROM protected_entities WHERE id = ?`, id)
	return scanProtectedEntity(row)
}

// GetProtectedEntityByHandle retrieves a protected entity by its folded
// canonical handle.
func (st *protectedEntityStore) GetProtectedEntityByHandle(ctx context.Context, handleLower string) (*storage.ProtectedEntity, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+protectedEntityColumns+` FROM protected_entities WHERE handle = ?`, handleLower)
	return scanProtectedEntity(row)
}

// CreateProtectedEntity upserts a protected entity keyed by canonical
// handle. Protection lists are seed data; reloads refresh the descriptive
// fields but never clobber an existing claim.
func (st *protectedEntityStore) CreateProtectedEntity(ctx context.Context, entity *storage.ProtectedEntity) error {
	aliasesJSON, err := encodeJSON(entity.Aliases)
	if err != nil {
		return fmt.Errorf("encoding aliases: %w", err)
	}
	_, err = st.s.q.ExecContext(ctx, `
		INSERT INTO protected_entities (
			id, name, handle, aliases, entity_type, tier,
			similarity_threshold, claimed_by, claimed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			name = excluded.name,
			aliases = excluded.aliases,
			entity_type = excluded.entity_type,
			tier = excluded.tier,
			similarity_threshold = excluded.similarity_threshold,
			updated_at = excluded.updated_at`,
		entity.ID,
		entity.Name,
		entity.Handle,
		aliasesJSON,
		entity.Type,
		string(entity.Tier),
		entity.SimilarityThreshold,
		entity.ClaimedBy,
		nullTime(entity.ClaimedAt),
		formatTime(entity.CreatedAt),
		formatTime(entity.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting protected entity: %w", err)
	}
	return nil
}

// UpdateProtectedEntity writes a protected entity back. Claims flow
// through here.
func (st *protectedEntityStore) UpdateProtectedEntity(ctx context.Context, entity *storage.ProtectedEntity) error {
	aliasesJSON, err := encodeJSON(entity.Aliases)
	if err != nil {
		return fmt.Errorf("encoding aliases: %w", err)
	}
	now := time.Now().UTC()
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE protected_entities SET
			name = ?, handle = ?, aliases = ?, entity_type = ?, tier = ?,
			similarity_threshold = ?, claimed_by = ?, claimed_at = ?,
			updated_at = ?
		WHERE id = ?`,
		entity.Name,
		entity.Handle,
		aliasesJSON,
		entity.Type,
		string(entity.Tier),
		entity.SimilarityThreshold,
		entity.ClaimedBy,
		nullTime(entity.ClaimedAt),
		formatTime(now),
		entity.ID,
	)
	if err != nil {
		return fmt.Errorf("updating protected entity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return errors.NewNotFoundError("protected entity not found", nil)
	}
	entity.UpdatedAt = now
	return nil
}

// CountProtectedEntities returns the number of protected entities.
func (st *protectedEntityStore) CountProtectedEntities(ctx context.Context) (int64, error) {
	var count int64
	if err := st.s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM protected_entities`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting protected entities: %w", err)
	}
	return count, nil
}

// scanProtectedEntity scans one protected entity row.
func scanProtectedEntity(sc scanner) (*storage.ProtectedEntity, error) {
	var (
		e           storage.ProtectedEntity
		aliasesBlob []byte
		tier        string
		claimedAt   sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := sc.Scan(
		&e.ID, &e.Name, &e.Handle, &aliasesBlob, &e.Type, &tier,
		&e.SimilarityThreshold, &e.ClaimedBy, &claimedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("protected entity not found", nil)
		}
		return nil, fmt.Errorf("scanning protected entity row: %w", err)
	}

	e.Tier = storage.ProtectionTier(tier)
	if err := decodeJSON(aliasesBlob, &e.Aliases); err != nil {
		return nil, fmt.Errorf("decoding aliases: %w", err)
	}
	if e.ClaimedAt, err = scanNullTime(claimedAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
