// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// sessionStore implements storage.SessionStore.
type sessionStore struct {
	s *Store
}

var _ storage.SessionStore = (*sessionStore)(nil)

const sessionColumns = `id, identity_id, client_id, device, created_at,
	last_active_at, expires_at, is_active, mfa_asserted, mfa_asserted_at,
	mfa_method_id, version`

// CreateSession inserts a session row.
func (st *sessionStore) CreateSession(ctx context.Context, session *storage.Session) error {
	deviceJSON, err := encodeJSON(session.Device)
	if err != nil {
		return fmt.Errorf("encoding device: %w", err)
	}
	_, err = st.s.q.ExecContext(ctx, `
		INSERT INTO sessions (
			id, identity_id, client_id, device, created_at, last_active_at,
			expires_at, is_active, mfa_asserted, mfa_asserted_at,
			mfa_method_id, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		session.ID,
		session.IdentityID,
		session.ClientID,
		deviceJSON,
		formatTime(session.CreatedAt),
		formatTime(session.LastActiveAt),
		formatTime(session.ExpiresAt),
		session.IsActive,
		session.MFAAsserted,
		nullTime(session.MFAAssertedAt),
		session.MFAMethodID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("session already exists", err)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	session.Version = 1
	return nil
}

// GetSession retrieves a session by id.
func (st *sessionStore) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns the sessions of an identity, newest first.
func (st *sessionStore) ListSessions(ctx context.Context, identityID string, activeOnly bool) ([]*storage.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE identity_id = ?`
	args := []any{identityID}
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := st.s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*storage.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// UpdateSession writes a session back, guarded by its version.
func (st *sessionStore) UpdateSession(ctx context.Context, session *storage.Session) error {
	deviceJSON, err := encodeJSON(session.Device)
	if err != nil {
		return fmt.Errorf("encoding device: %w", err)
	}
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE sessions SET
			device = ?, last_active_at = ?, expires_at = ?, is_active = ?,
			mfa_asserted = ?, mfa_asserted_at = ?, mfa_method_id = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		deviceJSON,
		formatTime(session.LastActiveAt),
		formatTime(session.ExpiresAt),
		session.IsActive,
		session.MFAAsserted,
		nullTime(session.MFAAssertedAt),
		session.MFAMethodID,
		session.ID,
		session.Version,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if err := optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM sessions WHERE id = ?`, session.ID); err != nil {
		return err
	}
	session.Version++
	return nil
}

// DeactivateSessions marks every active session of the identity inactive,
// except the one named by keepSessionID when non-empty.
func (st *sessionStore) DeactivateSessions(ctx context.Context, identityID, keepSessionID string) (int64, error) {
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE sessions SET is_active = 0, version = version + 1
		WHERE identity_id = ? AND is_active = 1 AND id != ?`,
		identityID, keepSessionID)
	if err != nil {
		return 0, fmt.Errorf("deactivating sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}

// scanSession scans one session row.
func scanSession(sc scanner) (*storage.Session, error) {
	var (
		s             storage.Session
		deviceBlob    []byte
		createdAt     string
		lastActiveAt  string
		expiresAt     string
		mfaAssertedAt sql.NullString
	)
	err := sc.Scan(
		&s.ID, &s.IdentityID, &s.ClientID, &deviceBlob, &createdAt,
		&lastActiveAt, &expiresAt, &s.IsActive, &s.MFAAsserted,
		&mfaAssertedAt, &s.MFAMethodID, &s.Version,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("session not found", nil)
		}
		return nil, fmt.Errorf("scanning session row: %w", err)
	}

	if err := decodeJSON(deviceBlob, &s.Device); err != nil {
		return nil, fmt.Errorf("decoding device: %w", err)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.LastActiveAt, err = parseTime(lastActiveAt); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if s.MFAAssertedAt, err = scanNullTime(mfaAssertedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
