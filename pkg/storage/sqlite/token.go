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

// tokenStore implements storage.TokenStore.
type tokenStore struct {
	s *Store
}

var _ storage.TokenStore = (*tokenStore)(nil)

const tokenColumns = `id, kind, token_hash, identity_id, client_id, session_id,
	scopes, audience, issued_at, expires_at, not_before, use_count, max_uses,
	status, last_used_at, family, generation, parent_id, rotated_to_id,
	code_challenge, code_challenge_method, redirect_uri, algorithm, key_id,
	created_at, updated_at, version`

// CreateToken inserts a token row. The unique index on (family, generation)
// turns a concurrent double-rotation into a conflict here.
func (st *tokenStore) CreateToken(ctx context.Context, token *storage.Token) error {
	scopesJSON, err := encodeJSON(token.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}
	_, err = st.s.q.ExecContext(ctx, `
		INSERT INTO tokens (
			id, kind, token_hash, identity_id, client_id, session_id,
			scopes, audience, issued_at, expires_at, not_before, use_count,
			max_uses, status, last_used_at, family, generation, parent_id,
			rotated_to_id, code_challenge, code_challenge_method, redirect_uri,
			algorithm, key_id, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		token.ID,
		string(token.Kind),
		token.Hash,
		token.IdentityID,
		token.ClientID,
		token.SessionID,
		scopesJSON,
		token.Audience,
		formatTime(token.IssuedAt),
		formatTime(token.ExpiresAt),
		nullTime(token.NotBefore),
		token.UseCount,
		token.MaxUses,
		string(token.Status),
		nullTime(token.LastUsedAt),
		token.Family,
		token.Generation,
		token.ParentID,
		token.RotatedToID,
		token.CodeChallenge,
		token.CodeChallengeMethod,
		token.RedirectURI,
		token.Algorithm,
		token.KeyID,
		formatTime(token.CreatedAt),
		formatTime(token.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("token already exists", err)
		}
		return fmt.Errorf("inserting token: %w", err)
	}
	token.Version = 1
	return nil
}

// GetToken retrieves a token by id.
func (st *tokenStore) GetToken(ctx context.Context, id string) (*storage.Token, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	return scanToken(row)
}

// GetTokenByHash resolves a wire token by its SHA-256 hash.
func (st *tokenStore) GetTokenByHash(ctx context.Context, hash string) (*storage.Token, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE token_hash = ?`, hash)
	return scanToken(row)
}

// UpdateToken writes a token back, guarded by its version.
func (st *tokenStore) UpdateToken(ctx context.Context, token *storage.Token) error {
	now := time.Now().UTC()
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE tokens SET
			status = ?, use_count = ?, last_used_at = ?, rotated_to_id = ?,
			expires_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(token.Status),
		token.UseCount,
		nullTime(token.LastUsedAt),
		token.RotatedToID,
		formatTime(token.ExpiresAt),
		formatTime(now),
		token.ID,
		token.Version,
	)
	if err != nil {
		return fmt.Errorf("updating token: %w", err)
	}
	if err := optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM tokens WHERE id = ?`, token.ID); err != nil {
		return err
	}
	token.Version++
	token.UpdatedAt = now
	return nil
}

// ConsumeToken atomically transitions an active, unexpired token to used.
// Single-use semantics hang off this one statement.
func (st *tokenStore) ConsumeToken(ctx context.Context, id string, now time.Time) error {
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE tokens SET
			status = 'used', use_count = use_count + 1, last_used_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND status = 'active' AND expires_at > ?`,
		formatTime(now), formatTime(now), id, formatTime(now))
	if err != nil {
		return fmt.Errorf("consuming token: %w", err)
	}
	return optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM tokens WHERE id = ?`, id)
}

// TouchToken records one use of a reusable token.
func (st *tokenStore) TouchToken(ctx context.Context, id string, now time.Time) error {
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE tokens SET
			use_count = use_count + 1, last_used_at = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND status = 'active'`,
		formatTime(now), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("touching token: %w", err)
	}
	return optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM tokens WHERE id = ?`, id)
}

// RevokeFamily revokes every active token in a refresh family.
func (st *tokenStore) RevokeFamily(ctx context.Context, family string, now time.Time) (int64, error) {
	if family == "" {
		return 0, errors.NewInvalidArgumentError("family must not be empty", nil)
	}
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE tokens SET status = 'revoked', updated_at = ?, version = version + 1
		WHERE family = ? AND status = 'active'`,
		formatTime(now), family)
	if err != nil {
		return 0, fmt.Errorf("revoking token family: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}

// RevokeSessionTokens revokes every active token bound to a session.
func (st *tokenStore) RevokeSessionTokens(ctx context.Context, sessionID string, now time.Time) (int64, error) {
	if sessionID == "" {
		return 0, errors.NewInvalidArgumentError("session id must not be empty", nil)
	}
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE tokens SET status = 'revoked', updated_at = ?, version = version + 1
		WHERE session_id = ? AND status = 'active'`,
		formatTime(now), sessionID)
	if err != nil {
		return 0, fmt.Errorf("revoking session tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}

// ListTokensByFamily returns a refresh family ordered by generation.
func (st *tokenStore) ListTokensByFamily(ctx context.Context, family string) ([]*storage.Token, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE family = ? ORDER BY generation`,
		family)
	if err != nil {
		return nil, fmt.Errorf("querying token family: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*storage.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}
	return tokens, nil
}

// ListSessionTokens returns every token bound to a session, newest first.
func (st *tokenStore) ListSessionTokens(ctx context.Context, sessionID string) ([]*storage.Token, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE session_id = ? ORDER BY issued_at DESC, id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying session tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*storage.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}
	return tokens, nil
}

// DeleteExpiredTokens removes tokens that expired before the cutoff.
func (st *tokenStore) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := st.s.q.ExecContext(ctx,
		`DELETE FROM tokens WHERE expires_at <= ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}

// scanToken scans one token row.
func scanToken(sc scanner) (*storage.Token, error) {
	var (
		t          storage.Token
		kind       string
		status     string
		scopesBlob []byte
		issuedAt   string
		expiresAt  string
		notBefore  sql.NullString
		lastUsedAt sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := sc.Scan(
		&t.ID, &kind, &t.Hash, &t.IdentityID, &t.ClientID, &t.SessionID,
		&scopesBlob, &t.Audience, &issuedAt, &expiresAt, &notBefore,
		&t.UseCount, &t.MaxUses, &status, &lastUsedAt, &t.Family,
		&t.Generation, &t.ParentID, &t.RotatedToID, &t.CodeChallenge,
		&t.CodeChallengeMethod, &t.RedirectURI, &t.Algorithm, &t.KeyID,
		&createdAt, &updatedAt, &t.Version,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("token not found", nil)
		}
		return nil, fmt.Errorf("scanning token row: %w", err)
	}

	t.Kind = storage.TokenKind(kind)
	t.Status = storage.TokenStatus(status)
	if err := decodeJSON(scopesBlob, &t.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	if t.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, err
	}
	if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if t.NotBefore, err = scanNullTime(notBefore); err != nil {
		return nil, err
	}
	if t.LastUsedAt, err = scanNullTime(lastUsedAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
