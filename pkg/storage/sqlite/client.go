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

// clientStore implements storage.ClientStore.
type clientStore struct {
	s *Store
}

var _ storage.ClientStore = (*clientStore)(nil)

const clientColumns = `client_id, name, secret_hash, is_public, redirect_uris,
	allowed_scopes, trusted, owner_identity_id, created_at, updated_at, version`

// CreateClient registers an OAuth application.
func (st *clientStore) CreateClient(ctx context.Context, client *storage.OAuthClient) error {
	urisJSON, err := encodeJSON(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect uris: %w", err)
	}
	scopesJSON, err := encodeJSON(client.AllowedScopes)
	if err != nil {
		return fmt.Errorf("encoding allowed scopes: %w", err)
	}
	_, err = st.s.q.ExecContext(ctx, `
		INSERT INTO oauth_clients (
			client_id, name, secret_hash, is_public, redirect_uris,
			allowed_scopes, trusted, owner_identity_id, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		client.ClientID,
		client.Name,
		client.SecretHash,
		client.Public,
		urisJSON,
		scopesJSON,
		client.Trusted,
		client.OwnerIdentityID,
		formatTime(client.CreatedAt),
		formatTime(client.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("client id already registered", err)
		}
		return fmt.Errorf("inserting oauth client: %w", err)
	}
	client.Version = 1
	return nil
}

// GetClient retrieves a registered application by client id.
func (st *clientStore) GetClient(ctx context.Context, clientID string) (*storage.OAuthClient, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = ?`, clientID)
	return scanClient(row)
}

// ListClients returns every registered application ordered by name.
func (st *clientStore) ListClients(ctx context.Context) ([]*storage.OAuthClient, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients ORDER BY name, client_id`)
	if err != nil {
		return nil, fmt.Errorf("querying oauth clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var clients []*storage.OAuthClient
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating oauth client rows: %w", err)
	}
	return clients, nil
}

// UpdateClient writes a client back, guarded by its version.
func (st *clientStore) UpdateClient(ctx context.Context, client *storage.OAuthClient) error {
	urisJSON, err := encodeJSON(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect uris: %w", err)
	}
	scopesJSON, err := encodeJSON(client.AllowedScopes)
	if err != nil {
		return fmt.Errorf("encoding allowed scopes: %w", err)
	}
	now := time.Now().UTC()
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE oauth_clients SET
			name = ?, secret_hash = ?, is_public = ?, redirect_uris = ?,
			allowed_scopes = ?, trusted = ?, owner_identity_id = ?,
			updated_at = ?, version = version + 1
		WHERE client_id = ? AND version = ?`,
		client.Name,
		client.SecretHash,
		client.Public,
		urisJSON,
		scopesJSON,
		client.Trusted,
		client.OwnerIdentityID,
		formatTime(now),
		client.ClientID,
		client.Version,
	)
	if err != nil {
		return fmt.Errorf("updating oauth client: %w", err)
	}
	if err := optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM oauth_clients WHERE client_id = ?`, client.ClientID); err != nil {
		return err
	}
	client.Version++
	client.UpdatedAt = now
	return nil
}

// scanClient scans one oauth client row.
func scanClient(sc scanner) (*storage.OAuthClient, error) {
	var (
		c          storage.OAuthClient
		urisBlob   []byte
		scopesBlob []byte
		createdAt  string
		updatedAt  string
	)
	err := sc.Scan(
		&c.ClientID, &c.Name, &c.SecretHash, &c.Public, &urisBlob,
		&scopesBlob, &c.Trusted, &c.OwnerIdentityID, &createdAt, &updatedAt,
		&c.Version,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("client not found", nil)
		}
		return nil, fmt.Errorf("scanning oauth client row: %w", err)
	}

	if err := decodeJSON(urisBlob, &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decoding redirect uris: %w", err)
	}
	if err := decodeJSON(scopesBlob, &c.AllowedScopes); err != nil {
		return nil, fmt.Errorf("decoding allowed scopes: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
