// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// verificationStore implements storage.VerificationStore.
type verificationStore struct {
	s *Store
}

var _ storage.VerificationStore = (*verificationStore)(nil)

const verificationRequestColumns = `id, identity_id, request_type, priority, status,
	assigned_reviewer, reason, handle_id, protected_entity_id,
	created_at, updated_at, version`

// CreateVerificationRequest inserts a request.
func (st *verificationStore) CreateVerificationRequest(ctx context.Context, request *storage.VerificationRequest) error {
	_, err := st.s.q.ExecContext(ctx, `
		INSERT INTO verification_requests (
			id, identity_id, request_type, priority, status, assigned_reviewer,
			reason, handle_id, protected_entity_id, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		request.ID,
		request.IdentityID,
		request.Type,
		request.Priority,
		string(request.Status),
		request.AssignedReviewer,
		request.Reason,
		request.HandleID,
		request.ProtectedEntityID,
		formatTime(request.CreatedAt),
		formatTime(request.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("verification request already exists", err)
		}
		return fmt.Errorf("inserting verification request: %w", err)
	}
	request.Version = 1
	return nil
}

// GetVerificationRequest retrieves a request by id.
func (st *verificationStore) GetVerificationRequest(ctx context.Context, id string) (*storage.VerificationRequest, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+verificationRequestColumns+` FROM verification_requests WHERE id = ?`, id)
	return scanVerificationRequest(row)
}

// UpdateVerificationRequest writes a request back, guarded by its version.
func (st *verificationStore) UpdateVerificationRequest(ctx context.Context, request *storage.VerificationRequest) error {
	now := time.Now().UTC()
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE verification_requests SET
			request_type = ?, priority = ?, status = ?, assigned_reviewer = ?,
			reason = ?, handle_id = ?, protected_entity_id = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		request.Type,
		request.Priority,
		string(request.Status),
		request.AssignedReviewer,
		request.Reason,
		request.HandleID,
		request.ProtectedEntityID,
		formatTime(now),
		request.ID,
		request.Version,
	)
	if err != nil {
		return fmt.Errorf("updating verification request: %w", err)
	}
	if err := optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM verification_requests WHERE id = ?`, request.ID); err != nil {
		return err
	}
	request.Version++
	request.UpdatedAt = now
	return nil
}

// ListVerificationQueue returns requests in the given states ordered by
// priority, then submission time.
func (st *verificationStore) ListVerificationQueue(ctx context.Context, statuses []storage.RequestStatus, limit int) ([]*storage.VerificationRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	args = append(args, limit)

	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+verificationRequestColumns+` FROM verification_requests
		 WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY priority, created_at, id
		 LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying verification queue: %w", err)
	}
	return collectVerificationRequests(rows)
}

// ListVerificationRequestsByIdentity returns an identity's requests,
// newest first.
func (st *verificationStore) ListVerificationRequestsByIdentity(ctx context.Context, identityID string) ([]*storage.VerificationRequest, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+verificationRequestColumns+` FROM verification_requests
		 WHERE identity_id = ? ORDER BY created_at DESC, id`,
		identityID)
	if err != nil {
		return nil, fmt.Errorf("querying verification requests: %w", err)
	}
	return collectVerificationRequests(rows)
}

// AddVerificationDocument attaches a document to a request.
func (st *verificationStore) AddVerificationDocument(ctx context.Context, doc *storage.VerificationDocument) error {
	_, err := st.s.q.ExecContext(ctx, `
		INSERT INTO verification_documents (
			id, request_id, doc_type, blob_url, sha256, size_bytes,
			mime_type, verified, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID,
		doc.RequestID,
		doc.Type,
		doc.BlobURL,
		doc.SHA256,
		doc.SizeBytes,
		doc.MimeType,
		doc.Verified,
		formatTime(doc.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("verification document already exists", err)
		}
		return fmt.Errorf("inserting verification document: %w", err)
	}
	return nil
}

// ListVerificationDocuments returns a request's documents in submission
// order.
func (st *verificationStore) ListVerificationDocuments(ctx context.Context, requestID string) ([]*storage.VerificationDocument, error) {
	rows, err := st.s.q.QueryContext(ctx, `
		SELECT id, request_id, doc_type, blob_url, sha256, size_bytes,
		       mime_type, verified, created_at
		FROM verification_documents WHERE request_id = ?
		ORDER BY created_at, id`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("querying verification documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*storage.VerificationDocument
	for rows.Next() {
		var (
			d         storage.VerificationDocument
			createdAt string
		)
		if err := rows.Scan(
			&d.ID, &d.RequestID, &d.Type, &d.BlobURL, &d.SHA256,
			&d.SizeBytes, &d.MimeType, &d.Verified, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning verification document row: %w", err)
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		docs = append(docs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating verification document rows: %w", err)
	}
	return docs, nil
}

// collectVerificationRequests drains a request rowset.
func collectVerificationRequests(rows *sql.Rows) ([]*storage.VerificationRequest, error) {
	defer func() { _ = rows.Close() }()

	var requests []*storage.VerificationRequest
	for rows.Next() {
		r, err := scanVerificationRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating verification request rows: %w", err)
	}
	return requests, nil
}

// scanVerificationRequest scans one verification request row.
func scanVerificationRequest(sc scanner) (*storage.VerificationRequest, error) {
	var (
		r         storage.VerificationRequest
		status    string
		createdAt string
		updatedAt string
	)
	err := sc.Scan(
		&r.ID, &r.IdentityID, &r.Type, &r.Priority, &status,
		&r.AssignedReviewer, &r.Reason, &r.HandleID, &r.ProtectedEntityID,
		&createdAt, &updatedAt, &r.Version,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("verification request not found", nil)
		}
		return nil, fmt.Errorf("scanning verification request row: %w", err)
	}

	r.Status = storage.RequestStatus(status)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
