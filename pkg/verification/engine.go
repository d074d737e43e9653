// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package verification implements the review pipeline behind badges and
// protected-handle claims: document intake, the request state machine,
// the reviewer queue, and the badge grant that lands on the identity in
// the same transaction as the decision.
package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

const (
	// defaultQueueLimit bounds a reviewer queue page.
	defaultQueueLimit = 50

	// badgeRequestPriority queues self-service badge requests behind
	// protected-handle claims, which run at priorities 1-3.
	badgeRequestPriority = 5

	defaultDocumentMaxBytes = 10 << 20
)

// requestTypes are the accepted verification request types. The type
// decides the badge on approval.
var requestTypes = map[string]bool{
	"celebrity":  true,
	"business":   true,
	"government": true,
	"individual": true,
}

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ClaimArbiter settles the handle side of a claim-backed request inside
// the pipeline's transaction. The handle engine provides the production
// implementation; a nil arbiter skips handle bookkeeping.
type ClaimArbiter interface {
	GrantClaim(ctx context.Context, st storage.Store, request *storage.VerificationRequest) error
	RevokeClaim(ctx context.Context, st storage.Store, request *storage.VerificationRequest) error
}

// Enqueuer writes replication jobs into the outbox inside the caller's
// transaction. A nil Enqueuer disables downstream propagation.
type Enqueuer interface {
	Enqueue(ctx context.Context, st storage.Store, job *storage.SyncJob) error
}

// Engine runs the verification pipeline.
type Engine struct {
	store  storage.Store
	claims ClaimArbiter
	outbox Enqueuer
	clock  clockwork.Clock
	cfg    config.VerificationConfig
}

// NewEngine creates the verification engine.
func NewEngine(store storage.Store, claims ClaimArbiter, outbox Enqueuer, clock clockwork.Clock, cfg config.VerificationConfig) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.DocumentMaxBytes <= 0 {
		cfg.DocumentMaxBytes = defaultDocumentMaxBytes
	}
	return &Engine{
		store:  store,
		claims: claims,
		outbox: outbox,
		clock:  clock,
		cfg:    cfg,
	}
}

// DocumentInput describes one piece of uploaded evidence. The blob itself
// lives in external storage; the pipeline records its address and digest.
type DocumentInput struct {
	Type      string
	BlobURL   string
	SHA256    string
	SizeBytes int64
	MimeType  string
}

// SubmitRequest opens a badge verification request.
type SubmitRequest struct {
	IdentityID string
	Type       string
	Documents  []DocumentInput
}

// Detail is a request together with its evidence.
type Detail struct {
	Request   *storage.VerificationRequest
	Documents []*storage.VerificationDocument
}

// openStatuses are the non-terminal request states.
var openStatuses = []storage.RequestStatus{
	storage.RequestSubmitted,
	storage.RequestUnderReview,
	storage.RequestNeedsInfo,
}

func isOpen(status storage.RequestStatus) bool {
	for _, s := range openStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Submit opens a verification request backed by at least one document.
// The identity's verification status moves to pending unless it is
// already verified.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*storage.VerificationRequest, error) {
	if !requestTypes[req.Type] {
		return nil, errors.NewInvalidArgumentError("unknown verification type", nil)
	}
	if len(req.Documents) == 0 {
		return nil, errors.NewInvalidArgumentError("at least one document is required", nil)
	}
	if err := e.validateDocuments(req.Documents); err != nil {
		return nil, err
	}

	var request *storage.VerificationRequest
	err := e.store.Tx(ctx, func(st storage.Store) error {
		identity, err := st.Identities().GetIdentity(ctx, req.IdentityID)
		if err != nil {
			return err
		}
		if identity.Status != storage.IdentityActive {
			return errors.NewAccountInactiveError("account is not active", nil)
		}

		existing, err := st.Verifications().ListVerificationRequestsByIdentity(ctx, req.IdentityID)
		if err != nil {
			return err
		}
		for _, r := range existing {
			if isOpen(r.Status) {
				return errors.NewConflictError("a verification request is already open for this identity", nil)
			}
		}

		now := e.clock.Now().UTC()
		request = &storage.VerificationRequest{
			ID:         uuid.NewString(),
			IdentityID: req.IdentityID,
			Type:       req.Type,
			Priority:   badgeRequestPriority,
			Status:     storage.RequestSubmitted,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := st.Verifications().CreateVerificationRequest(ctx, request); err != nil {
			return err
		}
		if err := e.attachDocuments(ctx, st, request.ID, req.Documents); err != nil {
			return err
		}

		if identity.VerificationStatus == storage.VerificationNone {
			identity.VerificationStatus = storage.VerificationPending
			if err := st.Identities().UpdateIdentity(ctx, identity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

// Resubmit returns a needs_info request to the queue with fresh evidence,
// preserving its id and priority.
func (e *Engine) Resubmit(ctx context.Context, requestID string, docs []DocumentInput) (*storage.VerificationRequest, error) {
	if len(docs) == 0 {
		return nil, errors.NewInvalidArgumentError("resubmission requires at least one document", nil)
	}
	if err := e.validateDocuments(docs); err != nil {
		return nil, err
	}

	var request *storage.VerificationRequest
	err := e.store.Tx(ctx, func(st storage.Store) error {
		r, err := st.Verifications().GetVerificationRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if r.Status != storage.RequestNeedsInfo {
			return errors.NewConflictError("only requests awaiting more information can be resubmitted", nil)
		}
		if err := e.attachDocuments(ctx, st, r.ID, docs); err != nil {
			return err
		}
		r.Status = storage.RequestSubmitted
		r.AssignedReviewer = ""
		r.Reason = ""
		if err := st.Verifications().UpdateVerificationRequest(ctx, r); err != nil {
			return err
		}
		request = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

// Get returns a request and its documents.
func (e *Engine) Get(ctx context.Context, requestID string) (*Detail, error) {
	request, err := e.store.Verifications().GetVerificationRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	docs, err := e.store.Verifications().ListVerificationDocuments(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &Detail{Request: request, Documents: docs}, nil
}

// Queue returns unassigned requests in review order: priority first, then
// age.
func (e *Engine) Queue(ctx context.Context, limit int) ([]*storage.VerificationRequest, error) {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return e.store.Verifications().ListVerificationQueue(ctx, []storage.RequestStatus{storage.RequestSubmitted}, limit)
}

// ListByIdentity returns every request the identity ever opened.
func (e *Engine) ListByIdentity(ctx context.Context, identityID string) ([]*storage.VerificationRequest, error) {
	return e.store.Verifications().ListVerificationRequestsByIdentity(ctx, identityID)
}

func (e *Engine) validateDocuments(docs []DocumentInput) error {
	for i, d := range docs {
		if d.Type == "" {
			return errors.NewInvalidArgumentError(fmt.Sprintf("document %d: type is required", i), nil)
		}
		if d.BlobURL == "" {
			return errors.NewInvalidArgumentError(fmt.Sprintf("document %d: blob_url is required", i), nil)
		}
		if !sha256Hex.MatchString(strings.ToLower(d.SHA256)) {
			return errors.NewInvalidArgumentError(fmt.Sprintf("document %d: sha256 must be 64 hex characters", i), nil)
		}
		if d.SizeBytes <= 0 {
			return errors.NewInvalidArgumentError(fmt.Sprintf("document %d: size_bytes is required", i), nil)
		}
		if d.SizeBytes > e.cfg.DocumentMaxBytes {
			return errors.NewInvalidArgumentError(fmt.Sprintf("document %d: exceeds the %d byte limit", i, e.cfg.DocumentMaxBytes), nil)
		}
	}
	return nil
}

func (e *Engine) attachDocuments(ctx context.Context, st storage.Store, requestID string, docs []DocumentInput) error {
	now := e.clock.Now().UTC()
	for _, d := range docs {
		doc := &storage.VerificationDocument{
			ID:        uuid.NewString(),
			RequestID: requestID,
			Type:      d.Type,
			BlobURL:   d.BlobURL,
			SHA256:    strings.ToLower(d.SHA256),
			SizeBytes: d.SizeBytes,
			MimeType:  d.MimeType,
			CreatedAt: now,
		}
		if err := st.Verifications().AddVerificationDocument(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// badgePayload is the replicated slice of an identity's verification
// state.
type badgePayload struct {
	VerificationStatus string `json:"verification_status"`
	Badge              string `json:"badge"`
	UpdatedAt          string `json:"updated_at"`
}

// enqueueBadge writes the badge replication job inside the caller's
// transaction. A nil outbox is a no-op.
func (e *Engine) enqueueBadge(ctx context.Context, st storage.Store, identity *storage.Identity) error {
	if e.outbox == nil {
		return nil
	}
	payload, err := json.Marshal(badgePayload{
		VerificationStatus: string(identity.VerificationStatus),
		Badge:              string(identity.VerificationBadge),
		UpdatedAt:          e.clock.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshalling badge payload: %w", err)
	}
	return e.outbox.Enqueue(ctx, st, &storage.SyncJob{
		EntityType: "identity",
		EntityID:   identity.ID,
		Payload:    payload,
		Priority:   storage.PriorityNormal,
	})
}
