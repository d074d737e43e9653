// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"context"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// Assign moves a submitted request under review and records the reviewer.
// Re-assigning to the same reviewer is a no-op; a second reviewer is
// refused until the first releases the request by deciding it.
func (e *Engine) Assign(ctx context.Context, requestID, reviewerID string) (*storage.VerificationRequest, error) {
	if reviewerID == "" {
		return nil, errors.NewInvalidArgumentError("reviewer is required", nil)
	}

	var request *storage.VerificationRequest
	err := e.store.Tx(ctx, func(st storage.Store) error {
		r, err := st.Verifications().GetVerificationRequest(ctx, requestID)
		if err != nil {
			return err
		}
		switch r.Status {
		case storage.RequestSubmitted:
			r.Status = storage.RequestUnderReview
			r.AssignedReviewer = reviewerID
			if err := st.Verifications().UpdateVerificationRequest(ctx, r); err != nil {
				return err
			}
		case storage.RequestUnderReview:
			if r.AssignedReviewer != reviewerID {
				return errors.NewConflictError("another reviewer owns this request", nil)
			}
		case storage.RequestNeedsInfo:
			return errors.NewConflictError("request is waiting on the requester", nil)
		default:
			return errors.NewConflictError("request has already been decided", nil)
		}
		request = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

// Approve decides a request in the reviewer's favor. In one transaction
// the request closes, the identity gains the badge for the request type,
// any handle claim is granted, and the badge change is queued for
// replication.
func (e *Engine) Approve(ctx context.Context, requestID, reviewerID string) (*storage.VerificationRequest, error) {
	var request *storage.VerificationRequest
	err := e.store.Tx(ctx, func(st storage.Store) error {
		r, err := e.ownedForDecision(ctx, st, requestID, reviewerID)
		if err != nil {
			return err
		}

		identity, err := st.Identities().GetIdentity(ctx, r.IdentityID)
		if err != nil {
			return err
		}
		identity.VerificationStatus = storage.VerificationVerified
		identity.VerificationBadge = storage.BadgeForType(r.Type)
		if err := st.Identities().UpdateIdentity(ctx, identity); err != nil {
			return err
		}

		if r.HandleID != "" && e.claims != nil {
			if err := e.claims.GrantClaim(ctx, st, r); err != nil {
				return err
			}
		}

		r.Status = storage.RequestApproved
		if err := st.Verifications().UpdateVerificationRequest(ctx, r); err != nil {
			return err
		}
		if err := e.enqueueBadge(ctx, st, identity); err != nil {
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

// Reject closes a request against the requester with a reason. A pending
// identity drops back to unverified; an identity that already holds a
// badge keeps it. Claim-backed requests release the contested handle.
func (e *Engine) Reject(ctx context.Context, requestID, reviewerID, reason string) (*storage.VerificationRequest, error) {
	if reason == "" {
		return nil, errors.NewInvalidArgumentError("a rejection reason is required", nil)
	}

	var request *storage.VerificationRequest
	err := e.store.Tx(ctx, func(st storage.Store) error {
		r, err := e.ownedForDecision(ctx, st, requestID, reviewerID)
		if err != nil {
			return err
		}

		identity, err := st.Identities().GetIdentity(ctx, r.IdentityID)
		if err != nil {
			return err
		}
		if identity.VerificationStatus == storage.VerificationPending {
			identity.VerificationStatus = storage.VerificationNone
			if err := st.Identities().UpdateIdentity(ctx, identity); err != nil {
				return err
			}
		}

		if r.HandleID != "" && e.claims != nil {
			if err := e.claims.RevokeClaim(ctx, st, r); err != nil {
				return err
			}
		}

		r.Status = storage.RequestRejected
		r.Reason = reason
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

// RequestInfo sends a request back to the requester with a note about
// what is missing. Resubmit returns it to the queue.
func (e *Engine) RequestInfo(ctx context.Context, requestID, reviewerID, reason string) (*storage.VerificationRequest, error) {
	if reason == "" {
		return nil, errors.NewInvalidArgumentError("describe the information needed", nil)
	}

	var request *storage.VerificationRequest
	err := e.store.Tx(ctx, func(st storage.Store) error {
		r, err := e.ownedForDecision(ctx, st, requestID, reviewerID)
		if err != nil {
			return err
		}
		r.Status = storage.RequestNeedsInfo
		r.Reason = reason
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

// ownedForDecision loads a request and checks it is under review by this
// reviewer.
func (e *Engine) ownedForDecision(ctx context.Context, st storage.Store, requestID, reviewerID string) (*storage.VerificationRequest, error) {
	if reviewerID == "" {
		return nil, errors.NewInvalidArgumentError("reviewer is required", nil)
	}
	r, err := st.Verifications().GetVerificationRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != storage.RequestUnderReview {
		return nil, errors.NewConflictError("request is not under review", nil)
	}
	if r.AssignedReviewer != reviewerID {
		return nil, errors.NewConflictError("another reviewer owns this request", nil)
	}
	return r, nil
}
