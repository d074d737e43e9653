// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// claimPendingClass marks handle rows held while a claim is under review.
const claimPendingClass = "claim_pending"

// requestTypeFor maps a protected entity type to the verification request
// type that decides the badge on approval.
func requestTypeFor(entityType string) string {
	switch entityType {
	case "person":
		return "celebrity"
	case "company", "brand":
		return "business"
	case "government":
		return "government"
	default:
		return "individual"
	}
}

// Claim opens the claim workflow for a protected handle: the handle row is
// reserved for the claimant and a verification request is created with the
// priority the protected entry's tier demands. Approval is decided by the
// verification pipeline, which calls GrantClaim or RevokeClaim.
func (e *Engine) Claim(ctx context.Context, identityID, candidate string) (*storage.VerificationRequest, error) {
	if err := ValidateFormat(candidate); err != nil {
		return nil, err
	}
	folded := Fold(candidate)

	var request *storage.VerificationRequest
	err := e.store.Tx(ctx, func(tx storage.Store) error {
		entity, err := tx.ProtectedEntities().GetProtectedEntityByHandle(ctx, folded)
		if err != nil {
			if errors.IsNotFound(err) {
				return errors.NewInvalidArgumentError("handle is not protected; register it directly", nil)
			}
			return err
		}
		if entity.ClaimedBy != "" {
			return errors.NewConflictError("protected handle has already been claimed", nil)
		}
		if live, err := tx.Handles().GetActiveHandleByLower(ctx, folded); err == nil {
			if live.Status == storage.HandleReserved && live.ReservationClass == claimPendingClass {
				return errors.NewConflictError("a claim for this handle is already pending", nil)
			}
			return errors.NewTakenError("handle is already taken", nil)
		} else if !errors.IsNotFound(err) {
			return fmt.Errorf("checking handle availability: %w", err)
		}

		// The reserved row blocks registration and concurrent claims while
		// the request is reviewed; the unique live index rejects the loser.
		now := e.clock.Now().UTC()
		h := &storage.Handle{
			ID:               uuid.NewString(),
			Handle:           entity.Handle,
			HandleLower:      folded,
			OwnerIdentityID:  identityID,
			Status:           storage.HandleReserved,
			ReservationClass: claimPendingClass,
			IsProtected:      true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Handles().CreateHandle(ctx, h); err != nil {
			if errors.IsTaken(err) {
				return errors.NewConflictError("a claim for this handle is already pending", err)
			}
			return err
		}

		request = &storage.VerificationRequest{
			ID:                uuid.NewString(),
			IdentityID:        identityID,
			Type:              requestTypeFor(entity.Type),
			Priority:          storage.ClaimPriority(entity.Tier),
			Status:            storage.RequestSubmitted,
			HandleID:          h.ID,
			ProtectedEntityID: entity.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		return tx.Verifications().CreateVerificationRequest(ctx, request)
	})
	if err != nil {
		return nil, err
	}
	e.InvalidateValidations(ctx)
	return request, nil
}

// GrantClaim finishes an approved claim inside the verification pipeline's
// transaction: the reserved row becomes the claimant's active handle, the
// protected entry records the claim, and the identity's previous handle is
// released.
func (e *Engine) GrantClaim(ctx context.Context, st storage.Store, request *storage.VerificationRequest) error {
	if request.HandleID == "" {
		return nil
	}
	h, err := st.Handles().GetHandle(ctx, request.HandleID)
	if err != nil {
		return fmt.Errorf("loading claimed handle: %w", err)
	}
	h.OwnerIdentityID = request.IdentityID
	h.Status = storage.HandleActive
	h.ReservationClass = ""
	if err := st.Handles().UpdateHandle(ctx, h); err != nil {
		return err
	}

	if request.ProtectedEntityID != "" {
		entity, err := st.ProtectedEntities().GetProtectedEntity(ctx, request.ProtectedEntityID)
		if err != nil {
			return fmt.Errorf("loading protected entity: %w", err)
		}
		now := e.clock.Now().UTC()
		entity.ClaimedBy = request.IdentityID
		entity.ClaimedAt = &now
		if err := st.ProtectedEntities().UpdateProtectedEntity(ctx, entity); err != nil {
			return err
		}
	}

	// An identity holds exactly one active handle; the claimed one takes
	// over and the previous row is released.
	identity, err := st.Identities().GetIdentity(ctx, request.IdentityID)
	if err != nil {
		return fmt.Errorf("loading claimant: %w", err)
	}
	if identity.HandleID != h.ID {
		if identity.HandleID != "" {
			previous, err := st.Handles().GetHandle(ctx, identity.HandleID)
			if err != nil && !errors.IsNotFound(err) {
				return fmt.Errorf("loading previous handle: %w", err)
			}
			if err == nil && previous.Status == storage.HandleActive {
				previous.Status = storage.HandleReleased
				if err := st.Handles().UpdateHandle(ctx, previous); err != nil {
					return err
				}
			}
		}
		identity.HandleID = h.ID
		if err := st.Identities().UpdateIdentity(ctx, identity); err != nil {
			return err
		}
	}

	if err := e.EnqueueOwnership(ctx, st, h, storage.PriorityHigh); err != nil {
		return err
	}
	e.InvalidateValidations(ctx)
	return nil
}

// RevokeClaim releases the reserved row of a rejected claim so the handle
// can be claimed again. Safe to call for requests that never reserved one.
func (e *Engine) RevokeClaim(ctx context.Context, st storage.Store, request *storage.VerificationRequest) error {
	if request.HandleID == "" {
		return nil
	}
	h, err := st.Handles().GetHandle(ctx, request.HandleID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if h.Status != storage.HandleReserved {
		return nil
	}
	h.Status = storage.HandleReleased
	if err := st.Handles().UpdateHandle(ctx, h); err != nil {
		return err
	}
	e.InvalidateValidations(ctx)
	return nil
}
