// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/storage"
)

// transferTokenBytes sizes the one-time transfer token (256 bits).
const transferTokenBytes = 32

func hashTransferToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// InitiateTransfer starts a two-phase handle transfer. The handle moves to
// transferring and a one-time token is returned for out-of-band delivery to
// the receiver; only its hash is stored. The receiver must confirm before
// the window closes or the handle reverts to the current owner.
func (e *Engine) InitiateTransfer(ctx context.Context, handleID, fromIdentityID, toIdentityID string) (string, time.Time, error) {
	if toIdentityID == "" {
		return "", time.Time{}, errors.NewInvalidArgumentError("receiving identity is required", nil)
	}
	if toIdentityID == fromIdentityID {
		return "", time.Time{}, errors.NewInvalidArgumentError("cannot transfer a handle to its current owner", nil)
	}

	token, err := crypto.RandomToken(transferTokenBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generating transfer token: %w", err)
	}
	expiresAt := e.clock.Now().UTC().Add(e.cfg.TransferTTL)

	err = e.store.Tx(ctx, func(tx storage.Store) error {
		if _, err := tx.Identities().GetIdentity(ctx, toIdentityID); err != nil {
			return err
		}
		h, err := tx.Handles().GetHandle(ctx, handleID)
		if err != nil {
			return err
		}
		if h.OwnerIdentityID != fromIdentityID {
			return errors.NewInvalidArgumentError("handle is not owned by this identity", nil)
		}
		if h.Status == storage.HandleTransferring {
			return errors.NewTransferConflictError("a transfer is already in progress", nil)
		}
		if h.Status != storage.HandleActive {
			return errors.NewTransferConflictError("only active handles can be transferred", nil)
		}

		h.Status = storage.HandleTransferring
		h.TransferTokenHash = hashTransferToken(token)
		h.TransferToIdentity = toIdentityID
		h.TransferExpiresAt = &expiresAt
		return tx.Handles().UpdateHandle(ctx, h)
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ConfirmTransfer completes a transfer. The receiver presents the one-time
// token; on a match inside the window, ownership switches, the handle's
// outstanding sync jobs are cancelled, and a fresh replication job under
// the new owner is enqueued in the same transaction.
func (e *Engine) ConfirmTransfer(ctx context.Context, handleID, receiverIdentityID, token string) (*storage.Handle, error) {
	tokenHash := hashTransferToken(token)

	var transferred *storage.Handle
	err := e.store.Tx(ctx, func(tx storage.Store) error {
		h, err := tx.Handles().GetHandle(ctx, handleID)
		if err != nil {
			return err
		}
		if h.Status != storage.HandleTransferring {
			return errors.NewTransferConflictError("handle has no transfer in progress", nil)
		}
		if h.TransferExpiresAt == nil || !e.clock.Now().Before(*h.TransferExpiresAt) {
			return errors.NewTransferExpiredError("transfer window has closed", nil)
		}
		if h.TransferToIdentity != receiverIdentityID {
			return errors.NewTransferConflictError("transfer is addressed to a different identity", nil)
		}
		if subtle.ConstantTimeCompare([]byte(h.TransferTokenHash), []byte(tokenHash)) != 1 {
			return errors.NewTransferConflictError("transfer token does not match", nil)
		}

		if err := e.cancelOpenJobs(ctx, tx, h.ID); err != nil {
			return err
		}

		h.OriginalOwnerID = h.OwnerIdentityID
		h.OwnerIdentityID = receiverIdentityID
		h.Status = storage.HandleActive
		h.TransferTokenHash = ""
		h.TransferToIdentity = ""
		h.TransferExpiresAt = nil
		if err := tx.Handles().UpdateHandle(ctx, h); err != nil {
			return err
		}

		transferred = h
		return e.EnqueueOwnership(ctx, tx, h, storage.PriorityHigh)
	})
	if err != nil {
		return nil, err
	}
	return transferred, nil
}

// cancelOpenJobs quiesces the handle's outstanding sync work. Jobs leased
// by a worker get cancelled too; the worker's terminal write then fails its
// version check and the result is discarded.
func (e *Engine) cancelOpenJobs(ctx context.Context, tx storage.Store, handleID string) error {
	open, err := tx.SyncJobs().ListOpenJobsByEntity(ctx, "handle", handleID)
	if err != nil {
		return fmt.Errorf("listing open handle jobs: %w", err)
	}
	now := e.clock.Now().UTC()
	for _, job := range open {
		job.Status = storage.JobCancelled
		job.CompletedAt = &now
		if err := tx.SyncJobs().UpdateSyncJob(ctx, job); err != nil {
			return fmt.Errorf("cancelling job %s: %w", job.ID, err)
		}
		if err := tx.SyncJobs().AppendJobEvent(ctx, &storage.JobEvent{
			JobID:     job.ID,
			Type:      storage.EventCancelled,
			Attempt:   job.Attempts,
			Detail:    "superseded by handle transfer",
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("recording cancellation of job %s: %w", job.ID, err)
		}
	}
	return nil
}

// ExpireTransfers reverts handles whose transfer window closed without a
// confirmation back to active under the original owner. Run periodically
// by the sweeper; returns how many handles reverted.
func (e *Engine) ExpireTransfers(ctx context.Context) (int, error) {
	expired, err := e.store.Handles().ListExpiredTransfers(ctx, e.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("listing expired transfers: %w", err)
	}

	reverted := 0
	for _, h := range expired {
		h.Status = storage.HandleActive
		h.TransferTokenHash = ""
		h.TransferToIdentity = ""
		h.TransferExpiresAt = nil
		if err := e.store.Handles().UpdateHandle(ctx, h); err != nil {
			// A concurrent confirmation wins the race; skip and move on.
			if errors.IsConflict(err) || errors.IsNotFound(err) {
				continue
			}
			return reverted, err
		}
		logger.Infow("handle transfer expired", "handle", h.Handle, "owner", h.OwnerIdentityID)
		reverted++
	}
	return reverted, nil
}
