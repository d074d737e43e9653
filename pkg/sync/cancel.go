// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"time"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// Cancel withdraws a job and every dependent that cannot advance past the
// cancellation. Cancelling an already-cancelled job is a no-op; completed
// and failed jobs refuse. A job that is currently leased or processing is
// cancelled too: the version bump makes the worker's writeback lose, and
// adapters treat replayed checksums as no-ops, so any in-flight dispatch is
// harmless.
func (e *Engine) Cancel(ctx context.Context, jobID string) (*storage.SyncJob, error) {
	var cancelled *storage.SyncJob
	err := e.store.Tx(ctx, func(st storage.Store) error {
		job, err := st.SyncJobs().GetSyncJob(ctx, jobID)
		if err != nil {
			return err
		}
		switch job.Status {
		case storage.JobCancelled:
			cancelled = job
			return nil
		case storage.JobCompleted, storage.JobFailed:
			return errors.NewConflictError("job already finished and cannot be cancelled", nil)
		}

		now := e.clock.Now().UTC()
		if err := e.cancelOne(ctx, st, job, now, "cancelled by request"); err != nil {
			return err
		}

		// Dependents that may advance past a cancelled dependency stay
		// queued; the rest can never become runnable.
		queue := []string{job.ID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			dependents, err := st.SyncJobs().ListDependents(ctx, id)
			if err != nil {
				return err
			}
			for _, dep := range dependents {
				if dep.Status.Terminal() || dep.AdvanceOnCancel {
					continue
				}
				if err := e.cancelOne(ctx, st, dep, now, "dependency "+id+" cancelled"); err != nil {
					return err
				}
				queue = append(queue, dep.ID)
			}
		}
		cancelled = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (e *Engine) cancelOne(ctx context.Context, st storage.Store, job *storage.SyncJob, now time.Time, detail string) error {
	job.Status = storage.JobCancelled
	job.CompletedAt = &now
	job.NextRetryAt = nil
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	if err := st.SyncJobs().UpdateSyncJob(ctx, job); err != nil {
		return err
	}
	jobsSettled.WithLabelValues(string(storage.JobCancelled)).Inc()
	return st.SyncJobs().AppendJobEvent(ctx, &storage.JobEvent{
		JobID:     job.ID,
		Type:      storage.EventCancelled,
		Attempt:   job.Attempts,
		Detail:    detail,
		CreatedAt: now,
	})
}
