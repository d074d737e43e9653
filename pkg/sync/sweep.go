// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"fmt"

	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/storage"
)

// Sweep reclaims expired leases and promotes jobs whose dependencies have
// resolved. The sweep loop runs it on the configured interval; tests and
// maintenance commands can call it directly.
//
// A reclaimed job already consumed its attempt when processing started, so
// the store either reschedules it as retrying or, with attempts exhausted,
// fails it. Failures cascade to dependents here the same way a worker
// writeback does.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.clock.Now().UTC()
	reclaimed, err := e.store.SyncJobs().ReclaimExpiredLeases(ctx, now)
	if err != nil {
		return fmt.Errorf("reclaiming expired leases: %w", err)
	}
	for _, job := range reclaimed {
		leaseReclaims.Inc()
		e.appendEvent(ctx, job.ID, storage.EventLeaseReclaimed, "", job.Attempts, "lease expired mid-flight")
		if job.Status != storage.JobFailed {
			continue
		}
		jobsSettled.WithLabelValues(string(storage.JobFailed)).Inc()
		e.appendEvent(ctx, job.ID, storage.EventFailed, "", job.Attempts, "attempts exhausted after lost lease")
		err := e.store.Tx(ctx, func(st storage.Store) error {
			return e.cascadeFailure(ctx, st, job.ID, now)
		})
		if err != nil {
			logger.Warnw("cascading reclaimed job failure", "job_id", job.ID, "error", err)
		}
	}

	promoted, err := e.store.SyncJobs().PromoteWaitingJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("promoting waiting jobs: %w", err)
	}
	if promoted > 0 {
		logger.Debugf("promoted %d sync jobs with satisfied dependencies", promoted)
	}
	return nil
}
