// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// Outbox enqueues replication jobs. Callers pass the storage handle of the
// transaction that performs the mutation, so the job commits or rolls back
// with the write it describes.
type Outbox struct {
	clock clockwork.Clock
	cfg   config.SyncConfig
}

// NewOutbox builds an outbox stamping jobs with the configured source
// platform, target set and attempt budget.
func NewOutbox(clock clockwork.Clock, cfg config.SyncConfig) *Outbox {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.SourcePlatform == "" {
		cfg.SourcePlatform = "eid"
	}
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = []string{"sonet", "gala", "pika"}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Outbox{clock: clock, cfg: cfg}
}

// Enqueue validates the job payload, fills queue bookkeeping the caller left
// blank and writes the job plus its enqueued event. Fields the caller set
// (priority, targets, schedule, dependencies, conflict strategy, rollback
// snapshot) are kept as given.
func (o *Outbox) Enqueue(ctx context.Context, st storage.Store, job *storage.SyncJob) error {
	if job.EntityType == "" || job.EntityID == "" {
		return errors.NewInvalidArgumentError("sync job needs an entity type and id", nil)
	}
	if err := ValidatePayload(job.EntityType, job.Payload); err != nil {
		return err
	}
	if len(job.RollbackData) > 0 {
		if err := ValidatePayload(job.EntityType, job.RollbackData); err != nil {
			return errors.NewInvalidArgumentError("rollback snapshot rejected", err)
		}
	}

	now := o.clock.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.SourcePlatform == "" {
		job.SourcePlatform = o.cfg.SourcePlatform
	}
	if len(job.TargetPlatforms) == 0 {
		job.TargetPlatforms = append([]string(nil), o.cfg.Platforms...)
	}
	for _, target := range job.TargetPlatforms {
		if target == "" {
			return errors.NewInvalidArgumentError("sync job has an empty target platform", nil)
		}
		if target == job.SourcePlatform {
			return errors.NewInvalidArgumentError("sync job cannot target its source platform", nil)
		}
	}
	if job.Priority == 0 {
		job.Priority = storage.PriorityNormal
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = o.cfg.MaxAttempts
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	if job.PayloadChecksum == "" {
		job.PayloadChecksum = Checksum(job.Payload)
	}
	if job.ConflictResolution == "" {
		job.ConflictResolution = storage.ConflictLatestWins
	}
	if job.Status == "" {
		job.Status = storage.JobPending
		if len(job.DependsOn) > 0 {
			job.Status = storage.JobWaitingDeps
		}
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := st.SyncJobs().CreateSyncJob(ctx, job); err != nil {
		return err
	}
	return st.SyncJobs().AppendJobEvent(ctx, &storage.JobEvent{
		JobID:     job.ID,
		Type:      storage.EventEnqueued,
		Detail:    "targets " + strings.Join(job.TargetPlatforms, ","),
		CreatedAt: now,
	})
}

// EnqueueBatch enqueues the jobs as one batch and returns the batch id.
// With parallel set, up to maxParallel members run at once; otherwise
// members run one at a time. Per-entity ordering still applies either way.
func (o *Outbox) EnqueueBatch(ctx context.Context, st storage.Store, jobs []*storage.SyncJob, parallel bool, maxParallel int) (string, error) {
	if len(jobs) == 0 {
		return "", errors.NewInvalidArgumentError("batch has no jobs", nil)
	}
	if parallel && maxParallel <= 0 {
		return "", errors.NewInvalidArgumentError("parallel batch needs a positive job budget", nil)
	}
	batchID := uuid.New().String()
	for i, job := range jobs {
		job.IsBatch = true
		job.BatchID = batchID
		job.BatchIndex = i
		job.TotalBatches = len(jobs)
		job.ParallelProcessing = parallel
		if parallel {
			job.MaxParallelJobs = maxParallel
		}
		if err := o.Enqueue(ctx, st, job); err != nil {
			return "", err
		}
	}
	return batchID, nil
}
