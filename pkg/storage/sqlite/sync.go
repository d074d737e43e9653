// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// syncJobStore implements storage.SyncJobStore.
type syncJobStore struct {
	s *Store
}

var _ storage.SyncJobStore = (*syncJobStore)(nil)

const syncJobColumns = `id, entity_type, entity_id, source_platform, target_platforms,
	payload, delta, payload_checksum, status, priority, attempts, max_attempts,
	scheduled_at, next_retry_at, lease_owner, lease_expires_at, started_at,
	completed_at, advance_on_cancel, parent_job_id, rollback_data, rollback_job_id,
	conflict_resolution, has_conflicts, is_batch, batch_id, batch_index,
	total_batches, parallel_processing, max_parallel_jobs, last_error,
	created_at, updated_at, version`

// runnableJobConditions selects jobs eligible for leasing: due, with every
// dependency satisfied, first in line for their entity, and within their
// batch's parallelism budget. A cancelled dependency satisfies only jobs
// that opted in via advance_on_cancel; a failed dependency always blocks
// (the failure cascade resolves those).
const runnableJobConditions = `
	j.status IN ('pending', 'ready', 'retrying')
	AND COALESCE(j.next_retry_at, j.scheduled_at) <= ?
	AND NOT EXISTS (
		SELECT 1 FROM sync_job_deps d
		JOIN sync_jobs dep ON dep.id = d.depends_on_id
		WHERE d.job_id = j.id
		  AND NOT (dep.status = 'completed'
		           OR (dep.status = 'cancelled' AND j.advance_on_cancel = 1))
	)
	AND NOT EXISTS (
		SELECT 1 FROM sync_jobs older
		WHERE older.entity_type = j.entity_type
		  AND older.entity_id = j.entity_id
		  AND older.status NOT IN ('completed', 'failed', 'cancelled')
		  AND (older.created_at < j.created_at
		       OR (older.created_at = j.created_at AND older.id < j.id))
	)
	AND (j.batch_id = ''
	     OR (SELECT COUNT(*) FROM sync_jobs running
	         WHERE running.batch_id = j.batch_id
	           AND running.status IN ('leased', 'processing'))
	        < CASE WHEN j.parallel_processing = 1 AND j.max_parallel_jobs > 0
	               THEN j.max_parallel_jobs ELSE 1 END)`

// CreateSyncJob inserts a job and its dependency edges in one transaction.
func (st *syncJobStore) CreateSyncJob(ctx context.Context, job *storage.SyncJob) error {
	targetsJSON, err := encodeJSON(job.TargetPlatforms)
	if err != nil {
		return fmt.Errorf("encoding target platforms: %w", err)
	}

	return st.s.withTx(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO sync_jobs (
				id, entity_type, entity_id, source_platform, target_platforms,
				payload, delta, payload_checksum, status, priority, attempts,
				max_attempts, scheduled_at, next_retry_at, lease_owner,
				lease_expires_at, started_at, completed_at, advance_on_cancel,
				parent_job_id, rollback_data, rollback_job_id, conflict_resolution,
				has_conflicts, is_batch, batch_id, batch_index, total_batches,
				parallel_processing, max_parallel_jobs, last_error,
				created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			job.ID,
			job.EntityType,
			job.EntityID,
			job.SourcePlatform,
			targetsJSON,
			rawJSON(job.Payload, "{}"),
			nullRawJSON(job.Delta),
			job.PayloadChecksum,
			string(job.Status),
			int(job.Priority),
			job.Attempts,
			job.MaxAttempts,
			formatTime(job.ScheduledAt),
			nullTime(job.NextRetryAt),
			job.LeaseOwner,
			nullTime(job.LeaseExpiresAt),
			nullTime(job.StartedAt),
			nullTime(job.CompletedAt),
			job.AdvanceOnCancel,
			job.ParentJobID,
			nullRawJSON(job.RollbackData),
			job.RollbackJobID,
			string(job.ConflictResolution),
			job.HasConflicts,
			job.IsBatch,
			job.BatchID,
			job.BatchIndex,
			job.TotalBatches,
			job.ParallelProcessing,
			job.MaxParallelJobs,
			job.LastError,
			formatTime(job.CreatedAt),
			formatTime(job.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.NewConflictError("sync job already exists", err)
			}
			return fmt.Errorf("inserting sync job: %w", err)
		}

		for _, depID := range job.DependsOn {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO sync_job_deps (job_id, depends_on_id) VALUES (?, ?)`,
				job.ID, depID,
			); err != nil {
				if isUniqueViolation(err) {
					return errors.NewConflictError("duplicate job dependency", err)
				}
				return fmt.Errorf("inserting job dependency: %w", err)
			}
		}

		job.Version = 1
		return nil
	})
}

// GetSyncJob retrieves a job and its dependency edges.
func (st *syncJobStore) GetSyncJob(ctx context.Context, id string) (*storage.SyncJob, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = ?`, id)
	job, err := scanSyncJob(row)
	if err != nil {
		return nil, err
	}
	if job.DependsOn, err = fetchJobDeps(ctx, st.s.q, id); err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateSyncJob writes the mutable fields of a job back, guarded by its
// version. Payload, delta, targets and batch shape are immutable after
// enqueue.
func (st *syncJobStore) UpdateSyncJob(ctx context.Context, job *storage.SyncJob) error {
	now := time.Now().UTC()
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE sync_jobs SET
			status = ?, priority = ?, attempts = ?, max_attempts = ?,
			scheduled_at = ?, next_retry_at = ?, lease_owner = ?,
			lease_expires_at = ?, started_at = ?, completed_at = ?,
			advance_on_cancel = ?, rollback_data = ?, rollback_job_id = ?,
			conflict_resolution = ?, has_conflicts = ?, last_error = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(job.Status),
		int(job.Priority),
		job.Attempts,
		job.MaxAttempts,
		formatTime(job.ScheduledAt),
		nullTime(job.NextRetryAt),
		job.LeaseOwner,
		nullTime(job.LeaseExpiresAt),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.AdvanceOnCancel,
		nullRawJSON(job.RollbackData),
		job.RollbackJobID,
		string(job.ConflictResolution),
		job.HasConflicts,
		job.LastError,
		formatTime(now),
		job.ID,
		job.Version,
	)
	if err != nil {
		return fmt.Errorf("updating sync job: %w", err)
	}
	if err := optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM sync_jobs WHERE id = ?`, job.ID); err != nil {
		return err
	}
	job.Version++
	job.UpdatedAt = now
	return nil
}

// AcquireLeases selects up to limit runnable jobs and leases them to owner.
// The candidate query enforces the batch parallelism budget against jobs
// already running; the loop below additionally budgets the candidates
// leased within this very call.
func (st *syncJobStore) AcquireLeases(ctx context.Context, owner string, limit int, now time.Time, leaseTTL time.Duration) ([]*storage.SyncJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	var leased []*storage.SyncJob
	err := st.s.withTx(ctx, func(q querier) error {
		leased = nil
		rows, err := q.QueryContext(ctx,
			`SELECT `+syncJobColumns+` FROM sync_jobs j
			 WHERE `+runnableJobConditions+`
			 ORDER BY j.priority, COALESCE(j.next_retry_at, j.scheduled_at), j.id
			 LIMIT ?`,
			formatTime(now), limit)
		if err != nil {
			return fmt.Errorf("querying runnable jobs: %w", err)
		}
		candidates, err := collectSyncJobs(rows)
		if err != nil {
			return err
		}

		expiry := now.Add(leaseTTL)
		batchRunning := make(map[string]int)
		for _, job := range candidates {
			if len(leased) == limit {
				break
			}
			if job.BatchID != "" {
				if _, ok := batchRunning[job.BatchID]; !ok {
					n, err := countRunningBatchJobs(ctx, q, job.BatchID)
					if err != nil {
						return err
					}
					batchRunning[job.BatchID] = n
				}
				budget := 1
				if job.ParallelProcessing && job.MaxParallelJobs > 0 {
					budget = job.MaxParallelJobs
				}
				if batchRunning[job.BatchID] >= budget {
					continue
				}
				batchRunning[job.BatchID]++
			}

			res, err := q.ExecContext(ctx, `
				UPDATE sync_jobs SET
					status = 'leased', lease_owner = ?, lease_expires_at = ?,
					updated_at = ?, version = version + 1
				WHERE id = ? AND version = ?`,
				owner, formatTime(expiry), formatTime(now), job.ID, job.Version)
			if err != nil {
				return fmt.Errorf("leasing job: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("checking rows affected: %w", err)
			}
			if affected == 0 {
				continue
			}

			leaseExpiry := expiry
			job.Status = storage.JobLeased
			job.LeaseOwner = owner
			job.LeaseExpiresAt = &leaseExpiry
			job.UpdatedAt = now
			job.Version++
			leased = append(leased, job)
		}

		return loadJobDeps(ctx, q, leased)
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// ReclaimExpiredLeases resets jobs whose lease expired. Jobs with attempts
// left go back to retrying, immediately eligible; jobs out of attempts go
// straight to failed. A job reclaimed while still leased never started, so
// its lost cycle consumes an attempt here; processing jobs consumed theirs
// at start.
func (st *syncJobStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*storage.SyncJob, error) {
	var reclaimed []*storage.SyncJob
	err := st.s.withTx(ctx, func(q querier) error {
		reclaimed = nil
		rows, err := q.QueryContext(ctx,
			`SELECT `+syncJobColumns+` FROM sync_jobs
			 WHERE status IN ('leased', 'processing')
			   AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
			 ORDER BY lease_expires_at, id`,
			formatTime(now))
		if err != nil {
			return fmt.Errorf("querying expired leases: %w", err)
		}
		jobs, err := collectSyncJobs(rows)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			if job.Status == storage.JobLeased {
				job.Attempts++
			}
			job.LeaseOwner = ""
			job.LeaseExpiresAt = nil
			job.NextRetryAt = nil
			job.LastError = "lease expired"
			if job.Attempts >= job.MaxAttempts {
				completed := now
				job.Status = storage.JobFailed
				job.CompletedAt = &completed
			} else {
				job.Status = storage.JobRetrying
			}

			if _, err := q.ExecContext(ctx, `
				UPDATE sync_jobs SET
					status = ?, attempts = ?, lease_owner = '',
					lease_expires_at = NULL, next_retry_at = NULL,
					completed_at = ?, last_error = ?, updated_at = ?,
					version = version + 1
				WHERE id = ?`,
				string(job.Status), job.Attempts, nullTime(job.CompletedAt),
				job.LastError, formatTime(now), job.ID,
			); err != nil {
				return fmt.Errorf("reclaiming lease: %w", err)
			}
			job.Version++
			job.UpdatedAt = now
		}

		if err := loadJobDeps(ctx, q, jobs); err != nil {
			return err
		}
		reclaimed = jobs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

// PromoteWaitingJobs moves waiting_deps jobs whose dependencies are all
// satisfied to ready.
func (st *syncJobStore) PromoteWaitingJobs(ctx context.Context, now time.Time) (int64, error) {
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'ready', updated_at = ?, version = version + 1
		WHERE status = 'waiting_deps'
		  AND NOT EXISTS (
			SELECT 1 FROM sync_job_deps d
			JOIN sync_jobs dep ON dep.id = d.depends_on_id
			WHERE d.job_id = sync_jobs.id
			  AND NOT (dep.status = 'completed'
			           OR (dep.status = 'cancelled' AND sync_jobs.advance_on_cancel = 1))
		  )`,
		formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("promoting waiting jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}

// ListOpenJobsByEntity returns the non-terminal jobs of one entity in
// creation order.
func (st *syncJobStore) ListOpenJobsByEntity(ctx context.Context, entityType, entityID string) ([]*storage.SyncJob, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs
		 WHERE entity_type = ? AND entity_id = ?
		   AND status NOT IN ('completed', 'failed', 'cancelled')
		 ORDER BY created_at, id`,
		entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("querying open jobs: %w", err)
	}
	return st.collectWithDeps(ctx, rows)
}

// ListDependents returns the jobs that declare a dependency on jobID.
func (st *syncJobStore) ListDependents(ctx context.Context, jobID string) ([]*storage.SyncJob, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs j
		 JOIN sync_job_deps d ON d.job_id = j.id
		 WHERE d.depends_on_id = ?
		 ORDER BY j.created_at, j.id`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("querying dependent jobs: %w", err)
	}
	return st.collectWithDeps(ctx, rows)
}

// ListJobsByBatch returns a batch's jobs in batch order.
func (st *syncJobStore) ListJobsByBatch(ctx context.Context, batchID string) ([]*storage.SyncJob, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs
		 WHERE batch_id = ? ORDER BY batch_index, created_at, id`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("querying batch jobs: %w", err)
	}
	return st.collectWithDeps(ctx, rows)
}

// ListRecentJobs returns jobs newest first, optionally filtered by status.
func (st *syncJobStore) ListRecentJobs(ctx context.Context, status storage.JobStatus, limit int) ([]*storage.SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs`
	args := make([]any, 0, 2)
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := st.s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent jobs: %w", err)
	}
	return st.collectWithDeps(ctx, rows)
}

// AppendJobEvent appends one record to a job's history.
func (st *syncJobStore) AppendJobEvent(ctx context.Context, event *storage.JobEvent) error {
	res, err := st.s.q.ExecContext(ctx, `
		INSERT INTO sync_job_events (job_id, event_type, target, attempt, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.JobID,
		string(event.Type),
		event.Target,
		event.Attempt,
		event.Detail,
		formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting job event: %w", err)
	}
	if event.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("getting job event id: %w", err)
	}
	return nil
}

// ListJobEvents returns a job's history in append order.
func (st *syncJobStore) ListJobEvents(ctx context.Context, jobID string) ([]*storage.JobEvent, error) {
	rows, err := st.s.q.QueryContext(ctx, `
		SELECT id, job_id, event_type, target, attempt, detail, created_at
		FROM sync_job_events WHERE job_id = ? ORDER BY id`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("querying job events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*storage.JobEvent
	for rows.Next() {
		var (
			e         storage.JobEvent
			eventType string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &eventType, &e.Target, &e.Attempt, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning job event row: %w", err)
		}
		e.Type = storage.JobEventType(eventType)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job event rows: %w", err)
	}
	return events, nil
}

// collectWithDeps drains a job rowset, then loads dependency edges. The
// rowset must be fully drained and closed first because the pool is capped
// at one connection.
func (st *syncJobStore) collectWithDeps(ctx context.Context, rows *sql.Rows) ([]*storage.SyncJob, error) {
	jobs, err := collectSyncJobs(rows)
	if err != nil {
		return nil, err
	}
	if err := loadJobDeps(ctx, st.s.q, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// collectSyncJobs drains and closes a job rowset.
func collectSyncJobs(rows *sql.Rows) ([]*storage.SyncJob, error) {
	defer func() { _ = rows.Close() }()

	var jobs []*storage.SyncJob
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync job rows: %w", err)
	}
	return jobs, nil
}

// loadJobDeps fills DependsOn for each job.
func loadJobDeps(ctx context.Context, q querier, jobs []*storage.SyncJob) error {
	for _, job := range jobs {
		deps, err := fetchJobDeps(ctx, q, job.ID)
		if err != nil {
			return err
		}
		job.DependsOn = deps
	}
	return nil
}

// fetchJobDeps returns the dependency ids of one job.
func fetchJobDeps(ctx context.Context, q querier, jobID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT depends_on_id FROM sync_job_deps WHERE job_id = ? ORDER BY depends_on_id`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("querying job dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scanning job dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job dependency rows: %w", err)
	}
	return deps, nil
}

// countRunningBatchJobs counts a batch's leased and processing jobs.
func countRunningBatchJobs(ctx context.Context, q querier, batchID string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_jobs WHERE batch_id = ? AND status IN ('leased', 'processing')`,
		batchID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting running batch jobs: %w", err)
	}
	return n, nil
}

// rawJSON renders a raw JSON column with a fallback for empty values.
func rawJSON(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	return string(raw)
}

// nullRawJSON renders an optional raw JSON column.
func nullRawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// scanSyncJob scans one sync job row. DependsOn is loaded separately.
func scanSyncJob(sc scanner) (*storage.SyncJob, error) {
	var (
		j                  storage.SyncJob
		targetsBlob        []byte
		payloadBlob        []byte
		deltaBlob          []byte
		rollbackBlob       []byte
		status             string
		priority           int
		conflictResolution string
		scheduledAt        string
		nextRetryAt        sql.NullString
		leaseExpiresAt     sql.NullString
		startedAt          sql.NullString
		completedAt        sql.NullString
		createdAt          string
		updatedAt          string
	)
	err := sc.Scan(
		&j.ID, &j.EntityType, &j.EntityID, &j.SourcePlatform, &targetsBlob,
		&payloadBlob, &deltaBlob, &j.PayloadChecksum, &status, &priority,
		&j.Attempts, &j.MaxAttempts, &scheduledAt, &nextRetryAt,
		&j.LeaseOwner, &leaseExpiresAt, &startedAt, &completedAt,
		&j.AdvanceOnCancel, &j.ParentJobID, &rollbackBlob, &j.RollbackJobID,
		&conflictResolution, &j.HasConflicts, &j.IsBatch, &j.BatchID,
		&j.BatchIndex, &j.TotalBatches, &j.ParallelProcessing,
		&j.MaxParallelJobs, &j.LastError, &createdAt, &updatedAt, &j.Version,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("sync job not found", nil)
		}
		return nil, fmt.Errorf("scanning sync job row: %w", err)
	}

	j.Status = storage.JobStatus(status)
	j.Priority = storage.JobPriority(priority)
	j.ConflictResolution = storage.ConflictStrategy(conflictResolution)

	if err := decodeJSON(targetsBlob, &j.TargetPlatforms); err != nil {
		return nil, fmt.Errorf("decoding target platforms: %w", err)
	}
	if len(payloadBlob) > 0 {
		j.Payload = json.RawMessage(payloadBlob)
	}
	if len(deltaBlob) > 0 {
		j.Delta = json.RawMessage(deltaBlob)
	}
	if len(rollbackBlob) > 0 {
		j.RollbackData = json.RawMessage(rollbackBlob)
	}

	if j.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, err
	}
	if j.NextRetryAt, err = scanNullTime(nextRetryAt); err != nil {
		return nil, err
	}
	if j.LeaseExpiresAt, err = scanNullTime(leaseExpiresAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = scanNullTime(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = scanNullTime(completedAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}
