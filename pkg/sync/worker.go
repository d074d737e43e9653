// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/storage"
)

// errTransient marks a transient target outcome as a failure so the circuit
// breaker counts it. Rejections and conflicts are answers, not outages, and
// pass through the breaker as successes.
var errTransient = stderrors.New("transient target failure")

// RunOnce leases one batch of runnable jobs and processes them, returning
// how many it picked up. The poll loop calls this every tick; tests and
// one-shot tools can drive the queue with it directly.
func (e *Engine) RunOnce(ctx context.Context, worker string) (int, error) {
	now := e.clock.Now().UTC()
	jobs, err := e.store.SyncJobs().AcquireLeases(ctx, worker, e.cfg.BatchSize, now, e.cfg.ProcessingTimeout)
	if err != nil {
		return 0, fmt.Errorf("acquiring job leases: %w", err)
	}
	for _, job := range jobs {
		e.appendEvent(ctx, job.ID, storage.EventLeased, "", job.Attempts, "leased by "+worker)
		if err := e.process(ctx, job); err != nil {
			// The job keeps its lease; the sweeper reclaims it once the
			// lease expires, with the attempt already consumed.
			logger.Errorw("processing sync job", "job_id", job.ID, "entity", job.EntityType+"/"+job.EntityID, "error", err)
		}
	}
	return len(jobs), nil
}

func (e *Engine) process(ctx context.Context, job *storage.SyncJob) error {
	started := time.Now()
	defer func() {
		processingSeconds.Observe(time.Since(started).Seconds())
	}()

	now := e.clock.Now().UTC()
	job.Status = storage.JobProcessing
	job.StartedAt = &now
	job.Attempts++
	if err := e.store.SyncJobs().UpdateSyncJob(ctx, job); err != nil {
		// A concurrent cancel wins the version race; drop the work.
		if errors.IsConflict(err) || errors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("marking job processing: %w", err)
	}
	e.appendEvent(ctx, job.ID, storage.EventProcessing, "", job.Attempts,
		fmt.Sprintf("attempt %d/%d", job.Attempts, job.MaxAttempts))

	results := e.dispatchAll(ctx, job)
	return e.settle(ctx, job, results)
}

// dispatchAll pushes the payload to every target in order and collects the
// per-target results. Conflicts are resolved inline according to the job's
// strategy.
func (e *Engine) dispatchAll(ctx context.Context, job *storage.SyncJob) map[string]Result {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProcessingTimeout)
	defer cancel()

	results := make(map[string]Result, len(job.TargetPlatforms))
	for _, target := range job.TargetPlatforms {
		res := e.dispatch(ctx, target, job, "")
		if res.Outcome == OutcomeConflict {
			res = e.resolveConflict(ctx, target, job, res)
		}
		results[target] = res
		targetDispatches.WithLabelValues(target, string(res.Outcome)).Inc()
		if res.Outcome == OutcomeOK {
			e.appendEvent(ctx, job.ID, storage.EventTargetSucceeded, target, job.Attempts, res.Detail)
		} else {
			detail := string(res.Outcome)
			if res.Detail != "" {
				detail += ": " + res.Detail
			}
			e.appendEvent(ctx, job.ID, storage.EventTargetFailed, target, job.Attempts, detail)
		}
	}
	return results
}

// dispatch runs one upsert against one target through its circuit breaker.
func (e *Engine) dispatch(ctx context.Context, target string, job *storage.SyncJob, expectedVersion string) Result {
	adapter, ok := e.adapter(target)
	if !ok {
		return Result{Outcome: OutcomePermanent, Detail: "no adapter registered for " + target}
	}
	value, err := e.breaker(target).Execute(func() (interface{}, error) {
		res, upsertErr := adapter.Upsert(ctx, Upsert{
			EntityType:      job.EntityType,
			EntityID:        job.EntityID,
			Payload:         job.Payload,
			Checksum:        job.PayloadChecksum,
			ExpectedVersion: expectedVersion,
		})
		if upsertErr != nil {
			return Result{Outcome: OutcomeTransient, Detail: upsertErr.Error()}, upsertErr
		}
		if res.Outcome == OutcomeTransient {
			return res, errTransient
		}
		return res, nil
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{Outcome: OutcomeTransient, Detail: "circuit open for " + target}
	}
	res, ok := value.(Result)
	if !ok {
		return Result{Outcome: OutcomeTransient, Detail: "adapter returned no result"}
	}
	return res
}

// resolveConflict applies the job's conflict strategy to a version conflict
// reported by one target.
func (e *Engine) resolveConflict(ctx context.Context, target string, job *storage.SyncJob, res Result) Result {
	e.appendEvent(ctx, job.ID, storage.EventConflictDetected, target, job.Attempts, res.Detail)
	switch job.ConflictResolution {
	case storage.ConflictManual:
		job.HasConflicts = true
		return Result{Outcome: OutcomePermanent, Detail: "manual conflict resolution required"}

	case storage.ConflictSourceWins:
		retry := e.dispatch(ctx, target, job, res.RemoteVersion)
		if retry.Outcome == OutcomeOK {
			e.appendEvent(ctx, job.ID, storage.EventConflictResolved, target, job.Attempts, "source copy reissued")
		}
		return retry

	default: // latest_wins
		ours, okOurs := payloadTime(job.Payload)
		theirs, okTheirs := remoteTime(res)
		if okOurs && okTheirs && theirs.After(ours) {
			e.appendEvent(ctx, job.ID, storage.EventConflictResolved, target, job.Attempts, "remote copy newer, kept")
			return Result{Outcome: OutcomeOK, Detail: "superseded by newer remote state"}
		}
		retry := e.dispatch(ctx, target, job, res.RemoteVersion)
		if retry.Outcome == OutcomeOK {
			e.appendEvent(ctx, job.ID, storage.EventConflictResolved, target, job.Attempts, "local copy newer, reissued")
		}
		return retry
	}
}

func payloadTime(payload []byte) (time.Time, bool) {
	raw := gjson.GetBytes(payload, "updated_at").String()
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// remoteTime extracts the remote copy's timestamp from a conflict result,
// preferring the version header over the payload body.
func remoteTime(res Result) (time.Time, bool) {
	if res.RemoteVersion != "" {
		if t, err := time.Parse(time.RFC3339Nano, res.RemoteVersion); err == nil {
			return t, true
		}
	}
	if len(res.RemotePayload) > 0 {
		return payloadTime(res.RemotePayload)
	}
	return time.Time{}, false
}

// settle writes the job's post-dispatch state in one transaction: terminal
// status or retry schedule, the matching event, and any child retry or
// rollback job this pass produced.
func (e *Engine) settle(ctx context.Context, job *storage.SyncJob, results map[string]Result) error {
	now := e.clock.Now().UTC()
	var succeeded, transient, permanent []string
	for _, target := range job.TargetPlatforms {
		switch res := results[target]; {
		case res.Outcome == OutcomeOK:
			succeeded = append(succeeded, target)
		case res.Outcome.Retryable() || res.Outcome == OutcomeConflict:
			transient = append(transient, target)
		default:
			permanent = append(permanent, target)
		}
	}

	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil

	switch {
	case len(transient) == 0 && len(permanent) == 0:
		job.Status = storage.JobCompleted
		job.CompletedAt = &now
		job.NextRetryAt = nil
		job.LastError = ""
		jobsSettled.WithLabelValues(string(storage.JobCompleted)).Inc()
		return e.store.Tx(ctx, func(st storage.Store) error {
			if err := st.SyncJobs().UpdateSyncJob(ctx, job); err != nil {
				return err
			}
			return st.SyncJobs().AppendJobEvent(ctx, &storage.JobEvent{
				JobID:     job.ID,
				Type:      storage.EventCompleted,
				Attempt:   job.Attempts,
				Detail:    fmt.Sprintf("all %d targets applied", len(succeeded)),
				CreatedAt: now,
			})
		})

	case len(permanent) == 0 && job.Attempts < job.MaxAttempts:
		delay := e.retryDelay(job.Attempts)
		next := now.Add(delay)
		job.Status = storage.JobRetrying
		job.NextRetryAt = &next
		job.LastError = "transient failure at " + strings.Join(transient, ",")
		jobsSettled.WithLabelValues(string(storage.JobRetrying)).Inc()
		return e.store.Tx(ctx, func(st storage.Store) error {
			if err := st.SyncJobs().UpdateSyncJob(ctx, job); err != nil {
				return err
			}
			return st.SyncJobs().AppendJobEvent(ctx, &storage.JobEvent{
				JobID:     job.ID,
				Type:      storage.EventRetrying,
				Attempt:   job.Attempts,
				Detail:    fmt.Sprintf("retry %d/%d in %s", job.Attempts, job.MaxAttempts, delay.Round(time.Millisecond)),
				CreatedAt: now,
			})
		})

	default:
		return e.fail(ctx, job, results, succeeded, transient, permanent, now)
	}
}

// fail marks the job terminally failed and enqueues the follow-up work a
// partial failure leaves behind: a child job for targets that only failed
// transiently, and a compensating rollback job for targets that already
// applied the payload.
func (e *Engine) fail(ctx context.Context, job *storage.SyncJob, results map[string]Result, succeeded, transient, permanent []string, now time.Time) error {
	job.Status = storage.JobFailed
	job.CompletedAt = &now
	job.NextRetryAt = nil
	job.LastError = e.failureSummary(results, job.TargetPlatforms)
	jobsSettled.WithLabelValues(string(storage.JobFailed)).Inc()

	// Child retry only makes sense when the parent stopped for a permanent
	// reason while some targets were merely unlucky. Exhausted attempts
	// stop the line for transient targets too.
	var child *storage.SyncJob
	if len(permanent) > 0 && len(transient) > 0 && job.Attempts < job.MaxAttempts {
		child = &storage.SyncJob{
			EntityType:         job.EntityType,
			EntityID:           job.EntityID,
			SourcePlatform:     job.SourcePlatform,
			TargetPlatforms:    append([]string(nil), transient...),
			Payload:            job.Payload,
			Delta:              job.Delta,
			PayloadChecksum:    job.PayloadChecksum,
			Priority:           job.Priority,
			MaxAttempts:        job.MaxAttempts,
			ScheduledAt:        now.Add(e.retryDelay(job.Attempts)),
			ParentJobID:        job.ID,
			RollbackData:       job.RollbackData,
			ConflictResolution: job.ConflictResolution,
		}
	}

	var rollback *storage.SyncJob
	if len(job.RollbackData) > 0 && len(succeeded) > 0 {
		rollback = &storage.SyncJob{
			EntityType:      job.EntityType,
			EntityID:        job.EntityID,
			SourcePlatform:  job.SourcePlatform,
			TargetPlatforms: append([]string(nil), succeeded...),
			Payload:         job.RollbackData,
			Priority:        storage.PriorityCritical,
			MaxAttempts:     job.MaxAttempts,
			ParentJobID:     job.ID,
			// The snapshot is authoritative; reissue over whatever the
			// target holds.
			ConflictResolution: storage.ConflictSourceWins,
		}
	}

	return e.store.Tx(ctx, func(st storage.Store) error {
		if rollback != nil {
			if err := e.outbox.Enqueue(ctx, st, rollback); err != nil {
				return fmt.Errorf("enqueueing rollback job: %w", err)
			}
			job.RollbackJobID = rollback.ID
		}
		if err := st.SyncJobs().UpdateSyncJob(ctx, job); err != nil {
			return err
		}
		if err := st.SyncJobs().AppendJobEvent(ctx, &storage.JobEvent{
			JobID:     job.ID,
			Type:      storage.EventFailed,
			Attempt:   job.Attempts,
			Detail:    job.LastError,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if rollback != nil {
			if err := st.SyncJobs().AppendJobEvent(ctx, &storage.JobEvent{
				JobID:     job.ID,
				Type:      storage.EventRollbackEnqueued,
				Attempt:   job.Attempts,
				Detail:    fmt.Sprintf("job %s restores %s", rollback.ID, strings.Join(rollback.TargetPlatforms, ",")),
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if child != nil {
			if err := e.outbox.Enqueue(ctx, st, child); err != nil {
				return fmt.Errorf("enqueueing retry job: %w", err)
			}
		}
		return e.cascadeFailure(ctx, st, job.ID, now)
	})
}

func (e *Engine) failureSummary(results map[string]Result, targets []string) string {
	parts := make([]string, 0, len(targets))
	for _, target := range targets {
		res := results[target]
		if res.Outcome == OutcomeOK {
			continue
		}
		part := target + " " + string(res.Outcome)
		if res.Detail != "" {
			part += " (" + res.Detail + ")"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}

// cascadeFailure marks every non-terminal dependent of a failed job failed
// too. A failed dependency always blocks, so those jobs can never run;
// failing them keeps them from pinning their entities forever. Cancelled
// jobs are not in this path; dependents may advance past those.
func (e *Engine) cascadeFailure(ctx context.Context, st storage.Store, rootID string, now time.Time) error {
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		dependents, err := st.SyncJobs().ListDependents(ctx, id)
		if err != nil {
			return fmt.Errorf("listing dependents of %s: %w", id, err)
		}
		for _, dep := range dependents {
			if dep.Status.Terminal() {
				continue
			}
			dep.Status = storage.JobFailed
			dep.CompletedAt = &now
			dep.NextRetryAt = nil
			dep.LeaseOwner = ""
			dep.LeaseExpiresAt = nil
			dep.LastError = "dependency " + id + " failed"
			if err := st.SyncJobs().UpdateSyncJob(ctx, dep); err != nil {
				// A worker holding the job wins the race and settles it
				// on its own.
				if errors.IsConflict(err) || errors.IsNotFound(err) {
					continue
				}
				return err
			}
			if err := st.SyncJobs().AppendJobEvent(ctx, &storage.JobEvent{
				JobID:     dep.ID,
				Type:      storage.EventFailed,
				Attempt:   dep.Attempts,
				Detail:    dep.LastError,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			jobsSettled.WithLabelValues(string(storage.JobFailed)).Inc()
			queue = append(queue, dep.ID)
		}
	}
	return nil
}

// retryDelay derives the wait before the next attempt: exponential from the
// configured base, jittered, capped.
func (e *Engine) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffBase
	b.MaxInterval = e.cfg.BackoffCap
	b.Multiplier = 2
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d > e.cfg.BackoffCap {
		d = e.cfg.BackoffCap
	}
	return d
}
