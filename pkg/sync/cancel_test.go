// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

func TestCancelCascadesToDependents(t *testing.T) {
	t.Parallel()
	eng, st, _ := newSyncFixture(t)
	sonet := newFakeAdapter("sonet")
	eng.RegisterAdapter(sonet)

	root := enqueueJob(t, eng, st, &storage.SyncJob{
		EntityType:      "handle",
		EntityID:        "handle-1",
		Payload:         handlePayload("id-1", queueNow),
		TargetPlatforms: []string{"sonet"},
	})
	blocked := enqueueJob(t, eng, st, &storage.SyncJob{
		EntityType:      "handle",
		EntityID:        "handle-2",
		Payload:         handlePayload("id-2", queueNow),
		TargetPlatforms: []string{"sonet"},
		DependsOn:       []string{root.ID},
	})
	survivor := enqueueJob(t, eng, st, &storage.SyncJob{
		EntityType:      "handle",
		EntityID:        "handle-3",
		Payload:         handlePayload("id-3", queueNow),
		TargetPlatforms: []string{"sonet"},
		DependsOn:       []string{root.ID},
		AdvanceOnCancel: true,
	})

	cancelled, err := eng.Cancel(t.Context(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	assert.Equal(t, storage.JobCancelled, reload(t, st, blocked.ID).Status)
	assert.Equal(t, storage.JobWaitingDeps, reload(t, st, survivor.ID).Status)
	assert.True(t, hasEvent(eventTypes(t, st, blocked.ID), storage.EventCancelled))

	// Cancelling again is a no-op and appends nothing.
	events := len(eventTypes(t, st, root.ID))
	again, err := eng.Cancel(t.Context(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCancelled, again.Status)
	assert.Len(t, eventTypes(t, st, root.ID), events)

	// The surviving dependent advances past the cancellation and runs.
	require.NoError(t, eng.Sweep(t.Context()))
	assert.Equal(t, storage.JobReady, reload(t, st, survivor.ID).Status)
	_, err = eng.RunOnce(t.Context(), "w-test")
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, reload(t, st, survivor.ID).Status)
}

func TestCancelFinishedJobRefuses(t *testing.T) {
	t.Parallel()
	eng, st, _ := newSyncFixture(t)
	sonet := newFakeAdapter("sonet")
	eng.RegisterAdapter(sonet)

	job := enqueueJob(t, eng, st, &storage.SyncJob{
		EntityType:      "handle",
		EntityID:        "handle-1",
		Payload:         handlePayload("id-1", queueNow),
		TargetPlatforms: []string{"sonet"},
	})
	_, err := eng.RunOnce(t.Context(), "w-test")
	require.NoError(t, err)
	require.Equal(t, storage.JobCompleted, reload(t, st, job.ID).Status)

	_, err = eng.Cancel(t.Context(), job.ID)
	assert.True(t, errors.IsConflict(err))

	_, err = eng.Cancel(t.Context(), "no-such-job")
	assert.True(t, errors.IsNotFound(err))
}

func TestCancelLeasedJobWinsVersionRace(t *testing.T) {
	t.Parallel()
	eng, st, _ := newSyncFixture(t)

	job := enqueueJob(t, eng, st, &storage.SyncJob{
		EntityType:      "handle",
		EntityID:        "handle-1",
		Payload:         handlePayload("id-1", queueNow),
		TargetPlatforms: []string{"sonet"},
	})

	// Another worker holds the lease but has not settled yet.
	leased, err := st.SyncJobs().AcquireLeases(t.Context(), "w-other", 1, queueNow, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	cancelled, err := eng.Cancel(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCancelled, cancelled.Status)
	assert.Empty(t, cancelled.LeaseOwner)

	// The stale worker's writeback loses on the version guard.
	stale := leased[0]
	stale.Status = storage.JobCompleted
	err = st.SyncJobs().UpdateSyncJob(t.Context(), stale)
	assert.True(t, errors.IsConflict(err))
	assert.Equal(t, storage.JobCancelled, reload(t, st, job.ID).Status)
}

func TestSweepReclaimsExpiredLeases(t *testing.T) {
	t.Parallel()
	eng, st, clock := newSyncFixture(t)
	sonet := newFakeAdapter("sonet")
	eng.RegisterAdapter(sonet)

	job := enqueueJob(t, eng, st, &storage.SyncJob{
		EntityType:      "handle",
		EntityID:        "handle-1",
		Payload:         handlePayload("id-1", queueNow),
		TargetPlatforms: []string{"sonet"},
	})

	// A worker leases the job and dies before processing it.
	leased, err := st.SyncJobs().AcquireLeases(t.Context(), "w-ghost", 1, clock.Now().UTC(), eng.cfg.ProcessingTimeout)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	clock.Advance(6 * time.Minute)
	require.NoError(t, eng.Sweep(t.Context()))

	stored := reload(t, st, job.ID)
	assert.Equal(t, storage.JobRetrying, stored.Status)
	assert.Equal(t, 1, stored.Attempts, "the lost cycle consumes an attempt")
	assert.Equal(t, "lease expired", stored.LastError)
	assert.True(t, hasEvent(eventTypes(t, st, job.ID), storage.EventLeaseReclaimed))

	// Immediately runnable again.
	n, err := eng.RunOnce(t.Context(), "w-test")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, storage.JobCompleted, reload(t, st, job.ID).Status)
}

func TestSweepFailsOutOfAttemptsAndCascades(t *testing.T) {
	t.Parallel()
	eng, st, clock := newSyncFixture(t)

	job := enqueueJob(t, eng, st, &storage.SyncJob{
		EntityType:      "handle",
		EntityID:        "handle-1",
		Payload:         handlePayload("id-1", queueNow),
		TargetPlatforms: []string{"sonet"},
		MaxAttempts:     1,
	})
	dependent := enqueueJob(t, eng, st, &storage.SyncJob{
		EntityType:      "handle",
		EntityID:        "handle-2",
		Payload:         handlePayload("id-2", queueNow),
		TargetPlatforms: []string{"sonet"},
		DependsOn:       []string{job.ID},
	})

	leased, err := st.SyncJobs().AcquireLeases(t.Context(), "w-ghost", 1, clock.Now().UTC(), eng.cfg.ProcessingTimeout)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	clock.Advance(6 * time.Minute)
	require.NoError(t, eng.Sweep(t.Context()))

	assert.Equal(t, storage.JobFailed, reload(t, st, job.ID).Status)
	got := reload(t, st, dependent.ID)
	assert.Equal(t, storage.JobFailed, got.Status)
	assert.Contains(t, got.LastError, "dependency")
	assert.True(t, hasEvent(eventTypes(t, st, dependent.ID), storage.EventFailed))
}

func TestBatchBudgets(t *testing.T) {
	t.Parallel()
	eng, st, _ := newSyncFixture(t)
	sonet := newFakeAdapter("sonet")
	eng.RegisterAdapter(sonet)
	ctx := t.Context()

	sequential := []*storage.SyncJob{
		{EntityType: "handle", EntityID: "h-1", Payload: handlePayload("id-1", queueNow), TargetPlatforms: []string{"sonet"}},
		{EntityType: "handle", EntityID: "h-2", Payload: handlePayload("id-2", queueNow), TargetPlatforms: []string{"sonet"}},
		{EntityType: "handle", EntityID: "h-3", Payload: handlePayload("id-3", queueNow), TargetPlatforms: []string{"sonet"}},
	}
	batchID, err := eng.Outbox().EnqueueBatch(ctx, st, sequential, false, 0)
	require.NoError(t, err)

	// One member at a time; each pass picks up exactly one.
	for done := 1; done <= 3; done++ {
		n, err := eng.RunOnce(ctx, "w-test")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		status, err := eng.BatchStatus(ctx, batchID)
		require.NoError(t, err)
		assert.Equal(t, done, status.Completed)
	}

	status, err := eng.BatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.True(t, status.Done())
	assert.Equal(t, 3, status.Total)

	parallel := []*storage.SyncJob{
		{EntityType: "handle", EntityID: "h-4", Payload: handlePayload("id-4", queueNow), TargetPlatforms: []string{"sonet"}},
		{EntityType: "handle", EntityID: "h-5", Payload: handlePayload("id-5", queueNow), TargetPlatforms: []string{"sonet"}},
		{EntityType: "handle", EntityID: "h-6", Payload: handlePayload("id-6", queueNow), TargetPlatforms: []string{"sonet"}},
	}
	_, err = eng.Outbox().EnqueueBatch(ctx, st, parallel, true, 2)
	require.NoError(t, err)

	n, err := eng.RunOnce(ctx, "w-test")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "parallel batch admits its budget per pass")
	n, err = eng.RunOnce(ctx, "w-test")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBatchStatusUnknown(t *testing.T) {
	t.Parallel()
	eng, _, _ := newSyncFixture(t)

	_, err := eng.BatchStatus(t.Context(), "no-such-batch")
	assert.True(t, errors.IsNotFound(err))

	_, err = eng.Events(t.Context(), "no-such-job")
	assert.True(t, errors.IsNotFound(err))
}
