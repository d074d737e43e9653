// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/storage"
)

// Engine drives the replication queue: it leases runnable jobs, dispatches
// them to the registered platform adapters and settles the results. One
// engine per process; Run starts the configured worker pool.
type Engine struct {
	store    storage.Store
	outbox   *Outbox
	clock    clockwork.Clock
	cfg      config.SyncConfig
	instance string

	mu       gosync.Mutex
	adapters map[string]Adapter
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewEngine builds a sync engine. Adapters are registered separately so the
// engine can start before every downstream platform is wired.
func NewEngine(store storage.Store, outbox *Outbox, clock clockwork.Clock, cfg config.SyncConfig) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if outbox == nil {
		outbox = NewOutbox(clock, cfg)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 5 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Minute
	}
	return &Engine{
		store:    store,
		outbox:   outbox,
		clock:    clock,
		cfg:      cfg,
		instance: uuid.New().String()[:8],
		adapters: make(map[string]Adapter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Outbox returns the outbox jobs should be enqueued through.
func (e *Engine) Outbox() *Outbox {
	return e.outbox
}

// RegisterAdapter installs the adapter for its platform, replacing any
// previous one. Targets without an adapter fail permanently at dispatch.
func (e *Engine) RegisterAdapter(a Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[a.Platform()] = a
}

func (e *Engine) adapter(platform string) (Adapter, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.adapters[platform]
	return a, ok
}

// breaker returns the circuit breaker guarding one platform, creating it on
// first use. Only transient failures count against the breaker; conflicts
// and rejections are answers, not outages.
func (e *Engine) breaker(platform string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[platform]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sync-" + platform,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	e.breakers[platform] = b
	return b
}

// Run starts the worker pool and the lease sweeper and blocks until ctx is
// cancelled. Worker passes log and continue on error; only ctx cancellation
// stops the engine.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.WorkerCount; i++ {
		worker := fmt.Sprintf("%s-w%d", e.instance, i)
		g.Go(func() error {
			return e.workerLoop(ctx, worker)
		})
	}
	g.Go(func() error {
		return e.sweepLoop(ctx)
	})
	return g.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, worker string) error {
	ticker := e.clock.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := e.RunOnce(ctx, worker); err != nil && ctx.Err() == nil {
			logger.Warnw("sync worker pass failed", "worker", worker, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		if err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Warnw("sync sweep failed", "error", err)
		}
	}
}

// Job returns a job by id.
func (e *Engine) Job(ctx context.Context, jobID string) (*storage.SyncJob, error) {
	return e.store.SyncJobs().GetSyncJob(ctx, jobID)
}

// Events returns a job's append-only history, oldest first.
func (e *Engine) Events(ctx context.Context, jobID string) ([]*storage.JobEvent, error) {
	if _, err := e.store.SyncJobs().GetSyncJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.SyncJobs().ListJobEvents(ctx, jobID)
}

// Jobs returns recent jobs, newest first. An empty status matches every
// status; a non-positive limit applies the store default.
func (e *Engine) Jobs(ctx context.Context, status storage.JobStatus, limit int) ([]*storage.SyncJob, error) {
	return e.store.SyncJobs().ListRecentJobs(ctx, status, limit)
}

// BatchStatus aggregates the jobs of one batch.
type BatchStatus struct {
	BatchID   string
	Total     int
	Completed int
	Failed    int
	Cancelled int
	Open      int
}

// Done reports whether every member reached a terminal state.
func (s *BatchStatus) Done() bool {
	return s.Open == 0
}

// BatchStatus summarises a batch by id.
func (e *Engine) BatchStatus(ctx context.Context, batchID string) (*BatchStatus, error) {
	jobs, err := e.store.SyncJobs().ListJobsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, errors.NewNotFoundError(fmt.Sprintf("batch %s not found", batchID), nil)
	}
	status := &BatchStatus{BatchID: batchID, Total: len(jobs)}
	for _, job := range jobs {
		switch job.Status {
		case storage.JobCompleted:
			status.Completed++
		case storage.JobFailed:
			status.Failed++
		case storage.JobCancelled:
			status.Cancelled++
		default:
			status.Open++
		}
	}
	return status, nil
}

// appendEvent records a transition outside a transaction. Event loss is
// tolerable there; job state is what the queue runs on.
func (e *Engine) appendEvent(ctx context.Context, jobID string, typ storage.JobEventType, target string, attempt int, detail string) {
	err := e.store.SyncJobs().AppendJobEvent(ctx, &storage.JobEvent{
		JobID:     jobID,
		Type:      typ,
		Target:    target,
		Attempt:   attempt,
		Detail:    detail,
		CreatedAt: e.clock.Now().UTC(),
	})
	if err != nil {
		logger.Warnw("appending sync job event", "job_id", jobID, "event", string(typ), "error", err)
	}
}
