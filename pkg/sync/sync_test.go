// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/storage"
	"github.com/entativa/eid/pkg/storage/sqlite"
)

var queueNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newSyncFixture(t *testing.T) (*Engine, storage.Store, *clockwork.FakeClock) {
	t.Helper()

	st, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "eid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(queueNow)
	eng := NewEngine(st, NewOutbox(clock, config.SyncConfig{}), clock, config.SyncConfig{})
	return eng, st, clock
}

// scripted is one canned adapter response.
type scripted struct {
	res Result
	err error
}

// fakeAdapter replays scripted responses in order and answers ok once the
// script runs out. It records every upsert it receives.
type fakeAdapter struct {
	platform string

	mu     gosync.Mutex
	script []scripted
	calls  []Upsert
}

func newFakeAdapter(platform string) *fakeAdapter {
	return &fakeAdapter{platform: platform}
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) Upsert(_ context.Context, req Upsert) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.script) == 0 {
		return Result{Outcome: OutcomeOK}, nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.res, next.err
}

func (f *fakeAdapter) push(res Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, scripted{res: res, err: err})
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdapter) call(i int) Upsert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// handlePayload builds a payload that passes the handle schema.
func handlePayload(owner string, updatedAt time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"handle":"amara","owner_identity_id":%q,"status":"active","updated_at":%q}`,
		owner, updatedAt.Format(time.RFC3339Nano)))
}

// enqueueJob enqueues through the engine's outbox the way mutating engines
// do, inside a store transaction.
func enqueueJob(t *testing.T, eng *Engine, st storage.Store, job *storage.SyncJob) *storage.SyncJob {
	t.Helper()
	require.NoError(t, st.Tx(t.Context(), func(tx storage.Store) error {
		return eng.Outbox().Enqueue(t.Context(), tx, job)
	}))
	return job
}

func reload(t *testing.T, st storage.Store, jobID string) *storage.SyncJob {
	t.Helper()
	job, err := st.SyncJobs().GetSyncJob(t.Context(), jobID)
	require.NoError(t, err)
	return job
}

// eventTypes flattens a job's history for order assertions.
func eventTypes(t *testing.T, st storage.Store, jobID string) []storage.JobEventType {
	t.Helper()
	events, err := st.SyncJobs().ListJobEvents(t.Context(), jobID)
	require.NoError(t, err)
	types := make([]storage.JobEventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func hasEvent(types []storage.JobEventType, want storage.JobEventType) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}
