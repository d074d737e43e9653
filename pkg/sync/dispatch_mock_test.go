// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sync_test

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/storage"
	"github.com/entativa/eid/pkg/storage/sqlite"
	eidsync "github.com/entativa/eid/pkg/sync"
	"github.com/entativa/eid/pkg/sync/mocks"
)

var dispatchNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newDispatchFixture(t *testing.T) (*eidsync.Engine, storage.Store) {
	t.Helper()
	st, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "eid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(dispatchNow)
	return eidsync.NewEngine(st, nil, clock, config.SyncConfig{}), st
}

func ownershipPayload(owner string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"handle":"amara","owner_identity_id":%q,"status":"active","updated_at":%q}`,
		owner, dispatchNow.Format(time.RFC3339Nano)))
}

func enqueue(t *testing.T, eng *eidsync.Engine, st storage.Store, job *storage.SyncJob) {
	t.Helper()
	require.NoError(t, st.Tx(t.Context(), func(tx storage.Store) error {
		return eng.Outbox().Enqueue(t.Context(), tx, job)
	}))
}

func TestEveryTargetReceivesTheExactUpsert(t *testing.T) {
	t.Parallel()
	eng, st := newDispatchFixture(t)
	ctrl := gomock.NewController(t)

	payload := ownershipPayload("id-1")
	job := &storage.SyncJob{
		EntityType:      "handle",
		EntityID:        "handle-1",
		Payload:         payload,
		TargetPlatforms: []string{"sonet", "gala"},
	}
	enqueue(t, eng, st, job)

	want := eidsync.Upsert{
		EntityType: "handle",
		EntityID:   "handle-1",
		Payload:    payload,
		Checksum:   eidsync.Checksum(payload),
	}
	for _, platform := range []string{"sonet", "gala"} {
		adapter := mocks.NewMockAdapter(ctrl)
		adapter.EXPECT().Platform().Return(platform).AnyTimes()
		adapter.EXPECT().Upsert(gomock.Any(), want).Return(eidsync.Result{Outcome: eidsync.OutcomeOK}, nil)
		eng.RegisterAdapter(adapter)
	}

	picked, err := eng.RunOnce(t.Context(), "w-mock")
	require.NoError(t, err)
	require.Equal(t, 1, picked)

	final, err := eng.Job(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, final.Status)
}

func TestConflictReissueCarriesTheRemoteVersion(t *testing.T) {
	t.Parallel()
	eng, st := newDispatchFixture(t)
	ctrl := gomock.NewController(t)

	payload := ownershipPayload("id-1")
	job := &storage.SyncJob{
		EntityType:         "handle",
		EntityID:           "handle-1",
		Payload:            payload,
		TargetPlatforms:    []string{"sonet"},
		ConflictResolution: storage.ConflictSourceWins,
	}
	enqueue(t, eng, st, job)

	first := eidsync.Upsert{
		EntityType: "handle",
		EntityID:   "handle-1",
		Payload:    payload,
		Checksum:   eidsync.Checksum(payload),
	}
	reissue := first
	reissue.ExpectedVersion = "7"

	adapter := mocks.NewMockAdapter(ctrl)
	adapter.EXPECT().Platform().Return("sonet").AnyTimes()
	gomock.InOrder(
		adapter.EXPECT().Upsert(gomock.Any(), first).
			Return(eidsync.Result{Outcome: eidsync.OutcomeConflict, RemoteVersion: "7"}, nil),
		adapter.EXPECT().Upsert(gomock.Any(), reissue).
			Return(eidsync.Result{Outcome: eidsync.OutcomeOK}, nil),
	)
	eng.RegisterAdapter(adapter)

	_, err := eng.RunOnce(t.Context(), "w-mock")
	require.NoError(t, err)

	final, err := eng.Job(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, final.Status)
}
