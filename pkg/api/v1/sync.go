// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/entativa/eid/pkg/storage"
)

// SyncRoutes exposes the replication queue for operators: one job's
// state plus its append-only event history, which carries the per-target
// outcomes the enqueue acknowledgement intentionally omits.
type SyncRoutes struct {
	store storage.Store
}

// SyncRouter creates a new router for the sync status API. The whole
// surface is admin-scoped.
func SyncRouter(store storage.Store, authn *Authenticator) http.Handler {
	routes := &SyncRoutes{store: store}

	r := chi.NewRouter()
	r.Use(authn.Middleware, authn.RequireScope(AdminScope))
	r.Get("/jobs/{id}", routes.getJob)
	return r
}

type syncJobResponse struct {
	ID              string     `json:"id"`
	EntityType      string     `json:"entity_type"`
	EntityID        string     `json:"entity_id"`
	TargetPlatforms []string   `json:"target_platforms"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	Events []jobEventResponse `json:"events"`
}

type jobEventResponse struct {
	Type      string    `json:"type"`
	Target    string    `json:"target,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// getJob returns one replication job and its event history.
func (h *SyncRoutes) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.store.SyncJobs().GetSyncJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := h.store.SyncJobs().ListJobEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	out := syncJobResponse{
		ID:              job.ID,
		EntityType:      job.EntityType,
		EntityID:        job.EntityID,
		TargetPlatforms: job.TargetPlatforms,
		Status:          string(job.Status),
		Priority:        int(job.Priority),
		Attempts:        job.Attempts,
		MaxAttempts:     job.MaxAttempts,
		ScheduledAt:     job.ScheduledAt,
		NextRetryAt:     job.NextRetryAt,
		CompletedAt:     job.CompletedAt,
		LastError:       job.LastError,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		Events:          make([]jobEventResponse, 0, len(events)),
	}
	for _, e := range events {
		out.Events = append(out.Events, jobEventResponse{
			Type:      string(e.Type),
			Target:    e.Target,
			Attempt:   e.Attempt,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
