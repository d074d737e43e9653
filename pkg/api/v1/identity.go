// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/identity"
)

// AdminScope grants access to the review and operations surfaces.
const AdminScope = "eid.admin"

// IdentityRoutes implements registration and identity lookup. Contact
// fields are visible to the identity itself and to admin tokens only.
type IdentityRoutes struct {
	identity *identity.Engine
}

// IdentityRouter creates a new router for the identity API.
func IdentityRouter(id *identity.Engine, authn *Authenticator) http.Handler {
	routes := &IdentityRoutes{identity: id}

	r := chi.NewRouter()
	r.Post("/", routes.register)

	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)
		r.Get("/{id}", routes.get)
		r.Get("/{id}/profile", routes.getProfile)
		r.Patch("/{id}/profile", routes.updateProfile)
	})
	return r
}

// register creates an account with its handle, profile and replication
// jobs in one transaction.
func (h *IdentityRoutes) register(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	summary, err := h.identity.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// get returns one identity. Email and phone are redacted unless the
// caller is the identity itself or holds the admin scope.
func (h *IdentityRoutes) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	summary, err := h.identity.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	principal, _ := PrincipalFrom(r.Context())
	if principal.IdentityID != id && !hasScope(principal, AdminScope) {
		summary.Email = ""
		summary.Phone = ""
	}
	writeJSON(w, http.StatusOK, summary)
}

// getProfile returns the display profile of an identity.
func (h *IdentityRoutes) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.identity.Profile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileResponse(profile))
}

// updateProfile applies a partial profile update. Only the identity
// itself may write its profile.
func (h *IdentityRoutes) updateProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	principal, _ := PrincipalFrom(r.Context())
	if principal.IdentityID != id {
		writeError(w, errors.NewNotFoundError("identity not found", nil))
		return
	}

	var req identity.UpdateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	profile, err := h.identity.UpdateProfile(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileResponse(profile))
}
