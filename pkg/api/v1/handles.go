// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/entativa/eid/pkg/handle"
)

// HandleRoutes implements handle availability checks, resolution, claims
// against protected entities, release and ownership transfer.
type HandleRoutes struct {
	handles *handle.Engine
}

// HandleRouter creates a new router for the handle API. Checking and
// resolving are public; everything that touches ownership needs a token.
func HandleRouter(handles *handle.Engine, authn *Authenticator) http.Handler {
	routes := &HandleRoutes{handles: handles}

	r := chi.NewRouter()
	r.Get("/check", routes.check)
	r.Get("/resolve", routes.resolve)

	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)
		r.Post("/claim", routes.claim)
		r.Delete("/{id}", routes.release)
		r.Post("/{id}/transfer", routes.initiateTransfer)
		r.Post("/{id}/transfer/confirm", routes.confirmTransfer)
	})
	return r
}

// check reports whether a candidate handle could be registered right now,
// with format diagnostics and free alternatives when it cannot.
func (h *HandleRoutes) check(w http.ResponseWriter, r *http.Request) {
	result, err := h.handles.Check(r.Context(), r.URL.Query().Get("handle"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// resolve looks up the active owner of a handle.
func (h *HandleRoutes) resolve(w http.ResponseWriter, r *http.Request) {
	row, err := h.handles.Resolve(r.Context(), r.URL.Query().Get("handle"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newHandleResponse(row))
}

type claimRequest struct {
	Handle string `json:"handle"`
}

// claim opens a verification request for a handle guarded by a protected
// entity. The handle is granted only if review approves the claim.
func (h *HandleRoutes) claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	request, err := h.handles.Claim(r.Context(), principal.IdentityID, req.Handle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newVerificationRequestResponse(request))
}

// release gives up an owned handle, freeing the name for others.
func (h *HandleRoutes) release(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	if err := h.handles.Release(r.Context(), principal.IdentityID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transferRequest struct {
	ToIdentityID string `json:"to_identity_id"`
}

type transferResponse struct {
	TransferToken string    `json:"transfer_token"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// initiateTransfer opens a handle transfer to another identity. The
// returned token is shown exactly once; the sender passes it to the
// receiver out of band.
func (h *HandleRoutes) initiateTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	transferToken, expiresAt, err := h.handles.InitiateTransfer(r.Context(), chi.URLParam(r, "id"), principal.IdentityID, req.ToIdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{TransferToken: transferToken, ExpiresAt: expiresAt})
}

type transferConfirmRequest struct {
	TransferToken string `json:"transfer_token"`
}

// confirmTransfer completes a transfer as the receiving identity.
func (h *HandleRoutes) confirmTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	row, err := h.handles.ConfirmTransfer(r.Context(), chi.URLParam(r, "id"), principal.IdentityID, req.TransferToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newHandleResponse(row))
}
