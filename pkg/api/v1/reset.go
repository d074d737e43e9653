// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/entativa/eid/pkg/identity"
)

// PasswordResetRoutes implements the forgot-password flow: request a
// token, verify it, and confirm with a new password. Requesting never
// discloses whether the address has an account.
type PasswordResetRoutes struct {
	identity *identity.Engine
}

// PasswordResetRouter creates a new router for the password reset flow.
func PasswordResetRouter(id *identity.Engine) http.Handler {
	routes := &PasswordResetRoutes{identity: id}
	r := chi.NewRouter()
	r.Post("/request", routes.request)
	r.Post("/verify", routes.verify)
	r.Post("/confirm", routes.confirm)
	r.Delete("/{token}", routes.cancel)
	return r
}

type resetRequest struct {
	Email string `json:"email"`
}

// request opens a reset for the given address. The response is the same
// whether or not an account exists.
func (h *PasswordResetRoutes) request(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.identity.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type resetTokenRequest struct {
	Token string `json:"token"`
}

// verify checks a reset token without consuming it, so the UI can show
// the form only for live tokens.
func (h *PasswordResetRoutes) verify(w http.ResponseWriter, r *http.Request) {
	var req resetTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.identity.VerifyPasswordReset(r.Context(), req.Token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// confirm consumes the token, sets the new password and revokes every
// session of the account.
func (h *PasswordResetRoutes) confirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.identity.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cancel voids an issued reset token. Cancelling an unknown or already
// settled token succeeds.
func (h *PasswordResetRoutes) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.identity.CancelPasswordReset(r.Context(), chi.URLParam(r, "token")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
