// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/entativa/eid/pkg/identity"
	"github.com/entativa/eid/pkg/token"
)

// AuthRoutes implements the session-oriented authentication API used by
// first-party surfaces: login with its MFA completion leg, token refresh
// and revocation, session listing and password change.
type AuthRoutes struct {
	identity *identity.Engine
	tokens   *token.Service
}

// AuthRouter creates a new router for the authentication API. Login is
// metered per source address.
func AuthRouter(id *identity.Engine, tokens *token.Service, authn *Authenticator, limiter *token.Limiter) http.Handler {
	routes := &AuthRoutes{identity: id, tokens: tokens}

	r := chi.NewRouter()
	r.Post("/login", limited(limiter, remoteAddr, writeError, routes.login))
	r.Post("/login/mfa", limited(limiter, remoteAddr, writeError, routes.completeMFALogin))
	r.Post("/refresh", routes.refresh)
	r.Post("/revoke", routes.revoke)

	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)
		r.Post("/logout", routes.logout)
		r.Get("/sessions", routes.listSessions)
		r.Delete("/sessions/{id}", routes.revokeSession)
		r.Post("/password", routes.changePassword)
	})
	return r
}

// login authenticates an email/password pair. The response carries tokens,
// or an MFA gate when the account demands a second factor.
func (h *AuthRoutes) login(w http.ResponseWriter, r *http.Request) {
	var req identity.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Device.IP == "" {
		req.Device.IP = r.RemoteAddr
	}
	if req.Device.UserAgent == "" {
		req.Device.UserAgent = r.UserAgent()
	}

	result, err := h.identity.Login(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoginResponse(result))
}

// completeMFALogin finishes a login that was gated on a second factor.
func (h *AuthRoutes) completeMFALogin(w http.ResponseWriter, r *http.Request) {
	var req identity.MFALoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.identity.CompleteMFALogin(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoginResponse(result))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// refresh rotates a refresh token and returns the replacement pair.
func (h *AuthRoutes) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := h.tokens.Refresh(r.Context(), token.RefreshRequest{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RefreshToken: req.RefreshToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type revokeRequest struct {
	Token string `json:"token"`
}

// revoke invalidates a presented token. Revoking a refresh token takes
// its whole family; unknown tokens succeed so the endpoint is idempotent.
func (h *AuthRoutes) revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.tokens.Revoke(r.Context(), req.Token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// logout terminates the calling session.
func (h *AuthRoutes) logout(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	if err := h.identity.Logout(r.Context(), principal.IdentityID, principal.SessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listSessions returns the caller's device sessions, marking the one the
// presented token belongs to.
func (h *AuthRoutes) listSessions(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	sessions, err := h.identity.Sessions(r.Context(), principal.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, newSessionResponse(s, principal.SessionID))
	}
	writeJSON(w, http.StatusOK, out)
}

// revokeSession terminates one of the caller's sessions by id.
func (h *AuthRoutes) revokeSession(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	if err := h.identity.RevokeSession(r.Context(), principal.IdentityID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordResponse struct {
	Changed         bool               `json:"changed"`
	Challenge       *challengeResponse `json:"challenge,omitempty"`
	SessionsRevoked int64              `json:"sessions_revoked,omitempty"`
}

// changePassword replaces the caller's password. When policy demands a
// second factor the response carries a challenge; the client answers it
// by repeating the request with challenge_id and code filled in.
func (h *AuthRoutes) changePassword(w http.ResponseWriter, r *http.Request) {
	var req identity.ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	req.IdentityID = principal.IdentityID
	req.SessionID = principal.SessionID

	result, err := h.identity.ChangePassword(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changePasswordResponse{
		Changed:         result.Changed,
		Challenge:       newChallengeResponse(result.MFA),
		SessionsRevoked: result.SessionsRevoked,
	})
}
