// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/identity"
	"github.com/entativa/eid/pkg/storage"
	"github.com/entativa/eid/pkg/token"
)

// OAuthRoutes implements the OAuth2 authorization and token endpoints.
// Responses follow the RFC 6749 wire shape rather than the API envelope.
type OAuthRoutes struct {
	tokens   *token.Service
	identity *identity.Engine
}

// OAuthRouter creates a new router for the OAuth2 endpoints. The token
// endpoint is metered per client; the authorization endpoint requires an
// authenticated user session.
func OAuthRouter(tokens *token.Service, id *identity.Engine, authn *Authenticator, limiter *token.Limiter) http.Handler {
	routes := &OAuthRoutes{tokens: tokens, identity: id}
	r := chi.NewRouter()
	r.With(authn.Middleware).Get("/authorize", routes.authorize)
	r.Post("/token", limited(limiter, formClientID, writeOAuthError, routes.token))
	return r
}

func formClientID(r *http.Request) string {
	return r.PostFormValue("client_id")
}

// authorize validates an authorization request for the logged-in user and
// redirects back to the client with a single-use code.
func (h *OAuthRoutes) authorize(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok || principal.IdentityID == "" || principal.SessionID == "" {
		writeOAuthError(w, errors.NewUnauthenticatedError("a user session token is required to authorize", nil))
		return
	}

	q := r.URL.Query()
	grant, err := h.tokens.Authorize(r.Context(), token.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scopes:              strings.Fields(q.Get("scope")),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		IdentityID:          principal.IdentityID,
		SessionID:           principal.SessionID,
	})
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	http.Redirect(w, r, grant.RedirectTo, http.StatusFound)
}

// token redeems a grant for a token pair. Clients authenticate with
// client_secret_post; public clients prove possession via PKCE instead.
func (h *OAuthRoutes) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, errors.NewInvalidArgumentError("request body must be form encoded", err))
		return
	}
	form := r.PostForm

	var (
		pair *token.Pair
		err  error
	)
	switch form.Get("grant_type") {
	case "authorization_code":
		pair, err = h.tokens.Exchange(r.Context(), token.ExchangeRequest{
			ClientID:     form.Get("client_id"),
			ClientSecret: form.Get("client_secret"),
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
		})
	case "refresh_token":
		pair, err = h.tokens.Refresh(r.Context(), token.RefreshRequest{
			ClientID:     form.Get("client_id"),
			ClientSecret: form.Get("client_secret"),
			RefreshToken: form.Get("refresh_token"),
		})
	case "client_credentials":
		pair, err = h.tokens.ClientCredentials(r.Context(), token.ClientCredentialsRequest{
			ClientID:     form.Get("client_id"),
			ClientSecret: form.Get("client_secret"),
			Scopes:       strings.Fields(form.Get("scope")),
		})
	case "password":
		pair, err = h.passwordGrant(r)
	default:
		writeJSON(w, http.StatusBadRequest, oauthError{
			Error:       "unsupported_grant_type",
			Description: "supported grant types: authorization_code, refresh_token, client_credentials, password",
		})
		return
	}
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	// RFC 6749 §5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, pair)
}

// passwordGrant serves trusted first-party clients. Accounts gated on a
// second factor cannot finish here; the login API carries the MFA dance.
func (h *OAuthRoutes) passwordGrant(r *http.Request) (*token.Pair, error) {
	form := r.PostForm
	result, err := h.identity.Login(r.Context(), identity.LoginRequest{
		Email:    form.Get("username"),
		Password: form.Get("password"),
		ClientID: form.Get("client_id"),
		Scopes:   strings.Fields(form.Get("scope")),
		Device:   storage.DeviceInfo{IP: r.RemoteAddr, UserAgent: r.UserAgent()},
	})
	if err != nil {
		return nil, err
	}
	if result.MFA != nil {
		return nil, errors.NewMFARequiredError("account requires a second factor, complete the login via the auth API", nil)
	}
	return result.Pair, nil
}
