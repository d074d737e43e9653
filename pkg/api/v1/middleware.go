// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"net/http"
	"strings"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/token"
)

type principalKey struct{}

// Authenticator guards routes with bearer-token authentication. A valid
// token puts its introspection into the request context; handlers read it
// back with PrincipalFrom.
type Authenticator struct {
	tokens *token.Service
}

// NewAuthenticator creates an Authenticator backed by the token service.
func NewAuthenticator(tokens *token.Service) *Authenticator {
	return &Authenticator{tokens: tokens}
}

// Middleware rejects requests that do not carry a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, errors.NewUnauthenticatedError("missing bearer token", nil))
			return
		}
		principal, err := a.tokens.Validate(r.Context(), raw, "")
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope gates a route subtree on one granted scope. It must run
// after Middleware.
func (*Authenticator) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				writeError(w, errors.NewUnauthenticatedError("missing bearer token", nil))
				return
			}
			if !hasScope(principal, scope) {
				// RFC 6750 §3.1: an authenticated caller short on scope
				// gets 403, not the 400 the token endpoint would use.
				writeJSON(w, http.StatusForbidden, apiError{
					Success: false,
					Error:   errors.ErrInvalidScope,
					Message: "token lacks the " + scope + " scope",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFrom returns the introspection of the authenticated caller, if
// the request passed the Authenticator.
func PrincipalFrom(ctx context.Context) (*token.Introspection, bool) {
	principal, ok := ctx.Value(principalKey{}).(*token.Introspection)
	return principal, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func hasScope(principal *token.Introspection, scope string) bool {
	for _, s := range principal.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// limited wraps a handler with a per-key request budget. keyFn extracts
// the metering key, falling back to the remote address when it comes up
// empty; deny writes the refusal in the surface's wire shape.
func limited(l *token.Limiter, keyFn func(*http.Request) string, deny func(http.ResponseWriter, error), next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := keyFn(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !l.Allow(key) {
			deny(w, errors.NewRateLimitedError("too many requests, slow down", nil))
			return
		}
		next(w, r)
	}
}

func remoteAddr(r *http.Request) string {
	return r.RemoteAddr
}
