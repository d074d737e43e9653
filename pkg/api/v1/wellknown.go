// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/entativa/eid/pkg/token"
)

// WellKnownRouter serves the OIDC discovery document and the JWK set.
// Both are public and cacheable.
func WellKnownRouter(tokens *token.Service, externalURL string) http.Handler {
	routes := &wellKnownRoutes{tokens: tokens, externalURL: externalURL}
	r := chi.NewRouter()
	r.Get("/openid-configuration", routes.getDiscovery)
	r.Get("/jwks.json", routes.getJWKS)
	return r
}

type wellKnownRoutes struct {
	tokens      *token.Service
	externalURL string
}

func (h *wellKnownRoutes) getDiscovery(w http.ResponseWriter, r *http.Request) {
	doc, err := h.tokens.Discovery(r.Context(), h.externalURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *wellKnownRoutes) getJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.tokens.JWKS(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(set)
}
