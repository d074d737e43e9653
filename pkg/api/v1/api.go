// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 implements the versioned JSON surface of the identity
// authority. Successful responses carry the resource directly; failures
// share one envelope with a stable machine code, an HTTP status derived
// from it, and a user-safe message. The OAuth2 endpoints speak the RFC
// 6749 wire shape instead.
package v1

import (
	"encoding/json"
	"net/http"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/logger"
)

// apiError is the uniform error envelope of the JSON surface.
type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// oauthError is the RFC 6749 error shape used by the token and
// authorization endpoints.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("response encoding failed", "error", err)
	}
}

// writeError maps err onto the uniform envelope. Messages inside the
// taxonomy are user-safe by construction; anything else collapses to a
// generic message so internal detail never reaches the wire.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errors.HTTPStatus(err), apiError{
		Success: false,
		Error:   errors.TypeOf(err),
		Message: errors.MessageOf(err),
	})
}

func writeOAuthError(w http.ResponseWriter, err error) {
	writeJSON(w, errors.HTTPStatus(err), oauthError{
		Error:       errors.TypeOf(err),
		Description: errors.MessageOf(err),
	})
}

// decodeJSON decodes the request body into dst, rejecting unknown fields
// so client typos fail loudly instead of silently dropping input.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.NewInvalidArgumentError("request body must be valid JSON", err)
	}
	return nil
}
