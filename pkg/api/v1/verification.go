// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/verification"
)

// VerificationRoutes implements badge applications and their review. The
// review surface is gated on the admin scope.
type VerificationRoutes struct {
	verification *verification.Engine
}

// VerificationRouter creates a new router for the verification API.
func VerificationRouter(engine *verification.Engine, authn *Authenticator) http.Handler {
	routes := &VerificationRoutes{verification: engine}

	r := chi.NewRouter()
	r.Use(authn.Middleware)
	r.Post("/", routes.submit)
	r.Get("/", routes.listOwn)
	r.Get("/{id}", routes.get)
	r.Post("/{id}/resubmit", routes.resubmit)

	r.Group(func(r chi.Router) {
		r.Use(authn.RequireScope(AdminScope))
		r.Get("/queue", routes.queue)
		r.Post("/{id}/assign", routes.assign)
		r.Post("/{id}/approve", routes.approve)
		r.Post("/{id}/reject", routes.reject)
		r.Post("/{id}/request-info", routes.requestInfo)
	})
	return r
}

type documentInput struct {
	Type      string `json:"type"`
	BlobURL   string `json:"blob_url"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type"`
}

func (d documentInput) toEngine() verification.DocumentInput {
	return verification.DocumentInput{
		Type:      d.Type,
		BlobURL:   d.BlobURL,
		SHA256:    d.SHA256,
		SizeBytes: d.SizeBytes,
		MimeType:  d.MimeType,
	}
}

func toEngineDocuments(docs []documentInput) []verification.DocumentInput {
	out := make([]verification.DocumentInput, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toEngine())
	}
	return out
}

type submitVerificationRequest struct {
	Type      string          `json:"type"`
	Documents []documentInput `json:"documents"`
}

// submit opens a badge application backed by at least one document.
func (h *VerificationRoutes) submit(w http.ResponseWriter, r *http.Request) {
	var req submitVerificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	request, err := h.verification.Submit(r.Context(), verification.SubmitRequest{
		IdentityID: principal.IdentityID,
		Type:       req.Type,
		Documents:  toEngineDocuments(req.Documents),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newVerificationRequestResponse(request))
}

// listOwn returns the caller's applications, newest first.
func (h *VerificationRoutes) listOwn(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	requests, err := h.verification.ListByIdentity(r.Context(), principal.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVerificationRequestResponses(requests))
}

type documentResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	BlobURL   string `json:"blob_url"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type"`
	Verified  bool   `json:"verified"`
}

type verificationDetailResponse struct {
	Request   verificationRequestResponse `json:"request"`
	Documents []documentResponse          `json:"documents"`
}

// get returns one application with its evidence. Only the applicant and
// admin tokens may read it.
func (h *VerificationRoutes) get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.ownedDetail(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out := verificationDetailResponse{
		Request:   newVerificationRequestResponse(detail.Request),
		Documents: make([]documentResponse, 0, len(detail.Documents)),
	}
	for _, d := range detail.Documents {
		out.Documents = append(out.Documents, documentResponse{
			ID:        d.ID,
			Type:      d.Type,
			BlobURL:   d.BlobURL,
			SHA256:    d.SHA256,
			SizeBytes: d.SizeBytes,
			MimeType:  d.MimeType,
			Verified:  d.Verified,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type resubmitRequest struct {
	Documents []documentInput `json:"documents"`
}

// resubmit attaches fresh documents to an application sent back for more
// information, returning it to the queue.
func (h *VerificationRoutes) resubmit(w http.ResponseWriter, r *http.Request) {
	var req resubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.ownedDetail(r); err != nil {
		writeError(w, err)
		return
	}
	request, err := h.verification.Resubmit(r.Context(), chi.URLParam(r, "id"), toEngineDocuments(req.Documents))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVerificationRequestResponse(request))
}

// ownedDetail loads the addressed application and hides it from everyone
// but the applicant and admin tokens.
func (h *VerificationRoutes) ownedDetail(r *http.Request) (*verification.Detail, error) {
	detail, err := h.verification.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	principal, _ := PrincipalFrom(r.Context())
	if detail.Request.IdentityID != principal.IdentityID && !hasScope(principal, AdminScope) {
		return nil, errors.NewNotFoundError("verification request not found", nil)
	}
	return detail, nil
}

// queue returns open applications in review order.
func (h *VerificationRoutes) queue(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, errors.NewInvalidArgumentError("limit must be a positive integer", err))
			return
		}
		limit = parsed
	}
	requests, err := h.verification.Queue(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVerificationRequestResponses(requests))
}

// assign takes an application for review as the calling reviewer.
func (h *VerificationRoutes) assign(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	request, err := h.verification.Assign(r.Context(), chi.URLParam(r, "id"), principal.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVerificationRequestResponse(request))
}

// approve grants the badge the application asked for.
func (h *VerificationRoutes) approve(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	request, err := h.verification.Approve(r.Context(), chi.URLParam(r, "id"), principal.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVerificationRequestResponse(request))
}

type reviewReasonRequest struct {
	Reason string `json:"reason"`
}

// reject declines an application with a reason the applicant sees.
func (h *VerificationRoutes) reject(w http.ResponseWriter, r *http.Request) {
	var req reviewReasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	request, err := h.verification.Reject(r.Context(), chi.URLParam(r, "id"), principal.IdentityID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVerificationRequestResponse(request))
}

// requestInfo sends an application back to the applicant for more
// evidence.
func (h *VerificationRoutes) requestInfo(w http.ResponseWriter, r *http.Request) {
	var req reviewReasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	request, err := h.verification.RequestInfo(r.Context(), chi.URLParam(r, "id"), principal.IdentityID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVerificationRequestResponse(request))
}
