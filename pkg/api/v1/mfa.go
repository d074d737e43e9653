// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/identity"
	"github.com/entativa/eid/pkg/mfa"
	"github.com/entativa/eid/pkg/storage"
)

// MFARoutes implements second-factor management: enrollment, challenge
// issue and verification, method administration and backup codes. Every
// route requires an authenticated caller.
type MFARoutes struct {
	mfa      *mfa.Engine
	identity *identity.Engine
}

// MFARouter creates a new router for the MFA API.
func MFARouter(engine *mfa.Engine, id *identity.Engine, authn *Authenticator) http.Handler {
	routes := &MFARoutes{mfa: engine, identity: id}

	r := chi.NewRouter()
	r.Use(authn.Middleware)
	r.Post("/setup", routes.setup)
	r.Get("/methods", routes.listMethods)
	r.Delete("/methods/{id}", routes.removeMethod)
	r.Post("/methods/{id}/primary", routes.setPrimary)
	r.Post("/challenge", routes.issueChallenge)
	r.Post("/verify", routes.verifyChallenge)
	r.Post("/backup-codes", routes.generateBackupCodes)
	r.Get("/backup-codes", routes.remainingBackupCodes)
	return r
}

type mfaSetupRequest struct {
	Type  string `json:"type"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type totpEnrollmentResponse struct {
	MethodID    string    `json:"method_id"`
	ChallengeID string    `json:"challenge_id"`
	Secret      string    `json:"secret"`
	OTPAuthURL  string    `json:"otpauth_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type codeEnrollmentResponse struct {
	MethodID    string    `json:"method_id"`
	ChallengeID string    `json:"challenge_id"`
	MaskedHint  string    `json:"masked_hint"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// setup enrolls a new second factor. The method stays unverified until
// the enrollment challenge is answered via /mfa/verify.
func (h *MFARoutes) setup(w http.ResponseWriter, r *http.Request) {
	var req mfaSetupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	principal, _ := PrincipalFrom(r.Context())

	switch storage.MFAType(req.Type) {
	case storage.MFATOTP:
		summary, err := h.identity.Get(r.Context(), principal.IdentityID)
		if err != nil {
			writeError(w, err)
			return
		}
		enrollment, err := h.mfa.EnrollTOTP(r.Context(), principal.IdentityID, summary.Email)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, totpEnrollmentResponse{
			MethodID:    enrollment.MethodID,
			ChallengeID: enrollment.ChallengeID,
			Secret:      enrollment.Secret,
			OTPAuthURL:  enrollment.URL,
			ExpiresAt:   enrollment.ExpiresAt,
		})
	case storage.MFASMS:
		enrollment, err := h.mfa.EnrollSMS(r.Context(), principal.IdentityID, req.Phone)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newCodeEnrollmentResponse(enrollment))
	case storage.MFAEmail:
		email := req.Email
		if email == "" {
			summary, err := h.identity.Get(r.Context(), principal.IdentityID)
			if err != nil {
				writeError(w, err)
				return
			}
			email = summary.Email
		}
		enrollment, err := h.mfa.EnrollEmail(r.Context(), principal.IdentityID, email)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newCodeEnrollmentResponse(enrollment))
	default:
		writeError(w, errors.NewInvalidArgumentError("type must be one of totp, sms, email", nil))
	}
}

func newCodeEnrollmentResponse(e *mfa.CodeEnrollment) codeEnrollmentResponse {
	return codeEnrollmentResponse{
		MethodID:    e.MethodID,
		ChallengeID: e.ChallengeID,
		MaskedHint:  e.MaskedHint,
		ExpiresAt:   e.ExpiresAt,
	}
}

type mfaMethodResponse struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	MaskedIdentifier string     `json:"masked_identifier,omitempty"`
	IsPrimary        bool       `json:"is_primary"`
	IsVerified       bool       `json:"is_verified"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// listMethods returns the caller's enrolled second factors.
func (h *MFARoutes) listMethods(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	methods, err := h.mfa.Methods(r.Context(), principal.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]mfaMethodResponse, 0, len(methods))
	for _, m := range methods {
		out = append(out, mfaMethodResponse{
			ID:               m.ID,
			Type:             string(m.Type),
			MaskedIdentifier: m.MaskedIdentifier,
			IsPrimary:        m.IsPrimary,
			IsVerified:       m.IsVerified,
			LastUsedAt:       m.LastUsedAt,
			CreatedAt:        m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// removeMethod unenrolls a second factor. Removing the last verified
// method turns MFA off for the account.
func (h *MFARoutes) removeMethod(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	if err := h.mfa.RemoveMethod(r.Context(), principal.IdentityID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setPrimary marks a verified method as the preferred challenge target.
func (h *MFARoutes) setPrimary(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	if err := h.mfa.SetPrimary(r.Context(), principal.IdentityID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type issueChallengeRequest struct {
	MethodID string `json:"method_id,omitempty"`
	Purpose  string `json:"purpose,omitempty"`
}

// issueChallenge opens a challenge against one of the caller's methods,
// dispatching a code when the method is code-based.
func (h *MFARoutes) issueChallenge(w http.ResponseWriter, r *http.Request) {
	var req issueChallengeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	purpose := storage.ChallengePurpose(req.Purpose)
	if purpose == "" {
		purpose = storage.PurposeSensitiveOp
	}
	switch purpose {
	case storage.PurposeLogin, storage.PurposePasswordChange, storage.PurposeSensitiveOp:
	default:
		writeError(w, errors.NewInvalidArgumentError("purpose must be one of login, password_change, sensitive_op", nil))
		return
	}

	principal, _ := PrincipalFrom(r.Context())
	challenge, err := h.mfa.Issue(r.Context(), principal.IdentityID, req.MethodID, purpose)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newChallengeResponse(challenge))
}

type verifyChallengeRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

type verifyChallengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Purpose     string `json:"purpose"`
	Verified    bool   `json:"verified"`
}

// verifyChallenge answers a pending challenge. Enrollment challenges
// flip their method to verified on success.
func (h *MFARoutes) verifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req verifyChallengeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	challenge, err := h.mfa.Verify(r.Context(), req.ChallengeID, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyChallengeResponse{
		ChallengeID: challenge.ID,
		Purpose:     string(challenge.Purpose),
		Verified:    true,
	})
}

type backupCodesResponse struct {
	MethodID string   `json:"method_id"`
	Codes    []string `json:"codes"`
}

// generateBackupCodes mints a fresh recovery code set, replacing any
// previous one. The codes are shown exactly once.
func (h *MFARoutes) generateBackupCodes(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	codes, err := h.mfa.GenerateBackupCodes(r.Context(), principal.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, backupCodesResponse{MethodID: codes.MethodID, Codes: codes.Codes})
}

type remainingBackupCodesResponse struct {
	Remaining int `json:"remaining"`
}

// remainingBackupCodes reports how many recovery codes are still unused.
func (h *MFARoutes) remainingBackupCodes(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	remaining, err := h.mfa.RemainingBackupCodes(r.Context(), principal.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remainingBackupCodesResponse{Remaining: remaining})
}
