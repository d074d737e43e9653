// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"time"

	"github.com/entativa/eid/pkg/identity"
	"github.com/entativa/eid/pkg/mfa"
	"github.com/entativa/eid/pkg/storage"
	"github.com/entativa/eid/pkg/token"
)

// challengeResponse is the wire form of a pending MFA challenge.
type challengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	MethodID    string    `json:"method_id"`
	MethodType  string    `json:"method_type"`
	MaskedHint  string    `json:"masked_hint,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func newChallengeResponse(c *mfa.IssuedChallenge) *challengeResponse {
	if c == nil {
		return nil
	}
	return &challengeResponse{
		ChallengeID: c.ChallengeID,
		MethodID:    c.MethodID,
		MethodType:  string(c.MethodType),
		MaskedHint:  c.MaskedHint,
		ExpiresAt:   c.ExpiresAt,
	}
}

// mfaGateResponse is the pending half of a login that still owes a second
// factor.
type mfaGateResponse struct {
	Ticket    string             `json:"mfa_ticket"`
	Challenge *challengeResponse `json:"challenge"`
}

// loginResponse carries either issued tokens or the MFA gate, never both.
type loginResponse struct {
	IdentityID string           `json:"identity_id"`
	SessionID  string           `json:"session_id"`
	Tokens     *token.Pair      `json:"tokens,omitempty"`
	MFA        *mfaGateResponse `json:"mfa,omitempty"`
}

func newLoginResponse(res *identity.LoginResult) loginResponse {
	out := loginResponse{
		IdentityID: res.IdentityID,
		SessionID:  res.SessionID,
		Tokens:     res.Pair,
	}
	if res.MFA != nil {
		out.MFA = &mfaGateResponse{
			Ticket:    res.MFA.Ticket,
			Challenge: newChallengeResponse(res.MFA.Challenge),
		}
	}
	return out
}

// sessionResponse is the wire form of one device session.
type sessionResponse struct {
	ID           string             `json:"id"`
	ClientID     string             `json:"client_id"`
	Device       storage.DeviceInfo `json:"device"`
	CreatedAt    time.Time          `json:"created_at"`
	LastActiveAt time.Time          `json:"last_active_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
	MFAAsserted  bool               `json:"mfa_asserted"`
	Current      bool               `json:"current"`
}

func newSessionResponse(s *storage.Session, currentID string) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		ClientID:     s.ClientID,
		Device:       s.Device,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		ExpiresAt:    s.ExpiresAt,
		MFAAsserted:  s.MFAAsserted,
		Current:      s.ID == currentID,
	}
}

// handleResponse is the public wire form of a handle row.
type handleResponse struct {
	ID              string    `json:"id"`
	Handle          string    `json:"handle"`
	OwnerIdentityID string    `json:"owner_identity_id,omitempty"`
	Status          string    `json:"status"`
	IsProtected     bool      `json:"is_protected,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func newHandleResponse(h *storage.Handle) handleResponse {
	return handleResponse{
		ID:              h.ID,
		Handle:          h.Handle,
		OwnerIdentityID: h.OwnerIdentityID,
		Status:          string(h.Status),
		IsProtected:     h.IsProtected,
		CreatedAt:       h.CreatedAt,
	}
}

// verificationRequestResponse is the wire form of a badge application.
type verificationRequestResponse struct {
	ID               string    `json:"id"`
	IdentityID       string    `json:"identity_id"`
	Type             string    `json:"type"`
	Priority         int       `json:"priority"`
	Status           string    `json:"status"`
	AssignedReviewer string    `json:"assigned_reviewer,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	HandleID         string    `json:"handle_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func newVerificationRequestResponse(req *storage.VerificationRequest) verificationRequestResponse {
	return verificationRequestResponse{
		ID:               req.ID,
		IdentityID:       req.IdentityID,
		Type:             req.Type,
		Priority:         req.Priority,
		Status:           string(req.Status),
		AssignedReviewer: req.AssignedReviewer,
		Reason:           req.Reason,
		HandleID:         req.HandleID,
		CreatedAt:        req.CreatedAt,
		UpdatedAt:        req.UpdatedAt,
	}
}

func newVerificationRequestResponses(reqs []*storage.VerificationRequest) []verificationRequestResponse {
	out := make([]verificationRequestResponse, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, newVerificationRequestResponse(req))
	}
	return out
}

// profileResponse is the wire form of an identity's profile.
type profileResponse struct {
	IdentityID       string                      `json:"identity_id"`
	DisplayName      string                      `json:"display_name,omitempty"`
	Bio              string                      `json:"bio,omitempty"`
	AvatarURL        string                      `json:"avatar_url,omitempty"`
	Links            storage.SocialLinks         `json:"social_links"`
	Preferences      storage.PlatformPreferences `json:"preferences"`
	CustomAttributes map[string]any              `json:"custom_attributes,omitempty"`
	UpdatedAt        time.Time                   `json:"updated_at"`
}

func newProfileResponse(p *storage.Profile) profileResponse {
	return profileResponse{
		IdentityID:       p.IdentityID,
		DisplayName:      p.DisplayName,
		Bio:              p.Bio,
		AvatarURL:        p.AvatarURL,
		Links:            p.Links,
		Preferences:      p.Preferences,
		CustomAttributes: p.CustomAttributes,
		UpdatedAt:        p.UpdatedAt,
	}
}
