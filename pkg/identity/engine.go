// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package identity is the façade the HTTP surface goes through for
// account lifecycle: registration, login with lockout and the MFA gate,
// password change and reset, profile updates and session control. It owns
// no crypto, no token format and no handle rule; it sequences the engines
// that do and keeps the multi-step flows atomic.
package identity

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/handle"
	"github.com/entativa/eid/pkg/mfa"
	"github.com/entativa/eid/pkg/storage"
	"github.com/entativa/eid/pkg/token"
)

// Field bounds shared by registration and profile updates. They match the
// downstream replication schema, so nothing accepted here is rejected at
// sync time.
const (
	minPasswordLength    = 8
	maxPasswordLength    = 512
	maxDisplayNameLength = 100
	maxBioLength         = 500
	maxAvatarURLLength   = 2048
)

// Enqueuer writes replication jobs into the outbox inside the caller's
// transaction. The sync engine provides the production implementation; a
// nil Enqueuer disables downstream propagation.
type Enqueuer interface {
	Enqueue(ctx context.Context, st storage.Store, job *storage.SyncJob) error
}

// Deps names everything the façade sequences. Store, Hasher, Handles, MFA
// and Tokens are required; Outbox and Events may be nil.
type Deps struct {
	Store   storage.Store
	Hasher  *crypto.Hasher
	Handles *handle.Engine
	MFA     *mfa.Engine
	Tokens  *token.Service
	Outbox  Enqueuer
	Events  Emitter
}

// Engine is the identity façade.
type Engine struct {
	store   storage.Store
	hasher  *crypto.Hasher
	handles *handle.Engine
	mfa     *mfa.Engine
	tokens  *token.Service
	outbox  Enqueuer
	events  Emitter
	clock   clockwork.Clock
	cfg     config.LoginConfig

	// platforms are the downstream targets profile changes replicate to,
	// before per-identity exclusions are applied.
	platforms []string
}

// NewEngine creates the façade. platforms is the configured downstream
// target set; it only matters when an identity excludes some of them.
func NewEngine(deps Deps, clock clockwork.Clock, cfg config.LoginConfig, platforms []string) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 30 * time.Minute
	}
	return &Engine{
		store:     deps.Store,
		hasher:    deps.Hasher,
		handles:   deps.Handles,
		mfa:       deps.MFA,
		tokens:    deps.Tokens,
		outbox:    deps.Outbox,
		events:    deps.Events,
		clock:     clock,
		cfg:       cfg,
		platforms: platforms,
	}
}

func (e *Engine) emit(ctx context.Context, event Event) {
	if e.events == nil {
		return
	}
	e.events.Emit(ctx, event)
}

// Summary is the public view of an identity: what registration returns
// and GET /identity/{id} serves. The HTTP layer decides which fields the
// caller may see.
type Summary struct {
	ID                 string                    `json:"id"`
	Handle             string                    `json:"handle,omitempty"`
	Email              string                    `json:"email"`
	Phone              string                    `json:"phone,omitempty"`
	DisplayName        string                    `json:"display_name,omitempty"`
	Bio                string                    `json:"bio,omitempty"`
	AvatarURL          string                    `json:"avatar_url,omitempty"`
	Status             storage.IdentityStatus    `json:"status"`
	VerificationStatus storage.VerificationState `json:"verification_status"`
	VerificationBadge  storage.Badge             `json:"verification_badge,omitempty"`
	MFAEnabled         bool                      `json:"mfa_enabled"`
	CreatedAt          time.Time                 `json:"created_at"`
}

// Get returns the summary of one identity. Soft-deleted identities are
// not found.
func (e *Engine) Get(ctx context.Context, id string) (*Summary, error) {
	identity, err := e.store.Identities().GetIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity.DeletedAt != nil {
		return nil, errors.NewNotFoundError("identity not found", nil)
	}

	var h *storage.Handle
	if identity.HandleID != "" {
		h, err = e.store.Handles().GetHandle(ctx, identity.HandleID)
		if err != nil && !errors.IsNotFound(err) {
			return nil, err
		}
	}
	profile, err := e.store.Profiles().GetProfile(ctx, id)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	return summarize(identity, h, profile), nil
}

func summarize(identity *storage.Identity, h *storage.Handle, profile *storage.Profile) *Summary {
	s := &Summary{
		ID:                 identity.ID,
		Email:              identity.Email,
		Phone:              identity.Phone,
		Status:             identity.Status,
		VerificationStatus: identity.VerificationStatus,
		VerificationBadge:  identity.VerificationBadge,
		MFAEnabled:         identity.MFAEnabled,
		CreatedAt:          identity.CreatedAt,
	}
	if h != nil {
		s.Handle = h.Handle
	}
	if profile != nil {
		s.DisplayName = profile.DisplayName
		s.Bio = profile.Bio
		s.AvatarURL = profile.AvatarURL
	}
	return s
}

// normalizeEmail folds an address into the form the unique index sees.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return errors.NewInvalidArgumentError("email is required", nil)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return errors.NewInvalidArgumentError("email address is not valid", nil)
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return errors.NewInvalidArgumentError("password must be at least 8 characters", nil)
	}
	if len(password) > maxPasswordLength {
		return errors.NewInvalidArgumentError("password is too long", nil)
	}
	return nil
}
