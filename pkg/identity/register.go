// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/handle"
	"github.com/entativa/eid/pkg/storage"
)

// RegisterRequest carries one registration. Handle, Email and Password
// are required; the rest seeds the profile.
type RegisterRequest struct {
	Handle      string `json:"handle"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Phone       string `json:"phone,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Bio         string `json:"bio,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Register creates an account: the handle is validated and allocated, the
// password hashed, and identity, handle, profile and replication jobs
// committed in one transaction. Handle verdicts cached before the commit
// are invalidated after it.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*Summary, error) {
	email := normalizeEmail(req.Email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if len(displayName) > maxDisplayNameLength {
		return nil, errors.NewInvalidArgumentError("display name must be at most 100 characters", nil)
	}
	bio := strings.TrimSpace(req.Bio)
	if len(bio) > maxBioLength {
		return nil, errors.NewInvalidArgumentError("bio must be at most 500 characters", nil)
	}
	avatarURL := strings.TrimSpace(req.AvatarURL)
	if len(avatarURL) > maxAvatarURLLength {
		return nil, errors.NewInvalidArgumentError("avatar url is too long", nil)
	}

	hash, err := e.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	identity := &storage.Identity{
		ID:                 uuid.NewString(),
		Email:              email,
		Phone:              strings.TrimSpace(req.Phone),
		PasswordHash:       hash,
		PasswordChangedAt:  now,
		Status:             storage.IdentityActive,
		VerificationStatus: storage.VerificationNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	var (
		allocated *storage.Handle
		profile   *storage.Profile
	)
	err = e.store.Tx(ctx, func(tx storage.Store) error {
		// Handle validation runs first so its taxonomy error wins; the
		// profile content policy only sees names that differ from the
		// already-vetted handle.
		h, err := e.handles.Allocate(ctx, tx, identity.ID, strings.TrimSpace(req.Handle))
		if err != nil {
			return err
		}
		allocated = h
		identity.HandleID = h.ID

		name := displayName
		if name == "" {
			name = h.Handle
		} else if err := handle.CheckContent(name); err != nil {
			return errors.NewInappropriateError("display name contains a disallowed word", nil)
		}
		profile = &storage.Profile{
			IdentityID:  identity.ID,
			DisplayName: name,
			Bio:         bio,
			AvatarURL:   avatarURL,
			Preferences: storage.PlatformPreferences{
				SyncAvatar:      true,
				SyncDisplayName: true,
				SyncBio:         true,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}

		if err := tx.Identities().CreateIdentity(ctx, identity); err != nil {
			return err
		}
		if err := tx.Profiles().CreateProfile(ctx, profile); err != nil {
			return err
		}
		if err := e.handles.EnqueueOwnership(ctx, tx, h, storage.PriorityNormal); err != nil {
			return err
		}
		return e.enqueueProfile(ctx, tx, profile)
	})
	if err != nil {
		return nil, err
	}

	e.handles.InvalidateValidations(ctx)
	e.emit(ctx, Event{
		Type:       EventRegistered,
		IdentityID: identity.ID,
		Email:      identity.Email,
		Detail:     "@" + allocated.Handle,
	})
	return summarize(identity, allocated, profile), nil
}
