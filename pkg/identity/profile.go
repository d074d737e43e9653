// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/handle"
	"github.com/entativa/eid/pkg/storage"
)

// Profile returns the profile row of an identity.
func (e *Engine) Profile(ctx context.Context, identityID string) (*storage.Profile, error) {
	return e.store.Profiles().GetProfile(ctx, identityID)
}

// UpdateProfileRequest mutates the named fields; a nil field is left as
// it was, so callers can patch one field without reading first.
// CustomAttributes replaces the whole map when non-nil.
type UpdateProfileRequest struct {
	DisplayName      *string                      `json:"display_name,omitempty"`
	Bio              *string                      `json:"bio,omitempty"`
	AvatarURL        *string                      `json:"avatar_url,omitempty"`
	Links            *storage.SocialLinks         `json:"social_links,omitempty"`
	Preferences      *storage.PlatformPreferences `json:"preferences,omitempty"`
	CustomAttributes map[string]any               `json:"custom_attributes,omitempty"`
}

// UpdateProfile applies a partial profile update and enqueues one
// replication job carrying the fields the identity's preferences allow
// downstream.
func (e *Engine) UpdateProfile(ctx context.Context, identityID string, req UpdateProfileRequest) (*storage.Profile, error) {
	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if name == "" {
			return nil, errors.NewInvalidArgumentError("display name cannot be empty", nil)
		}
		if len(name) > maxDisplayNameLength {
			return nil, errors.NewInvalidArgumentError("display name must be at most 100 characters", nil)
		}
		if err := handle.CheckContent(name); err != nil {
			return nil, errors.NewInappropriateError("display name contains a disallowed word", nil)
		}
		req.DisplayName = &name
	}
	if req.Bio != nil {
		bio := strings.TrimSpace(*req.Bio)
		if len(bio) > maxBioLength {
			return nil, errors.NewInvalidArgumentError("bio must be at most 500 characters", nil)
		}
		req.Bio = &bio
	}
	if req.AvatarURL != nil {
		avatarURL := strings.TrimSpace(*req.AvatarURL)
		if len(avatarURL) > maxAvatarURLLength {
			return nil, errors.NewInvalidArgumentError("avatar url is too long", nil)
		}
		req.AvatarURL = &avatarURL
	}

	var updated *storage.Profile
	err := e.store.Tx(ctx, func(tx storage.Store) error {
		profile, err := tx.Profiles().GetProfile(ctx, identityID)
		if err != nil {
			return err
		}
		if req.DisplayName != nil {
			profile.DisplayName = *req.DisplayName
		}
		if req.Bio != nil {
			profile.Bio = *req.Bio
		}
		if req.AvatarURL != nil {
			profile.AvatarURL = *req.AvatarURL
		}
		if req.Links != nil {
			profile.Links = *req.Links
		}
		if req.Preferences != nil {
			profile.Preferences = *req.Preferences
		}
		if req.CustomAttributes != nil {
			profile.CustomAttributes = req.CustomAttributes
		}
		if err := tx.Profiles().UpdateProfile(ctx, profile); err != nil {
			return err
		}
		updated = profile
		return e.enqueueProfile(ctx, tx, profile)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// profilePayload is the replicated view of a profile carried by sync
// jobs. Fields a preference turns off are omitted entirely.
type profilePayload struct {
	DisplayName string               `json:"display_name,omitempty"`
	Bio         string               `json:"bio,omitempty"`
	AvatarURL   string               `json:"avatar_url,omitempty"`
	Links       *storage.SocialLinks `json:"social_links,omitempty"`
	UpdatedAt   string               `json:"updated_at"`
}

// enqueueProfile writes a profile replication job inside the caller's
// transaction, honoring the identity's sync preferences. A nil outbox is
// a no-op, as is a preference set that excludes every target.
func (e *Engine) enqueueProfile(ctx context.Context, st storage.Store, profile *storage.Profile) error {
	if e.outbox == nil {
		return nil
	}
	targets := e.profileTargets(profile.Preferences.ExcludedTargets)
	if targets != nil && len(targets) == 0 {
		return nil
	}

	payload := profilePayload{
		UpdatedAt: e.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	if profile.Preferences.SyncDisplayName {
		payload.DisplayName = profile.DisplayName
	}
	if profile.Preferences.SyncBio {
		payload.Bio = profile.Bio
	}
	if profile.Preferences.SyncAvatar {
		payload.AvatarURL = profile.AvatarURL
	}
	if profile.Links != (storage.SocialLinks{}) {
		links := profile.Links
		payload.Links = &links
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling profile payload: %w", err)
	}

	return e.outbox.Enqueue(ctx, st, &storage.SyncJob{
		EntityType:      "profile",
		EntityID:        profile.IdentityID,
		Payload:         data,
		TargetPlatforms: targets,
	})
}

// profileTargets applies an excluded-target list to the configured
// platform set. nil means "no exclusions, use the outbox default"; an
// empty non-nil slice means everything is excluded.
func (e *Engine) profileTargets(excluded []string) []string {
	if len(excluded) == 0 {
		return nil
	}
	skip := make(map[string]bool, len(excluded))
	for _, t := range excluded {
		skip[t] = true
	}
	targets := make([]string, 0, len(e.platforms))
	for _, p := range e.platforms {
		if !skip[p] {
			targets = append(targets, p)
		}
	}
	return targets
}
