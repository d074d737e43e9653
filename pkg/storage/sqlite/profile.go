// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// profileStore implements storage.ProfileStore.
type profileStore struct {
	s *Store
}

var _ storage.ProfileStore = (*profileStore)(nil)

const profileColumns = `identity_id, display_name, bio, avatar_url, links,
	preferences, custom_attributes, created_at, updated_at, version`

// CreateProfile inserts the profile row for an identity.
func (st *profileStore) CreateProfile(ctx context.Context, profile *storage.Profile) error {
	linksJSON, err := encodeJSON(profile.Links)
	if err != nil {
		return fmt.Errorf("encoding links: %w", err)
	}
	prefsJSON, err := encodeJSON(profile.Preferences)
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	customJSON, err := encodeJSON(profile.CustomAttributes)
	if err != nil {
		return fmt.Errorf("encoding custom attributes: %w", err)
	}

	_, err = st.s.q.ExecContext(ctx, `
		INSERT INTO profiles (
			identity_id, display_name, bio, avatar_url, links,
			preferences, custom_attributes, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		profile.IdentityID,
		profile.DisplayName,
		profile.Bio,
		profile.AvatarURL,
		linksJSON,
		prefsJSON,
		customJSON,
		formatTime(profile.CreatedAt),
		formatTime(profile.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("profile already exists", err)
		}
		return fmt.Errorf("inserting profile: %w", err)
	}
	profile.Version = 1
	return nil
}

// GetProfile retrieves the profile of an identity.
func (st *profileStore) GetProfile(ctx context.Context, identityID string) (*storage.Profile, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE identity_id = ?`, identityID)
	return scanProfile(row)
}

// UpdateProfile writes a profile back, guarded by its version.
func (st *profileStore) UpdateProfile(ctx context.Context, profile *storage.Profile) error {
	linksJSON, err := encodeJSON(profile.Links)
	if err != nil {
		return fmt.Errorf("encoding links: %w", err)
	}
	prefsJSON, err := encodeJSON(profile.Preferences)
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	customJSON, err := encodeJSON(profile.CustomAttributes)
	if err != nil {
		return fmt.Errorf("encoding custom attributes: %w", err)
	}

	now := time.Now().UTC()
	res, err := st.s.q.ExecContext(ctx, `
		UPDATE profiles SET
			display_name = ?, bio = ?, avatar_url = ?, links = ?,
			preferences = ?, custom_attributes = ?, updated_at = ?,
			version = version + 1
		WHERE identity_id = ? AND version = ?`,
		profile.DisplayName,
		profile.Bio,
		profile.AvatarURL,
		linksJSON,
		prefsJSON,
		customJSON,
		formatTime(now),
		profile.IdentityID,
		profile.Version,
	)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	if err := optimisticOutcome(ctx, st.s.q, res,
		`SELECT 1 FROM profiles WHERE identity_id = ?`, profile.IdentityID); err != nil {
		return err
	}
	profile.Version++
	profile.UpdatedAt = now
	return nil
}

// scanProfile scans one profile row.
func scanProfile(sc scanner) (*storage.Profile, error) {
	var (
		profile    storage.Profile
		linksBlob  []byte
		prefsBlob  []byte
		customBlob []byte
		createdAt  string
		updatedAt  string
	)
	err := sc.Scan(
		&profile.IdentityID, &profile.DisplayName, &profile.Bio,
		&profile.AvatarURL, &linksBlob, &prefsBlob, &customBlob,
		&createdAt, &updatedAt, &profile.Version,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("profile not found", nil)
		}
		return nil, fmt.Errorf("scanning profile row: %w", err)
	}

	if err := decodeJSON(linksBlob, &profile.Links); err != nil {
		return nil, fmt.Errorf("decoding links: %w", err)
	}
	if err := decodeJSON(prefsBlob, &profile.Preferences); err != nil {
		return nil, fmt.Errorf("decoding preferences: %w", err)
	}
	if err := decodeJSON(customBlob, &profile.CustomAttributes); err != nil {
		return nil, fmt.Errorf("decoding custom attributes: %w", err)
	}

	if profile.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if profile.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &profile, nil
}
