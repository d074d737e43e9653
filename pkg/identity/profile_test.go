// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

func strPtr(s string) *string { return &s }

func TestUpdateProfilePatchesFields(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary, err := fx.engine.Register(ctx, RegisterRequest{
		Handle: "june", Email: "june@entativa.com", Password: "a long password",
		Bio: "Original bio.", AvatarURL: "https://cdn.entativa.com/june.png",
	})
	require.NoError(t, err)

	updated, err := fx.engine.UpdateProfile(ctx, summary.ID, UpdateProfileRequest{
		DisplayName: strPtr("  June Park  "),
		Bio:         strPtr("Ceramicist."),
	})
	require.NoError(t, err)
	assert.Equal(t, "June Park", updated.DisplayName, "fields are trimmed before storage")
	assert.Equal(t, "Ceramicist.", updated.Bio)
	assert.Equal(t, "https://cdn.entativa.com/june.png", updated.AvatarURL, "untouched fields keep their value")

	profile, err := fx.engine.Profile(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, "June Park", profile.DisplayName)
}

func TestUpdateProfileCustomAttributes(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "theo", "theo@entativa.com", "a long password")
	_, err := fx.engine.UpdateProfile(ctx, summary.ID, UpdateProfileRequest{
		CustomAttributes: map[string]any{"pronouns": "they/them", "timezone": "Europe/Lisbon"},
	})
	require.NoError(t, err)

	profile, err := fx.engine.Profile(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, "they/them", profile.CustomAttributes["pronouns"])

	// A later patch that leaves the map nil does not clear it.
	_, err = fx.engine.UpdateProfile(ctx, summary.ID, UpdateProfileRequest{Bio: strPtr("hi")})
	require.NoError(t, err)
	profile, err = fx.engine.Profile(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Lisbon", profile.CustomAttributes["timezone"])
}

func TestUpdateProfileValidation(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "vera", "vera@entativa.com", "a long password")

	tests := []struct {
		name  string
		req   UpdateProfileRequest
		check func(error) bool
	}{
		{"empty display name", UpdateProfileRequest{DisplayName: strPtr("   ")}, errors.IsInvalidArgument},
		{"disallowed display name", UpdateProfileRequest{DisplayName: strPtr("Entativa Security")}, errors.IsInappropriate},
		{"bio too long", UpdateProfileRequest{Bio: strPtr(strings.Repeat("b", 501))}, errors.IsInvalidArgument},
		{"avatar url too long", UpdateProfileRequest{AvatarURL: strPtr("https://" + strings.Repeat("a", 2048))}, errors.IsInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.engine.UpdateProfile(ctx, summary.ID, tc.req)
			require.Error(t, err)
			assert.True(t, tc.check(err), "got %v", err)
		})
	}
}

func TestUpdateProfileReplicatesPreferredFields(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "amara", "amara@entativa.com", "a long password")
	fx.clock.Advance(time.Minute)

	_, err := fx.engine.UpdateProfile(ctx, summary.ID, UpdateProfileRequest{
		Bio: strPtr("Keeps this off the other platforms."),
		Links: &storage.SocialLinks{
			Website: "https://amara.example",
		},
		Preferences: &storage.PlatformPreferences{
			SyncDisplayName: true,
			SyncAvatar:      true,
			SyncBio:         false,
			ExcludedTargets: []string{"gala"},
		},
	})
	require.NoError(t, err)

	jobs, err := fx.store.SyncJobs().ListOpenJobsByEntity(ctx, "profile", summary.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2, "registration enqueued one job, the update another")

	job := jobs[1]
	assert.Equal(t, []string{"sonet", "pika"}, job.TargetPlatforms)
	assert.Equal(t, "amara", gjson.GetBytes(job.Payload, "display_name").String())
	assert.False(t, gjson.GetBytes(job.Payload, "bio").Exists(), "a field the preference turns off is not replicated")
	assert.Equal(t, "https://amara.example", gjson.GetBytes(job.Payload, "social_links.website").String())
}

func TestUpdateProfileAllTargetsExcluded(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := t.Context()

	summary := registerUser(t, fx, "quiet_one", "quiet@entativa.com", "a long password")

	_, err := fx.engine.UpdateProfile(ctx, summary.ID, UpdateProfileRequest{
		Bio: strPtr("Nothing leaves this platform."),
		Preferences: &storage.PlatformPreferences{
			SyncDisplayName: true,
			SyncBio:         true,
			ExcludedTargets: []string{"sonet", "gala", "pika"},
		},
	})
	require.NoError(t, err)

	jobs, err := fx.store.SyncJobs().ListOpenJobsByEntity(ctx, "profile", summary.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "excluding every target suppresses the replication job entirely")
}
