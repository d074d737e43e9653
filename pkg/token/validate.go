// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"time"

	"github.com/entativa/eid/pkg/cache"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/storage"
)

// Introspection is the verdict of a successful validation. It is what
// gets cached, so everything a resource server needs is carried here.
type Introspection struct {
	TokenID     string    `json:"token_id"`
	IdentityID  string    `json:"identity_id,omitempty"`
	ClientID    string    `json:"client_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Scopes      []string  `json:"scopes,omitempty"`
	Audience    string    `json:"audience,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	AuthMethods []string  `json:"auth_methods,omitempty"`
	AuthContext string    `json:"auth_context,omitempty"`
}

// HasScope reports whether the token carries the scope.
func (in *Introspection) HasScope(scope string) bool {
	return hasScope(in.Scopes, scope)
}

// Validate checks an access token end to end: signature and claims, then
// the persisted row. A passing verdict is cached briefly on the token
// hash so hot tokens skip both; revocation drops the entry. When audience
// is non-empty the token must have been issued to it.
func (s *Service) Validate(ctx context.Context, raw, audience string) (*Introspection, error) {
	if raw == "" {
		return nil, errors.NewInvalidTokenError("no token presented", nil)
	}
	key := tokenCacheKey(hashToken(raw))

	var in Introspection
	hit, err := cache.GetJSON(ctx, s.cache, key, &in)
	if err != nil {
		logger.Warnw("token validation cache read failed", "error", err)
	}
	if hit {
		// The entry can outlive the token by up to the cache TTL, and the
		// caller's audience expectation is not part of the key.
		if s.clock.Now().After(in.ExpiresAt) {
			return nil, errors.NewInvalidTokenError("token expired", nil)
		}
		if audience != "" && in.Audience != audience {
			return nil, errors.NewInvalidTokenError("token was issued to a different audience", nil)
		}
		return &in, nil
	}

	claims, err := s.parseAccessToken(ctx, raw, audience)
	if err != nil {
		return nil, err
	}

	row, err := s.store.Tokens().GetTokenByHash(ctx, hashToken(raw))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewInvalidTokenError("token is not recognized", nil)
		}
		return nil, err
	}
	if row.Kind != storage.KindAccess {
		return nil, errors.NewInvalidTokenError("token is not an access token", nil)
	}
	now := s.clock.Now()
	if row.Status != storage.TokenActive {
		return nil, errors.NewInvalidTokenError("token is no longer active", nil)
	}
	if row.Expired(now) {
		return nil, errors.NewInvalidTokenError("token expired", nil)
	}

	if err := s.store.Tokens().TouchToken(ctx, row.ID, now); err != nil {
		return nil, err
	}

	in = Introspection{
		TokenID:     row.ID,
		IdentityID:  row.IdentityID,
		ClientID:    row.ClientID,
		SessionID:   row.SessionID,
		Scopes:      row.Scopes,
		Audience:    row.Audience,
		ExpiresAt:   row.ExpiresAt,
		AuthMethods: claims.AuthMethods,
		AuthContext: claims.AuthContext,
	}
	if err := cache.SetJSON(ctx, s.cache, key, &in, cache.TokenValidationTTL); err != nil {
		logger.Warnw("token validation cache write failed", "error", err)
	}
	return &in, nil
}

// Revoke invalidates a presented token. Revoking a refresh token takes
// its whole family with it; revoking an access or ID token affects only
// that token. Unknown and already-dead tokens succeed silently so the
// endpoint stays idempotent.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}

	var invalidate []string
	err := s.store.Tx(ctx, func(st storage.Store) error {
		invalidate = nil
		now := s.clock.Now()

		row, err := st.Tokens().GetTokenByHash(ctx, hashToken(raw))
		if err != nil {
			if errors.IsNotFound(err) {
				return nil
			}
			return err
		}

		if row.Kind == storage.KindRefresh && row.Family != "" {
			hashes, err := s.revokeFamilyCollect(ctx, st, row.Family, now)
			if err != nil {
				return err
			}
			invalidate = hashes
			return nil
		}

		if row.Status != storage.TokenActive {
			return nil
		}
		row.Status = storage.TokenRevoked
		if err := st.Tokens().UpdateToken(ctx, row); err != nil {
			return err
		}
		if row.Kind == storage.KindAccess || row.Kind == storage.KindID {
			invalidate = []string{row.Hash}
		}
		return nil
	})
	s.dropValidationEntries(ctx, invalidate)
	return err
}

// RevokeSession terminates a login session and every token anchored to
// it, across all families. Unknown sessions succeed silently.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	var invalidate []string
	err := s.store.Tx(ctx, func(st storage.Store) error {
		invalidate = nil
		now := s.clock.Now()

		session, err := st.Sessions().GetSession(ctx, sessionID)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil
			}
			return err
		}

		tokens, err := st.Tokens().ListSessionTokens(ctx, sessionID)
		if err != nil {
			return err
		}
		if _, err := st.Tokens().RevokeSessionTokens(ctx, sessionID, now); err != nil {
			return err
		}
		for _, t := range tokens {
			if t.Kind == storage.KindAccess || t.Kind == storage.KindID {
				invalidate = append(invalidate, t.Hash)
			}
		}

		if session.IsActive {
			session.IsActive = false
			if err := st.Sessions().UpdateSession(ctx, session); err != nil {
				return err
			}
		}
		return nil
	})
	s.dropValidationEntries(ctx, invalidate)
	return err
}

// RevokeIdentitySessions terminates every active session of the identity
// inside the caller's transaction, sparing keepSessionID when non-empty.
// Password resets pass an empty keep so nothing survives; password changes
// keep the session that proved the current password. Returns the number of
// sessions deactivated.
func (s *Service) RevokeIdentitySessions(ctx context.Context, st storage.Store, identityID, keepSessionID string) (int64, error) {
	now := s.clock.Now()

	sessions, err := st.Sessions().ListSessions(ctx, identityID, true)
	if err != nil {
		return 0, err
	}
	var invalidate []string
	for _, session := range sessions {
		if session.ID == keepSessionID {
			continue
		}
		tokens, err := st.Tokens().ListSessionTokens(ctx, session.ID)
		if err != nil {
			return 0, err
		}
		if _, err := st.Tokens().RevokeSessionTokens(ctx, session.ID, now); err != nil {
			return 0, err
		}
		for _, t := range tokens {
			if t.Kind == storage.KindAccess || t.Kind == storage.KindID {
				invalidate = append(invalidate, t.Hash)
			}
		}
	}
	n, err := st.Sessions().DeactivateSessions(ctx, identityID, keepSessionID)
	if err != nil {
		return 0, err
	}
	s.dropValidationEntries(ctx, invalidate)
	return n, nil
}
