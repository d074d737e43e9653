// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token implements the OAuth2 authorization server: authorization
// codes with PKCE, JWT access tokens, rotating refresh tokens with reuse
// detection, client-credentials and first-party grants, validation with a
// short cache, and revocation. Every issued credential is persisted hashed;
// the wire form is returned once and never stored.
package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/entativa/eid/pkg/cache"
	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

// KnownScopes is the scope vocabulary the authority understands. Requested
// scopes outside this set are dropped before the client-allowance
// intersection, so an unknown scope can never be granted.
var KnownScopes = []string{
	"openid",
	"profile",
	"email",
	"offline_access",
	"eid.identity",
	"eid.handles",
	"eid.sessions",
	"eid.verification",
	"eid.admin",
}

// opaqueTokenBytes is the entropy of refresh tokens, authorization codes
// and the single-use service tokens, before Base64URL encoding.
const opaqueTokenBytes = 32

// Service is the token engine. All verdicts are driven by the injected
// clock so expiry behavior is testable.
type Service struct {
	store storage.Store
	cache cache.Cache
	keys  KeyProvider
	clock clockwork.Clock
	cfg   config.TokenConfig
}

// NewService creates the token service. Zero-valued TTLs fall back to the
// documented defaults.
func NewService(store storage.Store, c cache.Cache, keys KeyProvider, clock clockwork.Clock, cfg config.TokenConfig) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "entativa-id"
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if cfg.AuthCodeTTL <= 0 {
		cfg.AuthCodeTTL = 10 * time.Minute
	}
	if cfg.ResetTokenTTL <= 0 {
		cfg.ResetTokenTTL = 15 * time.Minute
	}
	if cfg.MFATicketTTL <= 0 {
		cfg.MFATicketTTL = 5 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	return &Service{
		store: store,
		cache: c,
		keys:  keys,
		clock: clock,
		cfg:   cfg,
	}
}

// Issuer returns the value minted into the iss claim.
func (s *Service) Issuer() string {
	return s.cfg.Issuer
}

// SessionTTL returns the session lifetime the service assumes. The façade
// uses it when recording new sessions so both sides agree on expiry.
func (s *Service) SessionTTL() time.Duration {
	return s.cfg.SessionTTL
}

// hashToken hashes a wire token for storage and lookup.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashSecret hashes a client secret the way the store expects it.
func HashSecret(secret string) string {
	return hashToken(secret)
}

// authenticateClient resolves a client and verifies its credentials.
// Public clients carry no secret and rely on PKCE; confidential clients
// must present the right secret, compared in constant time against its
// hash. Unknown client and wrong secret are indistinguishable.
func (s *Service) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.OAuthClient, error) {
	if clientID == "" {
		return nil, errors.NewInvalidClientError("client_id is required", nil)
	}
	client, err := s.store.Clients().GetClient(ctx, clientID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewInvalidClientError("client authentication failed", nil)
		}
		return nil, err
	}
	if client.Public {
		if clientSecret != "" {
			return nil, errors.NewInvalidClientError("public clients do not authenticate with a secret", nil)
		}
		return client, nil
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(clientSecret)), []byte(client.SecretHash)) != 1 {
		return nil, errors.NewInvalidClientError("client authentication failed", nil)
	}
	return client, nil
}

// grantableScopes intersects the requested scopes with what the client may
// hold and what the authority knows. An empty request asks for the
// client's full allowance. Order follows the request; duplicates collapse.
func grantableScopes(requested, allowed []string) []string {
	if len(requested) == 0 {
		requested = allowed
	}
	known := make(map[string]bool, len(KnownScopes))
	for _, s := range KnownScopes {
		known[s] = true
	}
	permitted := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		permitted[s] = true
	}

	var granted []string
	seen := make(map[string]bool, len(requested))
	for _, s := range requested {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		if known[s] && permitted[s] {
			granted = append(granted, s)
		}
	}
	return granted
}

// hasScope reports whether a granted scope list contains the scope.
func hasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// scopeString renders scopes in OAuth wire form.
func scopeString(scopes []string) string {
	return strings.Join(scopes, " ")
}

// SplitScope parses the space-separated OAuth scope parameter.
func SplitScope(s string) []string {
	return strings.Fields(s)
}

// sessionAuthContext derives the amr/acr claims from the session that
// anchors a grant. MFA-asserted sessions carry a second factor reference
// and the higher assurance class.
func sessionAuthContext(session *storage.Session) (amr []string, acr string) {
	if session == nil {
		return nil, ""
	}
	amr = []string{"pwd"}
	acr = "aal1"
	if session.MFAAsserted {
		amr = append(amr, "otp")
		acr = "aal2"
	}
	return amr, acr
}

// tokenCacheKey keys the validation cache on the access token hash.
func tokenCacheKey(hash string) string {
	return "token:introspect:" + hash
}
