// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/storage"
)

// Pair is one issued credential set in wire form. RefreshToken and
// IDToken are empty for grants that do not carry them.
type Pair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	SessionID string `json:"-"`
	Family    string `json:"-"`
}

// AuthorizeRequest is an authorization-code request from an authenticated
// end user.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// IdentityID and SessionID name the authenticated user approving the
	// request and the login session anchoring it.
	IdentityID string
	SessionID  string
}

// AuthorizeGrant carries the issued code and the redirect that delivers it.
type AuthorizeGrant struct {
	Code       string
	State      string
	RedirectTo string
	Scopes     []string
	ExpiresAt  time.Time
}

// Authorize validates an authorization request and issues a single-use
// code bound to the client, redirect URI, PKCE challenge and identity.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeGrant, error) {
	client, err := s.store.Clients().GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewInvalidClientError("unknown client", nil)
		}
		return nil, err
	}

	// The redirect URI must be pre-registered verbatim before anything is
	// ever sent to it.
	if !registeredRedirect(client, req.RedirectURI) {
		return nil, errors.NewInvalidArgumentError("redirect_uri is not registered for this client", nil)
	}

	identity, err := s.store.Identities().GetIdentity(ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}
	if identity.Status != storage.IdentityActive {
		return nil, errors.NewAccountInactiveError("account is not active", nil)
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = ChallengeMethodPlain
	}
	if client.Public && req.CodeChallenge == "" {
		return nil, errors.NewInvalidArgumentError("code_challenge is required for public clients", nil)
	}
	if req.CodeChallenge != "" && !validChallengeMethod(method, client.Trusted, s.cfg.AllowPlainPKCE) {
		return nil, errors.NewInvalidArgumentError("code_challenge_method must be S256", nil)
	}

	scopes := grantableScopes(req.Scopes, client.AllowedScopes)
	if len(scopes) == 0 {
		return nil, errors.NewInvalidScopeError("no requested scope is grantable to this client", nil)
	}

	code, err := crypto.RandomToken(opaqueTokenBytes)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	row := &storage.Token{
		ID:                  uuid.NewString(),
		Kind:                storage.KindAuthorizationCode,
		Hash:                hashToken(code),
		IdentityID:          identity.ID,
		ClientID:            client.ClientID,
		SessionID:           req.SessionID,
		Scopes:              scopes,
		Audience:            client.ClientID,
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.cfg.AuthCodeTTL),
		MaxUses:             1,
		Status:              storage.TokenActive,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		RedirectURI:         req.RedirectURI,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.Tokens().CreateToken(ctx, row); err != nil {
		return nil, err
	}

	return &AuthorizeGrant{
		Code:       code,
		State:      req.State,
		RedirectTo: callbackURL(req.RedirectURI, code, req.State),
		Scopes:     scopes,
		ExpiresAt:  row.ExpiresAt,
	}, nil
}

// ExchangeRequest redeems an authorization code for a token pair.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// Exchange redeems an authorization code. The code is burned in the same
// transaction that issues the pair; replaying a redeemed code revokes
// everything the first redemption issued.
func (s *Service) Exchange(ctx context.Context, req ExchangeRequest) (*Pair, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	// Grant verdicts ride a separate variable so the bookkeeping the
	// failure paths write (replay revocation, expiry marking) still
	// commits.
	var (
		pair       *Pair
		verdictErr error
		invalidate []string
	)
	err = s.store.Tx(ctx, func(st storage.Store) error {
		pair, verdictErr, invalidate = nil, nil, nil
		now := s.clock.Now()

		row, err := st.Tokens().GetTokenByHash(ctx, hashToken(req.Code))
		if err != nil {
			if errors.IsNotFound(err) {
				verdictErr = errors.NewInvalidGrantError("unknown authorization code", nil)
				return nil
			}
			return err
		}
		if row.Kind != storage.KindAuthorizationCode || row.ClientID != client.ClientID {
			verdictErr = errors.NewInvalidGrantError("unknown authorization code", nil)
			return nil
		}
		if row.Status == storage.TokenExpired {
			verdictErr = errors.NewInvalidGrantError("authorization code expired", nil)
			return nil
		}
		if row.Status != storage.TokenActive {
			hashes, err := s.revokeIssuedFromCode(ctx, st, row, now)
			if err != nil {
				return err
			}
			invalidate = hashes
			verdictErr = errors.NewInvalidGrantError("authorization code already redeemed", nil)
			return nil
		}
		if row.Expired(now) {
			row.Status = storage.TokenExpired
			if err := st.Tokens().UpdateToken(ctx, row); err != nil {
				return err
			}
			verdictErr = errors.NewInvalidGrantError("authorization code expired", nil)
			return nil
		}
		if row.RedirectURI != req.RedirectURI {
			verdictErr = errors.NewInvalidGrantError("redirect_uri does not match the authorization request", nil)
			return nil
		}
		if row.CodeChallenge != "" {
			if err := verifyPKCE(row.CodeChallengeMethod, row.CodeChallenge, req.CodeVerifier); err != nil {
				verdictErr = err
				return nil
			}
		}

		identity, err := st.Identities().GetIdentity(ctx, row.IdentityID)
		if err != nil {
			return err
		}
		if identity.Status != storage.IdentityActive {
			verdictErr = errors.NewAccountInactiveError("account is not active", nil)
			return nil
		}

		session, err := s.touchSession(ctx, st, row.SessionID, now)
		if err != nil {
			verdictErr = err
			return nil
		}

		if err := st.Tokens().ConsumeToken(ctx, row.ID, now); err != nil {
			if errors.IsConflict(err) {
				verdictErr = errors.NewInvalidGrantError("authorization code already redeemed", nil)
				return nil
			}
			return err
		}

		issued, refreshRow, err := s.issuePair(ctx, st, pairSpec{
			identity:    identity,
			client:      client,
			session:     session,
			scopes:      row.Scopes,
			withRefresh: true,
		})
		if err != nil {
			return err
		}

		// Link the code to what it issued so a replay can revoke it.
		consumed, err := st.Tokens().GetToken(ctx, row.ID)
		if err != nil {
			return err
		}
		consumed.RotatedToID = refreshRow.ID
		if err := st.Tokens().UpdateToken(ctx, consumed); err != nil {
			return err
		}

		pair = issued
		return nil
	})
	s.dropValidationEntries(ctx, invalidate)
	if err != nil {
		return nil, err
	}
	if verdictErr != nil {
		return nil, verdictErr
	}
	return pair, nil
}

// RefreshRequest rotates a refresh token.
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Refresh rotates a refresh token: the presented token is marked used and
// a new pair is issued in the same family with the generation advanced.
// Presenting a token that was already rotated or revoked is treated as
// theft evidence: the whole family is revoked and the caller gets a
// reuse verdict.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (*Pair, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	var (
		pair       *Pair
		verdictErr error
		invalidate []string
	)
	err = s.store.Tx(ctx, func(st storage.Store) error {
		pair, verdictErr, invalidate = nil, nil, nil
		now := s.clock.Now()

		row, err := st.Tokens().GetTokenByHash(ctx, hashToken(req.RefreshToken))
		if err != nil {
			if errors.IsNotFound(err) {
				verdictErr = errors.NewInvalidGrantError("unknown refresh token", nil)
				return nil
			}
			return err
		}
		if row.Kind != storage.KindRefresh || row.ClientID != client.ClientID {
			verdictErr = errors.NewInvalidGrantError("unknown refresh token", nil)
			return nil
		}

		switch row.Status {
		case storage.TokenUsed, storage.TokenRevoked:
			hashes, err := s.revokeFamilyCollect(ctx, st, row.Family, now)
			if err != nil {
				return err
			}
			invalidate = hashes
			logger.Warnw("refresh token reuse detected; family revoked",
				"client_id", client.ClientID,
				"identity_id", row.IdentityID,
				"family", row.Family,
				"generation", row.Generation,
			)
			verdictErr = errors.NewReuseDetectedError("refresh token reuse detected", nil)
			return nil
		case storage.TokenExpired:
			verdictErr = errors.NewInvalidGrantError("refresh token expired", nil)
			return nil
		}
		if row.Expired(now) {
			row.Status = storage.TokenExpired
			if err := st.Tokens().UpdateToken(ctx, row); err != nil {
				return err
			}
			verdictErr = errors.NewInvalidGrantError("refresh token expired", nil)
			return nil
		}

		identity, err := st.Identities().GetIdentity(ctx, row.IdentityID)
		if err != nil {
			return err
		}
		if identity.Status != storage.IdentityActive {
			verdictErr = errors.NewAccountInactiveError("account is not active", nil)
			return nil
		}

		session, err := s.touchSession(ctx, st, row.SessionID, now)
		if err != nil {
			verdictErr = err
			return nil
		}

		if err := st.Tokens().ConsumeToken(ctx, row.ID, now); err != nil {
			if errors.IsConflict(err) {
				hashes, rerr := s.revokeFamilyCollect(ctx, st, row.Family, now)
				if rerr != nil {
					return rerr
				}
				invalidate = hashes
				verdictErr = errors.NewReuseDetectedError("refresh token reuse detected", nil)
				return nil
			}
			return err
		}

		issued, refreshRow, err := s.issuePair(ctx, st, pairSpec{
			identity:    identity,
			client:      client,
			session:     session,
			scopes:      row.Scopes,
			family:      row.Family,
			generation:  row.Generation + 1,
			parentID:    row.ID,
			withRefresh: true,
		})
		if err != nil {
			return err
		}

		rotated, err := st.Tokens().GetToken(ctx, row.ID)
		if err != nil {
			return err
		}
		rotated.RotatedToID = refreshRow.ID
		if err := st.Tokens().UpdateToken(ctx, rotated); err != nil {
			return err
		}

		pair = issued
		return nil
	})
	s.dropValidationEntries(ctx, invalidate)
	if err != nil {
		return nil, err
	}
	if verdictErr != nil {
		return nil, verdictErr
	}
	return pair, nil
}

// ClientCredentialsRequest is a machine-to-machine token request.
type ClientCredentialsRequest struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// ClientCredentials issues an access token for a trusted confidential
// client acting as itself. No refresh token and no session are involved.
func (s *Service) ClientCredentials(ctx context.Context, req ClientCredentialsRequest) (*Pair, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if client.Public {
		return nil, errors.NewInvalidClientError("public clients cannot use the client_credentials grant", nil)
	}
	if !client.Trusted {
		return nil, errors.NewInvalidClientError("client is not trusted for the client_credentials grant", nil)
	}

	scopes := grantableScopes(req.Scopes, client.AllowedScopes)
	if len(scopes) == 0 {
		return nil, errors.NewInvalidScopeError("no requested scope is grantable to this client", nil)
	}

	var pair *Pair
	err = s.store.Tx(ctx, func(st storage.Store) error {
		issued, _, err := s.issuePair(ctx, st, pairSpec{
			client: client,
			scopes: scopes,
		})
		if err != nil {
			return err
		}
		pair = issued
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// IssuePair mints a token pair inside the caller's transaction. It backs
// the first-party password grant: the façade authenticates the identity
// and records the session, then calls here for the credentials.
func (s *Service) IssuePair(ctx context.Context, st storage.Store, identity *storage.Identity, client *storage.OAuthClient, session *storage.Session, scopes []string) (*Pair, error) {
	granted := grantableScopes(scopes, client.AllowedScopes)
	if len(granted) == 0 {
		return nil, errors.NewInvalidScopeError("no requested scope is grantable to this client", nil)
	}
	pair, _, err := s.issuePair(ctx, st, pairSpec{
		identity:    identity,
		client:      client,
		session:     session,
		scopes:      granted,
		withRefresh: true,
	})
	return pair, err
}

// pairSpec names everything one pair issuance needs. A zero family with
// withRefresh starts a new rotation chain at generation 1.
type pairSpec struct {
	identity    *storage.Identity // nil for client_credentials
	client      *storage.OAuthClient
	session     *storage.Session // nil for client_credentials
	scopes      []string
	family      string
	generation  int
	parentID    string
	withRefresh bool
}

// issuePair mints and persists the credentials of one grant: the access
// JWT, optionally a refresh token in the rotation family, and an ID token
// when the openid scope was granted. Returns the pair and the refresh row
// so rotation can link the parent.
func (s *Service) issuePair(ctx context.Context, st storage.Store, spec pairSpec) (*Pair, *storage.Token, error) {
	now := s.clock.Now()
	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return nil, nil, err
	}

	subject := spec.client.ClientID
	identityID := ""
	if spec.identity != nil {
		subject = spec.identity.ID
		identityID = spec.identity.ID
	}
	sessionID := ""
	if spec.session != nil {
		sessionID = spec.session.ID
	}

	family := spec.family
	generation := spec.generation
	if spec.withRefresh && family == "" {
		family = uuid.NewString()
	}
	if spec.withRefresh && generation == 0 {
		generation = 1
	}

	amr, acr := sessionAuthContext(spec.session)
	expiresAt := now.Add(s.cfg.AccessTokenTTL)

	accessID := uuid.NewString()
	accessJWT, err := signJWT(key, &AccessClaims{
		Scope:       scopeString(spec.scopes),
		ClientID:    spec.client.ClientID,
		SessionID:   sessionID,
		AuthMethods: amr,
		AuthContext: acr,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{spec.client.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        accessID,
		},
	})
	if err != nil {
		return nil, nil, err
	}

	accessRow := &storage.Token{
		ID:         accessID,
		Kind:       storage.KindAccess,
		Hash:       hashToken(accessJWT),
		IdentityID: identityID,
		ClientID:   spec.client.ClientID,
		SessionID:  sessionID,
		Scopes:     spec.scopes,
		Audience:   spec.client.ClientID,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		Status:     storage.TokenActive,
		Family:     family,
		Generation: generation,
		Algorithm:  key.Algorithm,
		KeyID:      key.KeyID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.Tokens().CreateToken(ctx, accessRow); err != nil {
		return nil, nil, err
	}

	pair := &Pair{
		AccessToken: accessJWT,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.cfg.AccessTokenTTL / time.Second),
		Scope:       scopeString(spec.scopes),
		SessionID:   sessionID,
		Family:      family,
	}

	var refreshRow *storage.Token
	if spec.withRefresh {
		rawRefresh, err := crypto.RandomToken(opaqueTokenBytes)
		if err != nil {
			return nil, nil, err
		}
		refreshRow = &storage.Token{
			ID:         uuid.NewString(),
			Kind:       storage.KindRefresh,
			Hash:       hashToken(rawRefresh),
			IdentityID: identityID,
			ClientID:   spec.client.ClientID,
			SessionID:  sessionID,
			Scopes:     spec.scopes,
			Audience:   spec.client.ClientID,
			IssuedAt:   now,
			ExpiresAt:  now.Add(s.cfg.RefreshTokenTTL),
			MaxUses:    1,
			Status:     storage.TokenActive,
			Family:     family,
			Generation: generation,
			ParentID:   spec.parentID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := st.Tokens().CreateToken(ctx, refreshRow); err != nil {
			return nil, nil, err
		}
		pair.RefreshToken = rawRefresh
	}

	if spec.identity != nil && hasScope(spec.scopes, "openid") {
		idID := uuid.NewString()
		idJWT, err := signJWT(key, &AccessClaims{
			SessionID:   sessionID,
			AuthMethods: amr,
			AuthContext: acr,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    s.cfg.Issuer,
				Subject:   subject,
				Audience:  jwt.ClaimStrings{spec.client.ClientID},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(expiresAt),
				ID:        idID,
			},
		})
		if err != nil {
			return nil, nil, err
		}
		idRow := &storage.Token{
			ID:         idID,
			Kind:       storage.KindID,
			Hash:       hashToken(idJWT),
			IdentityID: identityID,
			ClientID:   spec.client.ClientID,
			SessionID:  sessionID,
			Scopes:     spec.scopes,
			Audience:   spec.client.ClientID,
			IssuedAt:   now,
			ExpiresAt:  expiresAt,
			Status:     storage.TokenActive,
			Family:     family,
			Generation: generation,
			Algorithm:  key.Algorithm,
			KeyID:      key.KeyID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := st.Tokens().CreateToken(ctx, idRow); err != nil {
			return nil, nil, err
		}
		pair.IDToken = idJWT
	}

	return pair, refreshRow, nil
}

// touchSession loads the session a grant is anchored to and records the
// activity. Grants anchored to a dead session are refused.
func (s *Service) touchSession(ctx context.Context, st storage.Store, sessionID string, now time.Time) (*storage.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := st.Sessions().GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive || now.After(session.ExpiresAt) {
		return nil, errors.NewInvalidGrantError("session is no longer active", nil)
	}
	session.LastActiveAt = now
	if err := st.Sessions().UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// revokeIssuedFromCode revokes the token family a redeemed authorization
// code produced, if any. Used when a code is replayed.
func (s *Service) revokeIssuedFromCode(ctx context.Context, st storage.Store, code *storage.Token, now time.Time) ([]string, error) {
	if code.RotatedToID == "" {
		return nil, nil
	}
	child, err := st.Tokens().GetToken(ctx, code.RotatedToID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	logger.Warnw("authorization code replay detected; revoking issued tokens",
		"client_id", code.ClientID,
		"identity_id", code.IdentityID,
		"family", child.Family,
	)
	return s.revokeFamilyCollect(ctx, st, child.Family, now)
}

// revokeFamilyCollect revokes every token in a family and returns the
// hashes whose cached validation verdicts must drop.
func (s *Service) revokeFamilyCollect(ctx context.Context, st storage.Store, family string, now time.Time) ([]string, error) {
	if family == "" {
		return nil, nil
	}
	tokens, err := st.Tokens().ListTokensByFamily(ctx, family)
	if err != nil {
		return nil, err
	}
	if _, err := st.Tokens().RevokeFamily(ctx, family, now); err != nil {
		return nil, err
	}
	var hashes []string
	for _, t := range tokens {
		if t.Kind == storage.KindAccess || t.Kind == storage.KindID {
			hashes = append(hashes, t.Hash)
		}
	}
	return hashes, nil
}

// dropValidationEntries removes cached validation verdicts. A cache error
// here is logged, not surfaced: the rows are already revoked and entries
// age out within the cache TTL.
func (s *Service) dropValidationEntries(ctx context.Context, hashes []string) {
	for _, h := range hashes {
		if err := s.cache.Invalidate(ctx, tokenCacheKey(h)); err != nil {
			logger.Warnw("failed to drop cached token validation", "error", err)
		}
	}
}

// registeredRedirect reports whether the URI is an exact member of the
// client's registered set.
func registeredRedirect(client *storage.OAuthClient, redirectURI string) bool {
	if redirectURI == "" {
		return false
	}
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// callbackURL appends the code and state to the client's redirect URI.
func callbackURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
