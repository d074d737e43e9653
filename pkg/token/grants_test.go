// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/errors"
	"github.com/entativa/eid/pkg/storage"
)

func TestAuthorizeIssuesSingleUseCode(t *testing.T) {
	svc, st, _ := newTestService(t)
	client := seedClient(t, st)
	identity := seedIdentity(t, st, "zahra@entativa.com")
	session := seedSession(t, st, identity, client, "sess-1", true)

	verifier := GeneratePKCEVerifier()
	grant, err := svc.Authorize(t.Context(), AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		Scopes:              []string{"openid", "profile"},
		State:               "af0ifjsldkj",
		CodeChallenge:       ComputePKCEChallenge(verifier),
		CodeChallengeMethod: ChallengeMethodS256,
		IdentityID:          identity.ID,
		SessionID:           session.ID,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, grant.Code)
	assert.Equal(t, []string{"openid", "profile"}, grant.Scopes)
	assert.Equal(t, serviceNow.Add(10*time.Minute), grant.ExpiresAt.UTC())

	redirect, err := url.Parse(grant.RedirectTo)
	require.NoError(t, err)
	assert.Equal(t, "sonet.example", redirect.Host)
	assert.Equal(t, grant.Code, redirect.Query().Get("code"))
	assert.Equal(t, "af0ifjsldkj", redirect.Query().Get("state"))

	row, err := st.Tokens().GetTokenByHash(t.Context(), hashToken(grant.Code))
	require.NoError(t, err)
	assert.Equal(t, storage.KindAuthorizationCode, row.Kind)
	assert.Equal(t, 1, row.MaxUses)
	assert.Equal(t, identity.ID, row.IdentityID)
	assert.Equal(t, session.ID, row.SessionID)
	assert.Equal(t, client.RedirectURIs[0], row.RedirectURI)
}

func TestAuthorizeValidation(t *testing.T) {
	svc, st, _ := newTestService(t)
	client := seedClient(t, st)
	public := seedClient(t, st, func(c *storage.OAuthClient) {
		c.ClientID = "app-pika-mobile"
		c.Name = "Pika for Android"
		c.SecretHash = ""
		c.Public = true
		c.Trusted = false
		c.RedirectURIs = []string{"pika://oauth/callback"}
	})
	identity := seedIdentity(t, st, "zahra@entativa.com")
	suspended := seedIdentity(t, st, "banned@entativa.com")
	suspended.Status = storage.IdentitySuspended
	require.NoError(t, st.Identities().UpdateIdentity(t.Context(), suspended))

	challenge := ComputePKCEChallenge(GeneratePKCEVerifier())
	base := AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		Scopes:              []string{"openid"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: ChallengeMethodS256,
		IdentityID:          identity.ID,
	}

	t.Run("unknown client", func(t *testing.T) {
		req := base
		req.ClientID = "app-ghost"
		_, err := svc.Authorize(t.Context(), req)
		assert.True(t, errors.IsInvalidClient(err))
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		req := base
		req.RedirectURI = "https://evil.example/callback"
		_, err := svc.Authorize(t.Context(), req)
		assert.True(t, errors.IsInvalidArgument(err))
	})

	t.Run("suspended identity", func(t *testing.T) {
		req := base
		req.IdentityID = suspended.ID
		_, err := svc.Authorize(t.Context(), req)
		assert.True(t, errors.IsAccountInactive(err))
	})

	t.Run("public client must send a challenge", func(t *testing.T) {
		_, err := svc.Authorize(t.Context(), AuthorizeRequest{
			ClientID:    public.ClientID,
			RedirectURI: public.RedirectURIs[0],
			Scopes:      []string{"openid"},
			IdentityID:  identity.ID,
		})
		assert.True(t, errors.IsInvalidArgument(err))
	})

	t.Run("plain challenge refused by default", func(t *testing.T) {
		req := base
		req.CodeChallenge = "not-a-hash"
		req.CodeChallengeMethod = ChallengeMethodPlain
		_, err := svc.Authorize(t.Context(), req)
		assert.True(t, errors.IsInvalidArgument(err))
	})

	t.Run("no grantable scope", func(t *testing.T) {
		req := base
		req.Scopes = []string{"launch-codes"}
		_, err := svc.Authorize(t.Context(), req)
		assert.True(t, errors.IsInvalidScope(err))
	})
}

func TestExchangeIssuesPair(t *testing.T) {
	svc, st, _ := newTestService(t)
	client := seedClient(t, st)
	identity := seedIdentity(t, st, "zahra@entativa.com")
	session := seedSession(t, st, identity, client, "sess-1", true)

	pair := authorizeAndExchange(t, svc, client, identity, session, []string{"openid", "profile"})

	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(3600), pair.ExpiresIn)
	assert.Equal(t, "openid profile", pair.Scope)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEmpty(t, pair.IDToken, "openid scope grants an ID token")

	claims, err := svc.parseAccessToken(t.Context(), pair.AccessToken, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "entativa-id", claims.Issuer)
	assert.Equal(t, identity.ID, claims.Subject)
	assert.Equal(t, session.ID, claims.SessionID)
	assert.Equal(t, client.ClientID, claims.ClientID)
	assert.Equal(t, []string{"pwd", "otp"}, claims.AuthMethods)
	assert.Equal(t, "aal2", claims.AuthContext)
	assert.NotEmpty(t, claims.ID)

	access, err := st.Tokens().GetTokenByHash(t.Context(), hashToken(pair.AccessToken))
	require.NoError(t, err)
	assert.Equal(t, storage.KindAccess, access.Kind)
	assert.Equal(t, claims.ID, access.ID, "jti matches the persisted row")
	assert.NotEmpty(t, access.KeyID)

	refresh, err := st.Tokens().GetTokenByHash(t.Context(), hashToken(pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, storage.KindRefresh, refresh.Kind)
	assert.Equal(t, access.Family, refresh.Family)
	assert.Equal(t, 1, refresh.Generation)
	assert.Equal(t, serviceNow.Add(30*24*time.Hour), refresh.ExpiresAt.UTC())
}

func TestExchangeCodeReplayRevokesIssuedTokens(t *testing.T) {
	svc, st, _ := newTestService(t)
	client := seedClient(t, st)
	identity := seedIdentity(t, st, "zahra@entativa.com")
	session := seedSession(t, st, identity, client, "sess-1", false)

	verifier := GeneratePKCEVerifier()
	grant, err := svc.Authorize(t.Context(), AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		Scopes:              []string{"openid"},
		CodeChallenge:       ComputePKCEChallenge(verifier),
		CodeChallengeMethod: ChallengeMethodS256,
		IdentityID:          identity.ID,
		SessionID:           session.ID,
	})
	require.NoError(t, err)

	exchange := ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: "sonet-secret",
		Code:         grant.Code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	}
	pair, err := svc.Exchange(t.Context(), exchange)
	require.NoError(t, err)

	// Warm the validation cache so the replay has something to drop.
	_, err = svc.Validate(t.Context(), pair.AccessToken, "")
	require.NoError(t, err)

	_, err = svc.Exchange(t.Context(), exchange)
	assert.True(t, errors.IsInvalidGrant(err))

	_, err = svc.Validate(t.Context(), pair.AccessToken, "")
	assert.True(t, errors.IsInvalidToken(err), "replay revokes the issued access token")

	_, err = svc.Refresh(t.Context(), RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: "sonet-secret",
		RefreshToken: pair.RefreshToken,
	})
	assert.Error(t, err, "replay revokes the issued refresh token")
}

func TestExchangeValidation(t *testing.T) {
	svc, st, clock := newTestService(t)
	client := seedClient(t, st)
	identity := seedIdentity(t, st, "zahra@entativa.com")
	session := seedSession(t, st, identity, client, "sess-1", false)

	issue := func(t *testing.T) (string, string) {
		t.Helper()
		verifier := GeneratePKCEVerifier()
		grant, err := svc.Authorize(t.Context(), AuthorizeRequest{
			ClientID:            client.ClientID,
			RedirectURI:         client.RedirectURIs[0],
			Scopes:              []string{"openid"},
			CodeChallenge:       ComputePKCEChallenge(verifier),
			CodeChallengeMethod: ChallengeMethodS256,
			IdentityID:          identity.ID,
			SessionID:           session.ID,
		})
		require.NoError(t, err)
		return grant.Code, verifier
	}

	t.Run("wrong verifier leaves the code redeemable", func(t *testing.T) {
		code, verifier := issue(t)
		req := ExchangeRequest{
			ClientID:     client.ClientID,
			ClientSecret: "sonet-secret",
			Code:         code,
			RedirectURI:  client.RedirectURIs[0],
			CodeVerifier: GeneratePKCEVerifier(),
		}
		_, err := svc.Exchange(t.Context(), req)
		assert.True(t, errors.IsInvalidGrant(err))

		req.CodeVerifier = verifier
		_, err = svc.Exchange(t.Context(), req)
		assert.NoError(t, err, "the right verifier still redeems")
	})

	t.Run("missing verifier", func(t *testing.T) {
		code, _ := issue(t)
		_, err := svc.Exchange(t.Context(), ExchangeRequest{
			ClientID:     client.ClientID,
			ClientSecret: "sonet-secret",
			Code:         code,
			RedirectURI:  client.RedirectURIs[0],
		})
		assert.True(t, errors.IsInvalidGrant(err))
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		code, verifier := issue(t)
		_, err := svc.Exchange(t.Context(), ExchangeRequest{
			ClientID:     client.ClientID,
			ClientSecret: "sonet-secret",
			Code:         code,
			RedirectURI:  "https://sonet.example/other",
			CodeVerifier: verifier,
		})
		assert.True(t, errors.IsInvalidGrant(err))
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := svc.Exchange(t.Context(), ExchangeRequest{
			ClientID:     client.ClientID,
			ClientSecret: "sonet-secret",
			Code:         "never-issued",
			RedirectURI:  client.RedirectURIs[0],
		})
		assert.True(t, errors.IsInvalidGrant(err))
	})

	t.Run("expired code", func(t *testing.T) {
		code, verifier := issue(t)
		clock.Advance(11 * time.Minute)
		_, err := svc.Exchange(t.Context(), ExchangeRequest{
			ClientID:     client.ClientID,
			ClientSecret: "sonet-secret",
			Code:         code,
			RedirectURI:  client.RedirectURIs[0],
			CodeVerifier: verifier,
		})
		assert.True(t, errors.IsInvalidGrant(err))

		row, err := st.Tokens().GetTokenByHash(t.Context(), hashToken(code))
		require.NoError(t, err)
		assert.Equal(t, storage.TokenExpired, row.Status)
	})
}

func TestRefreshRotatesWithinFamily(t *testing.T) {
	svc, st, _ := newTestService(t)
	client := seedClient(t, st)
	identity := seedIdentity(t, st, "zahra@entativa.com")
	session := seedSession(t, st, identity, client, "sess-1", true)

	first := authorizeAndExchange(t, svc, client, identity, session, []string{"openid", "profile"})

	second, err := svc.Refresh(t.Context(), RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: "sonet-secret",
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)

	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, first.Scope, second.Scope, "scopes carry over unchanged")
	assert.Equal(t, first.Family, second.Family)

	parent, err := st.Tokens().GetTokenByHash(t.Context(), hashToken(first.RefreshToken))
	require.NoError(t, err)
	child, err := st.Tokens().GetTokenByHash(t.Context(), hashToken(second.RefreshToken))
	require.NoError(t, err)

	assert.Equal(t, storage.TokenUsed, parent.Status)
	assert.Equal(t, child.ID, parent.RotatedToID)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, parent.Family, child.Family)
	assert.Equal(t, parent.Generation+1, child.Generation)
	assert.Equal(t, storage.TokenActive, child.Status)
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	svc, st, _ := newTestService(t)
	client := seedClient(t, st)
	identity := seedIdentity(t, st, "zahra@entativa.com")
	session := seedSession(t, st, identity, client, "sess-1", true)

	first := authorizeAndExchange(t, svc, client, identity, session, []string{"openid"})
	second, err := svc.Refresh(t.Context(), RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: "sonet-secret",
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)

	// Warm the cache with the live access token so revocation must reach
	// through it.
	_, err = svc.Validate(t.Context(), second.AccessToken, "")
	require.NoError(t, err)

	_, err = svc.Refresh(t.Context(), RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: "sonet-secret",
		RefreshToken: first.RefreshToken,
	})
	assert.True(t, errors.IsReuseDetected(err))

	_, err = svc.Validate(t.Context(), second.AccessToken, "")
	assert.True(t, errors.IsInvalidToken(err), "reuse revokes the live access token")

	_, err = svc.Refresh(t.Context(), RefreshRequest{
		ClientID:     client.ClientID,
		ClientSecret: "sonet-secret",
		RefreshToken: second.RefreshToken,
	})
	assert.True(t, errors.IsReuseDetected(err), "the whole family is dead")

	childRow, err := st.Tokens().GetTokenByHash(t.Context(), hashToken(second.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, storage.TokenRevoked, childRow.Status)
}

func TestRefreshValidation(t *testing.T) {
	svc, st, clock := newTestService(t)
	client := seedClient(t, st)
	other := seedClient(t, st, func(c *storage.OAuthClient) {
		c.ClientID = "app-vibe"
		c.Name = "Vibe"
		c.SecretHash = HashSecret("vibe-secret")
	})
	identity := seedIdentity(t, st, "zahra@entativa.com")
	session := seedSession(t, st, identity, client, "sess-1", false)

	pair := authorizeAndExchange(t, svc, client, identity, session, []string{"openid"})

	t.Run("unknown token", func(t *testing.T) {
		_, err := svc.Refresh(t.Context(), RefreshRequest{
			ClientID:     client.ClientID,
			ClientSecret: "sonet-secret",
			RefreshToken: "never-issued",
		})
		assert.True(t, errors.IsInvalidGrant(err))
	})

	t.Run("another client's token", func(t *testing.T) {
		_, err := svc.Refresh(t.Context(), RefreshRequest{
			ClientID:     other.ClientID,
			ClientSecret: "vibe-secret",
			RefreshToken: pair.RefreshToken,
		})
		assert.True(t, errors.IsInvalidGrant(err))
	})

	t.Run("terminated session", func(t *testing.T) {
		sess, err := st.Sessions().GetSession(t.Context(), session.ID)
		require.NoError(t, err)
		sess.IsActive = false
		require.NoError(t, st.Sessions().UpdateSession(t.Context(), sess))

		_, err = svc.Refresh(t.Context(), RefreshRequest{
			ClientID:     client.ClientID,
			ClientSecret: "sonet-secret",
			RefreshToken: pair.RefreshToken,
		})
		assert.True(t, errors.IsInvalidGrant(err))

		sess.IsActive = true
		require.NoError(t, st.Sessions().UpdateSession(t.Context(), sess))
	})

	t.Run("expired token", func(t *testing.T) {
		clock.Advance(31 * 24 * time.Hour)
		_, err := svc.Refresh(t.Context(), RefreshRequest{
			ClientID:     client.ClientID,
			ClientSecret: "sonet-secret",
			RefreshToken: pair.RefreshToken,
		})
		assert.True(t, errors.IsInvalidGrant(err))
		assert.False(t, errors.IsReuseDetected(err), "expiry is not theft")
	})
}

func TestClientCredentials(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedClient(t, st, func(c *storage.OAuthClient) {
		c.AllowedScopes = []string{"eid.identity", "eid.verification"}
	})
	seedClient(t, st, func(c *storage.OAuthClient) {
		c.ClientID = "app-vibe"
		c.Name = "Vibe"
		c.SecretHash = HashSecret("vibe-secret")
		c.Trusted = false
	})
	seedClient(t, st, func(c *storage.OAuthClient) {
		c.ClientID = "app-pika-mobile"
		c.SecretHash = ""
		c.Public = true
		c.Trusted = false
	})

	t.Run("trusted confidential client", func(t *testing.T) {
		pair, err := svc.ClientCredentials(t.Context(), ClientCredentialsRequest{
			ClientID:     "app-sonet",
			ClientSecret: "sonet-secret",
			Scopes:       []string{"eid.identity"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, pair.AccessToken)
		assert.Empty(t, pair.RefreshToken, "machine tokens do not rotate")
		assert.Empty(t, pair.IDToken)

		claims, err := svc.parseAccessToken(t.Context(), pair.AccessToken, "app-sonet")
		require.NoError(t, err)
		assert.Equal(t, "app-sonet", claims.Subject, "the client acts as itself")
		assert.Empty(t, claims.AuthMethods)
	})

	t.Run("untrusted client refused", func(t *testing.T) {
		_, err := svc.ClientCredentials(t.Context(), ClientCredentialsRequest{
			ClientID:     "app-vibe",
			ClientSecret: "vibe-secret",
		})
		assert.True(t, errors.IsInvalidClient(err))
	})

	t.Run("public client refused", func(t *testing.T) {
		_, err := svc.ClientCredentials(t.Context(), ClientCredentialsRequest{
			ClientID: "app-pika-mobile",
		})
		assert.True(t, errors.IsInvalidClient(err))
	})
}

func TestIssuePairHonorsClientAllowance(t *testing.T) {
	svc, st, _ := newTestService(t)
	client := seedClient(t, st)
	identity := seedIdentity(t, st, "zahra@entativa.com")
	session := seedSession(t, st, identity, client, "sess-1", true)

	pair, err := svc.IssuePair(t.Context(), st, identity, client, session, []string{"openid", "eid.admin"})
	require.NoError(t, err)
	assert.Equal(t, "openid", pair.Scope, "scopes outside the allowance are dropped")
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEmpty(t, pair.IDToken)

	_, err = svc.IssuePair(t.Context(), st, identity, client, session, []string{"eid.admin"})
	assert.True(t, errors.IsInvalidScope(err))
}

func TestPlainPKCEForTrustedClientsWhenEnabled(t *testing.T) {
	svc, st, _ := newTestServiceWithConfig(t, config.TokenConfig{AllowPlainPKCE: true})
	client := seedClient(t, st)
	identity := seedIdentity(t, st, "zahra@entativa.com")
	session := seedSession(t, st, identity, client, "sess-1", false)

	verifier := GeneratePKCEVerifier()
	grant, err := svc.Authorize(t.Context(), AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		Scopes:              []string{"openid"},
		CodeChallenge:       verifier,
		CodeChallengeMethod: ChallengeMethodPlain,
		IdentityID:          identity.ID,
		SessionID:           session.ID,
	})
	require.NoError(t, err)

	_, err = svc.Exchange(t.Context(), ExchangeRequest{
		ClientID:     client.ClientID,
		ClientSecret: "sonet-secret",
		Code:         grant.Code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
}
