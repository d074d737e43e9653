// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/entativa/eid/pkg/cache"
	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/handle"
	"github.com/entativa/eid/pkg/identity"
	"github.com/entativa/eid/pkg/mfa"
	"github.com/entativa/eid/pkg/storage"
	"github.com/entativa/eid/pkg/storage/sqlite"
	eidsync "github.com/entativa/eid/pkg/sync"
	"github.com/entativa/eid/pkg/token"
	"github.com/entativa/eid/pkg/verification"
)

var apiNow = time.Date(2026, 4, 14, 10, 0, 0, 0, time.UTC)

// recordEmitter keeps every account event so tests can read back the
// reset tokens a real emitter would hand to the mailer.
type recordEmitter struct {
	events []identity.Event
}

func (r *recordEmitter) Emit(_ context.Context, event identity.Event) {
	r.events = append(r.events, event)
}

func (r *recordEmitter) last(t *testing.T, eventType string) identity.Event {
	t.Helper()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i]
		}
	}
	t.Fatalf("no %q event recorded", eventType)
	return identity.Event{}
}

// recordSender captures dispatched SMS and email codes per method, which
// a real sender would deliver out of band.
type recordSender struct {
	codes map[string]string
}

func (r *recordSender) SendCode(_ context.Context, method *storage.MFAMethod, _, code string) error {
	r.codes[method.ID] = code
	return nil
}

type fixture struct {
	store        storage.Store
	clock        *clockwork.FakeClock
	identity     *identity.Engine
	handles      *handle.Engine
	mfa          *mfa.Engine
	tokens       *token.Service
	verification *verification.Engine
	authn        *Authenticator
	emitter      *recordEmitter
	sender       *recordSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "eid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(apiNow)
	mem := cache.NewMemory(cache.WithClock(clock))

	envelope, err := crypto.NewEnvelope("test-key", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	keys, err := token.NewProvider("", "")
	require.NoError(t, err)

	outbox := eidsync.NewOutbox(clock, config.SyncConfig{})
	handles := handle.NewEngine(st, mem, outbox, clock, config.HandleConfig{})
	require.NoError(t, handles.SeedDefaults(t.Context()))

	sender := &recordSender{codes: map[string]string{}}
	mfaEngine := mfa.NewEngine(st, envelope, sender, clock, config.MFAConfig{}, mfa.DefaultPolicy())
	tokens := token.NewService(st, mem, keys, clock, config.TokenConfig{})
	verif := verification.NewEngine(st, handles, outbox, clock, config.VerificationConfig{})

	seedWebClient(t, st)

	emitter := &recordEmitter{}
	id := identity.NewEngine(identity.Deps{
		Store:   st,
		Hasher:  crypto.NewHasher(),
		Handles: handles,
		MFA:     mfaEngine,
		Tokens:  tokens,
		Outbox:  outbox,
		Events:  emitter,
	}, clock, config.LoginConfig{
		MaxAttempts:     5,
		LockoutDuration: 30 * time.Minute,
		DefaultClientID: "eid-web",
	}, []string{"sonet", "gala", "pika"})

	return &fixture{
		store:        st,
		clock:        clock,
		identity:     id,
		handles:      handles,
		mfa:          mfaEngine,
		tokens:       tokens,
		verification: verif,
		authn:        NewAuthenticator(tokens),
		emitter:      emitter,
		sender:       sender,
	}
}

// seedWebClient registers the first-party client logins default to. The
// admin scope is allowed so operator tokens can be minted through it.
func seedWebClient(t *testing.T, st storage.Store, mutate ...func(*storage.OAuthClient)) *storage.OAuthClient {
	t.Helper()
	client := &storage.OAuthClient{
		ClientID:   "eid-web",
		Name:       "Entativa Web",
		SecretHash: token.HashSecret("web-secret"),
		RedirectURIs: []string{
			"https://id.entativa.com/callback",
		},
		AllowedScopes: []string{
			"openid", "profile", "email", "offline_access",
			"eid.identity", "eid.sessions", AdminScope,
		},
		Trusted:   true,
		CreatedAt: apiNow,
		UpdatedAt: apiNow,
	}
	for _, m := range mutate {
		m(client)
	}
	require.NoError(t, st.Clients().CreateClient(t.Context(), client))
	return client
}

func registerUser(t *testing.T, fx *fixture, handleName, email, password string) *identity.Summary {
	t.Helper()
	summary, err := fx.identity.Register(t.Context(), identity.RegisterRequest{
		Handle:   handleName,
		Email:    email,
		Password: password,
	})
	require.NoError(t, err)
	return summary
}

// loginUser performs an engine-level login and asserts it completed
// without an MFA gate.
func loginUser(t *testing.T, fx *fixture, email, password string, scopes ...string) *identity.LoginResult {
	t.Helper()
	result, err := fx.identity.Login(t.Context(), identity.LoginRequest{
		Email:    email,
		Password: password,
		Scopes:   scopes,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Pair, "login unexpectedly gated on MFA")
	return result
}

func bearerFor(t *testing.T, fx *fixture, email, password string, scopes ...string) string {
	t.Helper()
	return loginUser(t, fx, email, password, scopes...).Pair.AccessToken
}

// mfaBearer logs in an MFA-gated account, answering the TOTP challenge
// with the enrolled secret.
func mfaBearer(t *testing.T, fx *fixture, email, password, secret string) string {
	t.Helper()
	result, err := fx.identity.Login(t.Context(), identity.LoginRequest{
		Email:    email,
		Password: password,
	})
	require.NoError(t, err)
	require.NotNil(t, result.MFA, "expected the login to be gated on MFA")
	completed, err := fx.identity.CompleteMFALogin(t.Context(), identity.MFALoginRequest{
		Ticket:      result.MFA.Ticket,
		ChallengeID: result.MFA.Challenge.ChallengeID,
		Code:        totpCode(t, secret, fx.clock.Now()),
	})
	require.NoError(t, err)
	return completed.Pair.AccessToken
}

// adminBearer registers a reviewer account and logs it in with the admin
// scope.
func adminBearer(t *testing.T, fx *fixture) string {
	t.Helper()
	registerUser(t, fx, "mira_reviews", "mira@entativa.com", "a long password")
	return bearerFor(t, fx, "mira@entativa.com", "a long password", "openid", AdminScope)
}

// do performs one request against the handler, JSON-encoding body when
// given and attaching the bearer token when non-empty.
func do(t *testing.T, h http.Handler, method, target, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// doForm posts url-encoded form data the way OAuth token requests arrive.
func doForm(t *testing.T, h http.Handler, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), "body: %s", rec.Body.String())
}

// errorCode decodes the uniform error envelope and returns its code.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope apiError
	decodeBody(t, rec, &envelope)
	require.False(t, envelope.Success)
	return envelope.Error
}

// totpCode computes the code an authenticator app would show at the
// given instant.
func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// enrollTOTP enrolls and activates an authenticator for the identity,
// which turns the login MFA gate on.
func enrollTOTP(t *testing.T, fx *fixture, identityID, email string) string {
	t.Helper()
	enrollment, err := fx.mfa.EnrollTOTP(t.Context(), identityID, email)
	require.NoError(t, err)
	_, err = fx.mfa.Verify(t.Context(), enrollment.ChallengeID, totpCode(t, enrollment.Secret, fx.clock.Now()))
	require.NoError(t, err)
	return enrollment.Secret
}

// evidence builds a well-formed document reference for verification
// submissions.
func evidence(docType string) documentInput {
	return documentInput{
		Type:      docType,
		BlobURL:   "s3://eid-evidence/" + docType,
		SHA256:    strings.Repeat("ab", 32),
		SizeBytes: 2048,
		MimeType:  "application/pdf",
	}
}
