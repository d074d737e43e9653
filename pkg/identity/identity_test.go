// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"fmt"
	"path/filepath"
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
	"github.com/entativa/eid/pkg/mfa"
	"github.com/entativa/eid/pkg/storage"
	"github.com/entativa/eid/pkg/storage/sqlite"
	eidsync "github.com/entativa/eid/pkg/sync"
	"github.com/entativa/eid/pkg/token"
)

var facadeNow = time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)

// recordEmitter keeps every account event for assertions, including the
// reset tokens a real emitter would hand to the mailer.
type recordEmitter struct {
	events []Event
}

func (r *recordEmitter) Emit(_ context.Context, event Event) {
	r.events = append(r.events, event)
}

func (r *recordEmitter) last(t *testing.T, eventType string) Event {
	t.Helper()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i]
		}
	}
	t.Fatalf("no %q event recorded", eventType)
	return Event{}
}

func (r *recordEmitter) count(eventType string) int {
	n := 0
	for _, event := range r.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	engine  *Engine
	store   storage.Store
	mfa     *mfa.Engine
	tokens  *token.Service
	clock   *clockwork.FakeClock
	emitter *recordEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "eid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(facadeNow)
	mem := cache.NewMemory(cache.WithClock(clock))

	envelope, err := crypto.NewEnvelope("test-key", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	keys, err := token.NewProvider("", "")
	require.NoError(t, err)

	outbox := eidsync.NewOutbox(clock, config.SyncConfig{})
	handles := handle.NewEngine(st, mem, outbox, clock, config.HandleConfig{})
	require.NoError(t, handles.SeedDefaults(t.Context()))

	mfaEngine := mfa.NewEngine(st, envelope, nil, clock, config.MFAConfig{}, mfa.DefaultPolicy())
	tokens := token.NewService(st, mem, keys, clock, config.TokenConfig{})

	seedWebClient(t, st)

	emitter := &recordEmitter{}
	engine := NewEngine(Deps{
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
		engine:  engine,
		store:   st,
		mfa:     mfaEngine,
		tokens:  tokens,
		clock:   clock,
		emitter: emitter,
	}
}

// seedWebClient registers the first-party client logins default to.
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
			"openid", "profile", "email", "offline_access", "eid.identity", "eid.sessions",
		},
		Trusted:   true,
		CreatedAt: facadeNow,
		UpdatedAt: facadeNow,
	}
	for _, m := range mutate {
		m(client)
	}
	require.NoError(t, st.Clients().CreateClient(t.Context(), client))
	return client
}

func registerUser(t *testing.T, fx *fixture, handleName, email, password string) *Summary {
	t.Helper()
	summary, err := fx.engine.Register(t.Context(), RegisterRequest{
		Handle:   handleName,
		Email:    email,
		Password: password,
	})
	require.NoError(t, err)
	return summary
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

// wrongTOTPCode returns a six-digit code valid at none of the steps
// inside the acceptance window around at.
func wrongTOTPCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	valid := map[string]bool{}
	for _, dt := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		valid[totpCode(t, secret, at.Add(dt))] = true
	}
	for i := 0; i < 10; i++ {
		candidate := fmt.Sprintf("%06d", i*111111)
		if !valid[candidate] {
			return candidate
		}
	}
	t.Fatal("no invalid code found")
	return ""
}
