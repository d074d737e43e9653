// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entativa/eid/pkg/errors"
)

func testMasterKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("master-v1", testMasterKey(1))
	require.NoError(t, err)

	ct, err := env.Encrypt([]byte("a TOTP secret"), []byte("identity:abc"))
	require.NoError(t, err)
	assert.Equal(t, "master-v1", ct.KeyID)
	assert.Len(t, ct.Nonce, 12, "GCM nonce must be 96 bits")

	plaintext, err := env.Decrypt(ct, []byte("identity:abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a TOTP secret"), plaintext)
}

func TestEnvelopeAssociatedDataMismatch(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("master-v1", testMasterKey(1))
	require.NoError(t, err)

	ct, err := env.Encrypt([]byte("payload"), []byte("identity:abc"))
	require.NoError(t, err)

	_, err = env.Decrypt(ct, []byte("identity:other"))
	require.Error(t, err)
	assert.True(t, errors.IsCrypto(err))
}

func TestEnvelopeTamperedCiphertext(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("master-v1", testMasterKey(1))
	require.NoError(t, err)

	ct, err := env.Encrypt([]byte("payload"), nil)
	require.NoError(t, err)
	ct.Data[0] ^= 0xff

	_, err = env.Decrypt(ct, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCrypto(err))
}

func TestEnvelopeUnknownKeyID(t *testing.T) {
	t.Parallel()

	env1, err := NewEnvelope("master-v1", testMasterKey(1))
	require.NoError(t, err)
	env2, err := NewEnvelope("master-v2", testMasterKey(2))
	require.NoError(t, err)

	ct, err := env1.Encrypt([]byte("payload"), nil)
	require.NoError(t, err)

	_, err = env2.Decrypt(ct, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCrypto(err))
	assert.Contains(t, err.Error(), "master-v1")
}

func TestEnvelopeRotation(t *testing.T) {
	t.Parallel()

	oldEnv, err := NewEnvelope("master-v1", testMasterKey(1))
	require.NoError(t, err)
	ct, err := oldEnv.Encrypt([]byte("long lived secret"), nil)
	require.NoError(t, err)

	// new primary key with the old key retired
	newEnv, err := NewEnvelope("master-v2", testMasterKey(2))
	require.NoError(t, err)
	require.NoError(t, newEnv.AddRetiredKey("master-v1", testMasterKey(1)))

	// old records stay readable
	plaintext, err := newEnv.Decrypt(ct, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("long lived secret"), plaintext)

	// re-wrapping moves the record to the new key without touching the payload
	rewrapped, err := newEnv.Rewrap(ct)
	require.NoError(t, err)
	assert.Equal(t, "master-v2", rewrapped.KeyID)
	assert.Equal(t, ct.Data, rewrapped.Data)
	assert.NotEqual(t, ct.WrappedDEK, rewrapped.WrappedDEK)

	plaintext, err = newEnv.Decrypt(rewrapped, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("long lived secret"), plaintext)
}

func TestEnvelopeStringRoundTrip(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("master-v1", testMasterKey(1))
	require.NoError(t, err)

	token, err := env.EncryptString("hello", []byte("aad"))
	require.NoError(t, err)

	plaintext, err := env.DecryptString(token, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, "hello", plaintext)

	_, err = env.DecryptString("garbage-token", []byte("aad"))
	require.Error(t, err)
	assert.True(t, errors.IsCrypto(err))
}

func TestDEKCacheExpiry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	env, err := newEnvelope("master-v1", testMasterKey(1), clock)
	require.NoError(t, err)

	ct, err := env.Encrypt([]byte("payload"), nil)
	require.NoError(t, err)

	_, ok := env.lookupDEK(ct.WrappedDEK)
	assert.True(t, ok, "DEK should be cached after encrypt")

	clock.Advance(dekCacheTTL + time.Minute)
	_, ok = env.lookupDEK(ct.WrappedDEK)
	assert.False(t, ok, "DEK cache entry should expire")

	// decrypt still works by unwrapping again
	plaintext, err := env.Decrypt(ct, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plaintext)
}

func TestNewEnvelopeValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEnvelope("master-v1", []byte("too short"))
	require.Error(t, err)

	_, err = NewEnvelope("", testMasterKey(1))
	require.Error(t, err)
}
