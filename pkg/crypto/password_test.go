// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/entativa/eid/pkg/errors"
)

func TestHashAndVerify(t *testing.T) {
	t.Parallel()

	h := NewHasher()
	credential, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(credential, "$argon2id$"), "credential should be PHC-encoded argon2id")

	result, err := h.Verify("correct horse battery staple", credential)
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, result)

	result, err = h.Verify("wrong password", credential)
	require.NoError(t, err)
	assert.Equal(t, VerifyNo, result)
}

func TestHashUsesFreshSalt(t *testing.T) {
	t.Parallel()

	h := NewHasher()
	first, err := h.Hash("same password")
	require.NoError(t, err)
	second, err := h.Hash("same password")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVerifyBcryptUpgradePath(t *testing.T) {
	t.Parallel()

	legacy, err := bcrypt.GenerateFromPassword([]byte("old password"), bcrypt.DefaultCost)
	require.NoError(t, err)

	h := NewHasher()
	result, err := h.Verify("old password", string(legacy))
	require.NoError(t, err)
	assert.Equal(t, VerifyOKRehash, result, "bcrypt match should request a re-hash")

	result, err = h.Verify("not the password", string(legacy))
	require.NoError(t, err)
	assert.Equal(t, VerifyNo, result)
}

func TestVerifyStaleArgonParameters(t *testing.T) {
	t.Parallel()

	// hash with weaker parameters than the current production set
	weak := &Hasher{time: 1, memory: 32 * 1024, threads: 2}
	credential, err := weak.Hash("some password")
	require.NoError(t, err)

	result, err := NewHasher().Verify("some password", credential)
	require.NoError(t, err)
	assert.Equal(t, VerifyOKRehash, result)
}

func TestVerifyMalformedCredential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		credential string
	}{
		{"unknown scheme", "$pbkdf2$something"},
		{"plain text", "not a hash at all"},
		{"truncated argon2id", "$argon2id$v=19$m=65536"},
		{"bad salt encoding", "$argon2id$v=19$m=65536,t=1,p=4$!!!$AAAA"},
	}

	h := NewHasher()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result, err := h.Verify("anything", tt.credential)
			require.Error(t, err)
			assert.True(t, errors.IsCrypto(err), "expected crypto_error, got %v", err)
			assert.Equal(t, VerifyNo, result)
		})
	}
}
