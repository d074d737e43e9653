// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/subtle"

	"golang.org/x/oauth2"

	"github.com/entativa/eid/pkg/errors"
)

// PKCE code challenge methods (RFC 7636). S256 is always accepted; plain
// only for trusted clients when configuration allows it.
const (
	ChallengeMethodS256  = "S256"
	ChallengeMethodPlain = "plain"
)

// GeneratePKCEVerifier returns a new RFC 7636 code verifier.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge returns the S256 challenge for a verifier.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// validChallengeMethod reports whether the client may use the method.
func validChallengeMethod(method string, trusted, allowPlain bool) bool {
	switch method {
	case ChallengeMethodS256:
		return true
	case ChallengeMethodPlain:
		return trusted && allowPlain
	default:
		return false
	}
}

// verifyPKCE checks a code verifier against the challenge stored with the
// authorization code. Comparison is constant-time; a failure is always an
// invalid grant, never a hint about which part mismatched.
func verifyPKCE(method, challenge, verifier string) error {
	if verifier == "" {
		return errors.NewInvalidGrantError("code_verifier is required", nil)
	}
	var derived string
	switch method {
	case ChallengeMethodS256:
		derived = oauth2.S256ChallengeFromVerifier(verifier)
	case ChallengeMethodPlain:
		derived = verifier
	default:
		return errors.NewInvalidGrantError("unsupported code challenge method", nil)
	}
	if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
		return errors.NewInvalidGrantError("code verifier does not match challenge", nil)
	}
	return nil
}
