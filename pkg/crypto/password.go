// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto implements the cryptographic primitives the identity
// authority relies on: memory-hard password hashing, envelope encryption
// for secrets at rest, detached signatures and hybrid RSA encryption.
// Nothing here invents cryptography; every construction delegates to
// golang.org/x/crypto or the standard library.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/entativa/eid/pkg/errors"
)

// VerifyResult is the outcome of a password check.
type VerifyResult string

const (
	// VerifyOK means the password matches the stored credential.
	VerifyOK VerifyResult = "ok"

	// VerifyOKRehash means the password matches but the credential uses an
	// outdated KDF or outdated parameters and should be re-hashed.
	VerifyOKRehash VerifyResult = "ok_rehash"

	// VerifyNo means the password does not match.
	VerifyNo VerifyResult = "no"
)

// Argon2id parameters. Changing them is safe: existing credentials keep
// verifying and report VerifyOKRehash until they are re-hashed.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonSaltLen = 16
	argonKeyLen  = 32
)

// Hasher hashes and verifies passwords. The zero value is not usable; use
// NewHasher.
type Hasher struct {
	time    uint32
	memory  uint32
	threads uint8
}

// NewHasher returns a Hasher with the current production parameters.
func NewHasher() *Hasher {
	return &Hasher{time: argonTime, memory: argonMemory, threads: argonThreads}
}

// Hash derives an argon2id credential in PHC string format.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.NewCryptoError("generating salt", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.time, h.memory, h.threads, argonKeyLen)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
	return encoded, nil
}

// Verify checks password against a stored credential. Credentials hashed
// with bcrypt or with stale argon2id parameters verify as VerifyOKRehash so
// callers can upgrade them opportunistically.
func (h *Hasher) Verify(password, credential string) (VerifyResult, error) {
	switch {
	case strings.HasPrefix(credential, "$argon2id$"):
		return h.verifyArgon2id(password, credential)
	case strings.HasPrefix(credential, "$2a$"), strings.HasPrefix(credential, "$2b$"), strings.HasPrefix(credential, "$2y$"):
		return verifyBcrypt(password, credential)
	default:
		return VerifyNo, errors.NewCryptoError("unrecognized credential format", nil)
	}
}

func (h *Hasher) verifyArgon2id(password, credential string) (VerifyResult, error) {
	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
	parts := strings.Split(credential, "$")
	if len(parts) != 6 {
		return VerifyNo, errors.NewCryptoError("malformed argon2id credential", nil)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return VerifyNo, errors.NewCryptoError("malformed argon2id version", err)
	}
	if version != argon2.Version {
		return VerifyNo, errors.NewCryptoError(fmt.Sprintf("unsupported argon2 version %d", version), nil)
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return VerifyNo, errors.NewCryptoError("malformed argon2id parameters", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return VerifyNo, errors.NewCryptoError("malformed argon2id salt", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return VerifyNo, errors.NewCryptoError("malformed argon2id digest", err)
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return VerifyNo, nil
	}
	if memory != h.memory || time != h.time || threads != h.threads {
		return VerifyOKRehash, nil
	}
	return VerifyOK, nil
}

func verifyBcrypt(password, credential string) (VerifyResult, error) {
	err := bcrypt.CompareHashAndPassword([]byte(credential), []byte(password))
	switch {
	case err == nil:
		// legacy credential: matches, but should move to argon2id
		return VerifyOKRehash, nil
	case err == bcrypt.ErrMismatchedHashAndPassword:
		return VerifyNo, nil
	default:
		return VerifyNo, errors.NewCryptoError("verifying bcrypt credential", err)
	}
}
