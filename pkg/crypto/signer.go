// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/entativa/eid/pkg/errors"
)

// SignerRing holds Ed25519 keys by id and produces detached signatures.
type SignerRing struct {
	keys map[string]ed25519.PrivateKey
}

// NewSignerRing returns an empty ring.
func NewSignerRing() *SignerRing {
	return &SignerRing{keys: make(map[string]ed25519.PrivateKey)}
}

// Generate creates a fresh Ed25519 keypair under the given id and returns
// the public key.
func (r *SignerRing) Generate(keyID string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.NewCryptoError("generating signing key", err)
	}
	r.keys[keyID] = priv
	return pub, nil
}

// Add registers an existing private key under the given id.
func (r *SignerRing) Add(keyID string, key ed25519.PrivateKey) {
	r.keys[keyID] = key
}

// Sign produces a detached Ed25519 signature with the named key.
func (r *SignerRing) Sign(data []byte, keyID string) ([]byte, error) {
	key, ok := r.keys[keyID]
	if !ok {
		return nil, errors.NewCryptoError(fmt.Sprintf("unknown signing key id %q", keyID), nil)
	}
	return ed25519.Sign(key, data), nil
}

// Verify checks a detached signature with the named key.
func (r *SignerRing) Verify(data, signature []byte, keyID string) (bool, error) {
	key, ok := r.keys[keyID]
	if !ok {
		return false, errors.NewCryptoError(fmt.Sprintf("unknown signing key id %q", keyID), nil)
	}
	return ed25519.Verify(key.Public().(ed25519.PublicKey), data, signature), nil
}

// hybridThreshold is the largest payload that goes through plain RSA-OAEP.
// OAEP with SHA-256 on a 2048-bit key caps out at 190 bytes.
func hybridThreshold(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// EncryptRSA encrypts plaintext to the recipient key. Small payloads use
// RSA-OAEP/SHA-256 directly; anything larger uses a hybrid scheme with a
// fresh AES-256-GCM key encrypted by RSA and prepended to the ciphertext.
//
// Layout: mode(1) || [keyLen(2) || encKey] || data.
func EncryptRSA(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if len(plaintext) <= hybridThreshold(pub) {
		enc, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
		if err != nil {
			return nil, errors.NewCryptoError("RSA-OAEP encryption", err)
		}
		return append([]byte{0}, enc...), nil
	}

	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, errors.NewCryptoError("generating hybrid key", err)
	}
	encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, errors.NewCryptoError("RSA-OAEP key encryption", err)
	}
	sealed, err := seal(aesKey, plaintext, nil)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 3+len(encKey)+len(sealed))
	out = append(out, 1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(encKey)))
	out = append(out, encKey...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptRSA opens a ciphertext produced by EncryptRSA.
func DecryptRSA(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1 {
		return nil, errors.NewCryptoError("ciphertext too short", nil)
	}
	mode, rest := ciphertext[0], ciphertext[1:]
	switch mode {
	case 0:
		plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, rest, nil)
		if err != nil {
			return nil, errors.NewCryptoError("RSA-OAEP decryption", err)
		}
		return plaintext, nil
	case 1:
		if len(rest) < 2 {
			return nil, errors.NewCryptoError("ciphertext too short", nil)
		}
		keyLen := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < keyLen {
			return nil, errors.NewCryptoError("ciphertext too short", nil)
		}
		aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, rest[:keyLen], nil)
		if err != nil {
			return nil, errors.NewCryptoError("RSA-OAEP key decryption", err)
		}
		return open(aesKey, rest[keyLen:], nil)
	default:
		return nil, errors.NewCryptoError(fmt.Sprintf("unknown hybrid mode %d", mode), nil)
	}
}
