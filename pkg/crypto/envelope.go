// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/entativa/eid/pkg/errors"
)

// envelopeVersion is written into every ciphertext so the wire format can
// evolve without breaking stored records.
const envelopeVersion = 1

// dekCacheTTL bounds how long an unwrapped data-encryption key stays in the
// in-process cache. DEKs never leave the process, so this cache is always
// local memory regardless of the configured cache backend.
const dekCacheTTL = 2 * time.Hour

// Envelope implements envelope encryption: a process-wide master key wraps
// a fresh data-encryption key per record, and the DEK seals the payload
// with AES-256-GCM. Retired master keys stay available for decryption until
// records are re-wrapped.
type Envelope struct {
	keyID   string
	primary []byte
	retired map[string][]byte

	clock clockwork.Clock

	mu   sync.Mutex
	deks map[string]dekEntry
}

type dekEntry struct {
	key       []byte
	expiresAt time.Time
}

// NewEnvelope creates an Envelope around the given 32-byte master key.
func NewEnvelope(keyID string, masterKey []byte) (*Envelope, error) {
	return newEnvelope(keyID, masterKey, clockwork.NewRealClock())
}

func newEnvelope(keyID string, masterKey []byte, clock clockwork.Clock) (*Envelope, error) {
	if len(masterKey) != 32 {
		return nil, errors.NewCryptoError(fmt.Sprintf("master key must be 32 bytes, got %d", len(masterKey)), nil)
	}
	if keyID == "" {
		return nil, errors.NewCryptoError("master key id is required", nil)
	}
	return &Envelope{
		keyID:   keyID,
		primary: masterKey,
		retired: make(map[string][]byte),
		clock:   clock,
		deks:    make(map[string]dekEntry),
	}, nil
}

// AddRetiredKey registers a previous master key so existing records remain
// readable after rotation.
func (e *Envelope) AddRetiredKey(keyID string, masterKey []byte) error {
	if len(masterKey) != 32 {
		return errors.NewCryptoError(fmt.Sprintf("master key must be 32 bytes, got %d", len(masterKey)), nil)
	}
	e.retired[keyID] = masterKey
	return nil
}

// KeyID returns the identifier of the primary master key.
func (e *Envelope) KeyID() string {
	return e.keyID
}

// Ciphertext is one encrypted record.
type Ciphertext struct {
	// KeyID identifies the master key that wraps the DEK.
	KeyID string

	// Version is the envelope format version.
	Version int

	// WrappedDEK is the record's data-encryption key sealed under the
	// master key (nonce prepended).
	WrappedDEK []byte

	// Nonce is the GCM nonce for Data.
	Nonce []byte

	// Data is the payload sealed under the DEK.
	Data []byte
}

// Encrypt seals plaintext under a fresh DEK. The associated data, when
// present, is bound into the GCM tag and must be supplied again to decrypt.
func (e *Envelope) Encrypt(plaintext, associatedData []byte) (*Ciphertext, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, errors.NewCryptoError("generating DEK", err)
	}

	wrapped, err := seal(e.primary, dek, nil)
	if err != nil {
		return nil, err
	}

	nonce, sealed, err := sealDetached(dek, plaintext, associatedData)
	if err != nil {
		return nil, err
	}

	e.cacheDEK(wrapped, dek)
	return &Ciphertext{
		KeyID:      e.keyID,
		Version:    envelopeVersion,
		WrappedDEK: wrapped,
		Nonce:      nonce,
		Data:       sealed,
	}, nil
}

// Decrypt opens a record. The associated data must match what was passed to
// Encrypt or the GCM tag check fails.
func (e *Envelope) Decrypt(ct *Ciphertext, associatedData []byte) ([]byte, error) {
	if ct.Version != envelopeVersion {
		return nil, errors.NewCryptoError(fmt.Sprintf("unsupported envelope version %d", ct.Version), nil)
	}

	dek, err := e.unwrapDEK(ct)
	if err != nil {
		return nil, err
	}

	plaintext, err := openDetached(dek, ct.Nonce, ct.Data, associatedData)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Rewrap re-encrypts the record's DEK under the primary master key without
// touching the payload. Used when rotating master keys.
func (e *Envelope) Rewrap(ct *Ciphertext) (*Ciphertext, error) {
	if ct.KeyID == e.keyID {
		return ct, nil
	}
	dek, err := e.unwrapDEK(ct)
	if err != nil {
		return nil, err
	}
	wrapped, err := seal(e.primary, dek, nil)
	if err != nil {
		return nil, err
	}
	out := *ct
	out.KeyID = e.keyID
	out.WrappedDEK = wrapped
	e.cacheDEK(wrapped, dek)
	return &out, nil
}

func (e *Envelope) unwrapDEK(ct *Ciphertext) ([]byte, error) {
	if dek, ok := e.lookupDEK(ct.WrappedDEK); ok {
		return dek, nil
	}

	masterKey := e.masterKeyFor(ct.KeyID)
	if masterKey == nil {
		return nil, errors.NewCryptoError(fmt.Sprintf("unknown master key id %q", ct.KeyID), nil)
	}

	dek, err := open(masterKey, ct.WrappedDEK, nil)
	if err != nil {
		return nil, err
	}
	e.cacheDEK(ct.WrappedDEK, dek)
	return dek, nil
}

func (e *Envelope) masterKeyFor(keyID string) []byte {
	if keyID == e.keyID {
		return e.primary
	}
	return e.retired[keyID]
}

func (e *Envelope) cacheDEK(wrapped, dek []byte) {
	sum := sha256.Sum256(wrapped)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deks[string(sum[:])] = dekEntry{key: dek, expiresAt: e.clock.Now().Add(dekCacheTTL)}
}

func (e *Envelope) lookupDEK(wrapped []byte) ([]byte, bool) {
	sum := sha256.Sum256(wrapped)
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.deks[string(sum[:])]
	if !ok {
		return nil, false
	}
	if e.clock.Now().After(entry.expiresAt) {
		delete(e.deks, string(sum[:]))
		return nil, false
	}
	return entry.key, true
}

// String encodes the ciphertext as a single storable token:
// eid:v<version>:<key id>:<wrapped dek>:<nonce>:<data>, binary segments
// base64url encoded.
func (ct *Ciphertext) String() string {
	enc := base64.RawURLEncoding
	return strings.Join([]string{
		"eid",
		"v" + strconv.Itoa(ct.Version),
		ct.KeyID,
		enc.EncodeToString(ct.WrappedDEK),
		enc.EncodeToString(ct.Nonce),
		enc.EncodeToString(ct.Data),
	}, ":")
}

// ParseCiphertext decodes a token produced by Ciphertext.String.
func ParseCiphertext(s string) (*Ciphertext, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 || parts[0] != "eid" || !strings.HasPrefix(parts[1], "v") {
		return nil, errors.NewCryptoError("malformed ciphertext", nil)
	}
	version, err := strconv.Atoi(parts[1][1:])
	if err != nil {
		return nil, errors.NewCryptoError("malformed ciphertext version", err)
	}
	enc := base64.RawURLEncoding
	wrapped, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, errors.NewCryptoError("malformed wrapped DEK", err)
	}
	nonce, err := enc.DecodeString(parts[4])
	if err != nil {
		return nil, errors.NewCryptoError("malformed nonce", err)
	}
	data, err := enc.DecodeString(parts[5])
	if err != nil {
		return nil, errors.NewCryptoError("malformed payload", err)
	}
	return &Ciphertext{
		KeyID:      parts[2],
		Version:    version,
		WrappedDEK: wrapped,
		Nonce:      nonce,
		Data:       data,
	}, nil
}

// EncryptString is a convenience wrapper returning the storable token form.
func (e *Envelope) EncryptString(plaintext string, associatedData []byte) (string, error) {
	ct, err := e.Encrypt([]byte(plaintext), associatedData)
	if err != nil {
		return "", err
	}
	return ct.String(), nil
}

// DecryptString opens a token produced by EncryptString.
func (e *Envelope) DecryptString(token string, associatedData []byte) (string, error) {
	ct, err := ParseCiphertext(token)
	if err != nil {
		return "", err
	}
	plaintext, err := e.Decrypt(ct, associatedData)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// seal encrypts plaintext under key with a random nonce prepended to the
// returned ciphertext. 96-bit nonces, 128-bit tags per AES-GCM defaults.
func seal(key, plaintext, associatedData []byte) ([]byte, error) {
	nonce, sealed, err := sealDetached(key, plaintext, associatedData)
	if err != nil {
		return nil, err
	}
	return append(nonce, sealed...), nil
}

func sealDetached(key, plaintext, associatedData []byte) (nonce, sealed []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, errors.NewCryptoError("creating cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, errors.NewCryptoError("creating GCM", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errors.NewCryptoError("generating nonce", err)
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, associatedData), nil
}

// open decrypts a ciphertext produced by seal.
func open(key, ciphertext, associatedData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewCryptoError("creating cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewCryptoError("creating GCM", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.NewCryptoError("ciphertext too short", nil)
	}
	return openDetached(key, ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():], associatedData)
}

func openDetached(key, nonce, sealed, associatedData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewCryptoError("creating cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewCryptoError("creating GCM", err)
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		return nil, errors.NewCryptoError("authentication failed", err)
	}
	return plaintext, nil
}
