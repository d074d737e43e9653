// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	eidcrypto "github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/logger"
)

// Supported signing algorithms. A PEM key file overrides the configured
// algorithm: the key's type decides what it can sign.
const (
	AlgES256 = "ES256"
	AlgRS256 = "RS256"
	AlgHS256 = "HS256"

	// DefaultAlgorithm is used when configuration names none.
	DefaultAlgorithm = AlgES256
)

// minHMACSecretBytes is the smallest HS256 secret accepted from a file.
const minHMACSecretBytes = 32

// SigningKey is the private half of the JWT signing material. Exactly one
// of Key and Secret is set: Key for asymmetric algorithms, Secret for HS256.
type SigningKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	Secret    []byte
	CreatedAt time.Time
}

// PublicKey is the verification half exposed through the JWKS endpoint.
// Symmetric keys are never published.
type PublicKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.PublicKey
	CreatedAt time.Time
}

// KeyProvider supplies signing keys for token issuance and the public set
// for verification and JWKS.
type KeyProvider interface {
	// SigningKey returns the current signing key.
	SigningKey(ctx context.Context) (*SigningKey, error)

	// PublicKeys returns every key verification should accept. Multiple
	// keys appear during rotation; HS256 providers return none.
	PublicKeys(ctx context.Context) ([]*PublicKey, error)
}

// NewProvider builds the key provider for the given configuration: a file
// provider when a key file is named, an ephemeral generating provider
// otherwise.
func NewProvider(signingKeyFile, algorithm string) (KeyProvider, error) {
	if signingKeyFile == "" {
		return NewGeneratingProvider(algorithm), nil
	}
	return NewFileProvider(signingKeyFile, algorithm)
}

// FileProvider loads the signing key from a file once at construction.
// For asymmetric algorithms the file is a PEM private key (RSA PKCS1,
// EC SEC1, or PKCS8 carrying RSA, ECDSA or Ed25519); for HS256 it is the
// raw secret. Key rotation requires a restart.
type FileProvider struct {
	key *SigningKey
}

var _ KeyProvider = (*FileProvider)(nil)

// NewFileProvider loads and validates the key at path. The algorithm is
// derived from the key's type; for asymmetric keys a configured algorithm
// that contradicts the key is rejected rather than silently ignored.
func NewFileProvider(path, algorithm string) (*FileProvider, error) {
	if algorithm == AlgHS256 {
		secret, err := loadHMACSecret(path)
		if err != nil {
			return nil, err
		}
		keyID, err := deriveKeyID(secret)
		if err != nil {
			return nil, err
		}
		return &FileProvider{key: &SigningKey{
			KeyID:     keyID,
			Algorithm: AlgHS256,
			Secret:    secret,
			CreatedAt: time.Now(),
		}}, nil
	}

	signer, err := loadSigningKey(path)
	if err != nil {
		return nil, err
	}
	derived, err := deriveAlgorithm(signer)
	if err != nil {
		return nil, err
	}
	if algorithm != "" && algorithm != derived {
		return nil, fmt.Errorf("signing key in %s requires algorithm %s, configuration says %s", path, derived, algorithm)
	}
	keyID, err := deriveKeyID(signer.Public())
	if err != nil {
		return nil, err
	}
	return &FileProvider{key: &SigningKey{
		KeyID:     keyID,
		Algorithm: derived,
		Key:       signer,
		CreatedAt: time.Now(),
	}}, nil
}

// SigningKey returns a copy of the loaded key.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	k := *p.key
	return &k, nil
}

// PublicKeys returns the verification key set. Empty for HS256.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKey, error) {
	if p.key.Key == nil {
		return nil, nil
	}
	return []*PublicKey{{
		KeyID:     p.key.KeyID,
		Algorithm: p.key.Algorithm,
		Key:       p.key.Key.Public(),
		CreatedAt: p.key.CreatedAt,
	}}, nil
}

// GeneratingProvider generates an ephemeral key on first use. Tokens
// signed with it do not survive a restart, so it is only suitable for
// development and tests.
type GeneratingProvider struct {
	algorithm string

	mu  sync.Mutex
	key *SigningKey
}

var _ KeyProvider = (*GeneratingProvider)(nil)

// NewGeneratingProvider creates a provider that lazily generates a key for
// the given algorithm, DefaultAlgorithm when empty.
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// SigningKey returns the generated key, creating it on first call.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		key, err := p.generate()
		if err != nil {
			return nil, err
		}
		logger.Warnw("generated ephemeral signing key; issued tokens will not survive a restart",
			"algorithm", key.Algorithm,
			"key_id", key.KeyID,
		)
		p.key = key
	}
	k := *p.key
	return &k, nil
}

// PublicKeys returns the verification set, generating the key if needed.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKey, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	if key.Key == nil {
		return nil, nil
	}
	return []*PublicKey{{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		Key:       key.Key.Public(),
		CreatedAt: key.CreatedAt,
	}}, nil
}

func (p *GeneratingProvider) generate() (*SigningKey, error) {
	created := time.Now()
	switch p.algorithm {
	case AlgES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating P-256 key: %w", err)
		}
		keyID, err := deriveKeyID(key.Public())
		if err != nil {
			return nil, err
		}
		return &SigningKey{KeyID: keyID, Algorithm: AlgES256, Key: key, CreatedAt: created}, nil
	case AlgRS256:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generating RSA key: %w", err)
		}
		keyID, err := deriveKeyID(key.Public())
		if err != nil {
			return nil, err
		}
		return &SigningKey{KeyID: keyID, Algorithm: AlgRS256, Key: key, CreatedAt: created}, nil
	case AlgHS256:
		secret, err := eidcrypto.RandomBytes(minHMACSecretBytes)
		if err != nil {
			return nil, err
		}
		keyID, err := deriveKeyID(secret)
		if err != nil {
			return nil, err
		}
		return &SigningKey{KeyID: keyID, Algorithm: AlgHS256, Secret: secret, CreatedAt: created}, nil
	default:
		return nil, fmt.Errorf("cannot generate a key for algorithm %s", p.algorithm)
	}
}

// loadSigningKey reads a private key from a PEM file. RSA PKCS1, EC SEC1
// and PKCS8 (RSA, ECDSA, Ed25519) encodings are accepted.
func loadSigningKey(path string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in signing key file %s", path)
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key in %s does not implement crypto.Signer", path)
	}
	return signer, nil
}

// loadHMACSecret reads a raw HS256 secret from a file, trimming the
// trailing newline that secret mounts commonly add.
func loadHMACSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("reading HMAC secret: %w", err)
	}
	secret := []byte(strings.TrimSpace(string(data)))
	if len(secret) < minHMACSecretBytes {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes, got %d", minHMACSecretBytes, len(secret))
	}
	return secret, nil
}

// deriveAlgorithm picks the signing algorithm a private key supports.
func deriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return AlgRS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return AlgES256, nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		default:
			return "", fmt.Errorf("unsupported EC curve %s", k.Curve.Params().Name)
		}
	case ed25519.PrivateKey:
		return "EdDSA", nil
	default:
		return "", fmt.Errorf("unsupported key type %T", key)
	}
}

// deriveKeyID computes the RFC 7638 JWK thumbprint of a key, base64url
// encoded without padding. Symmetric secrets get a thumbprint too; the
// digest does not reveal the secret.
func deriveKeyID(raw any) (string, error) {
	key, err := jwk.Import(raw)
	if err != nil {
		return "", fmt.Errorf("importing key for thumbprint: %w", err)
	}
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}
