// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"

	"github.com/entativa/eid/pkg/errors"
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.NewCryptoError("reading random bytes", err)
	}
	return b, nil
}

// RandomToken returns a URL-safe token carrying n bytes of entropy,
// base64url encoded without padding.
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RandomDigits returns a string of n decimal digits, suitable for SMS and
// email verification codes. Uses rejection-free uniform sampling.
func RandomDigits(n int) (string, error) {
	digits := make([]byte, n)
	max := big.NewInt(10)
	for i := range digits {
		d, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.NewCryptoError("generating digit", err)
		}
		digits[i] = byte('0' + d.Int64())
	}
	return string(digits), nil
}
