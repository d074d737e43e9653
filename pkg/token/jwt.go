// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/entativa/eid/pkg/errors"
)

// AccessClaims is the claim set carried by access and ID tokens. The
// registered claims hold iss, sub, aud, iat and exp; the private claims
// carry the grant context.
type AccessClaims struct {
	Scope       string   `json:"scope,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	SessionID   string   `json:"sid,omitempty"`
	AuthMethods []string `json:"amr,omitempty"`
	AuthContext string   `json:"acr,omitempty"`

	jwt.RegisteredClaims
}

// signJWT signs a claim set with the provider's current key. The kid
// header binds the token to the key that signed it.
func signJWT(key *SigningKey, claims jwt.Claims) (string, error) {
	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", errors.NewInternalError("no signing method for algorithm "+key.Algorithm, nil)
	}
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = key.KeyID

	var material any
	if key.Key != nil {
		material = key.Key
	} else {
		material = key.Secret
	}
	signed, err := tok.SignedString(material)
	if err != nil {
		return "", errors.NewInternalError("signing token", err)
	}
	return signed, nil
}

// jwtKeyfunc resolves the kid header to verification material: the shared
// secret for HS256, a published public key otherwise.
func (s *Service) jwtKeyfunc(ctx context.Context) jwt.Keyfunc {
	return func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, errors.NewInvalidTokenError("token header missing kid", nil)
		}
		signing, err := s.keys.SigningKey(ctx)
		if err != nil {
			return nil, err
		}
		if signing.Secret != nil {
			if kid != signing.KeyID {
				return nil, errors.NewInvalidTokenError("unknown signing key", nil)
			}
			return signing.Secret, nil
		}
		publics, err := s.keys.PublicKeys(ctx)
		if err != nil {
			return nil, err
		}
		for _, pk := range publics {
			if pk.KeyID == kid {
				return pk.Key, nil
			}
		}
		return nil, errors.NewInvalidTokenError("unknown signing key", nil)
	}
}

// parseAccessToken verifies a JWT's signature and registered claims.
// audience is checked only when non-empty; expiry uses the service clock.
func (s *Service) parseAccessToken(ctx context.Context, raw, audience string) (*AccessClaims, error) {
	signing, err := s.keys.SigningKey(ctx)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signing.Algorithm}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := &AccessClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, s.jwtKeyfunc(ctx), opts...); err != nil {
		return nil, errors.NewInvalidTokenError("token verification failed", err)
	}
	return claims, nil
}
