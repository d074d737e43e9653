// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// DiscoveryDocument is the OIDC discovery document describing this
// authorization server.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
}

// Discovery builds the discovery document for a deployment reachable at
// externalURL.
func (s *Service) Discovery(ctx context.Context, externalURL string) (*DiscoveryDocument, error) {
	base := strings.TrimSuffix(externalURL, "/")

	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return nil, err
	}

	methods := []string{ChallengeMethodS256}
	if s.cfg.AllowPlainPKCE {
		methods = append(methods, ChallengeMethodPlain)
	}

	return &DiscoveryDocument{
		Issuer:                s.cfg.Issuer,
		AuthorizationEndpoint: base + "/api/v1/eid/oauth/authorize",
		TokenEndpoint:         base + "/api/v1/eid/oauth/token",
		RevocationEndpoint:    base + "/api/v1/eid/auth/revoke",
		JWKSURI:               base + "/.well-known/jwks.json",
		ScopesSupported:       KnownScopes,
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			"authorization_code",
			"refresh_token",
			"client_credentials",
			"password",
		},
		CodeChallengeMethodsSupported:     methods,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{key.Algorithm},
	}, nil
}

// JWKS renders the public verification keys as a JWK set. Symmetric
// deployments have nothing to publish and get an empty set.
func (s *Service) JWKS(ctx context.Context) ([]byte, error) {
	pubs, err := s.keys.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	for _, p := range pubs {
		key, err := jwk.Import(p.Key)
		if err != nil {
			return nil, fmt.Errorf("importing public key %s: %w", p.KeyID, err)
		}
		if err := key.Set(jwk.KeyIDKey, p.KeyID); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
			return nil, err
		}
		if alg, ok := jwa.LookupSignatureAlgorithm(p.Algorithm); ok {
			if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
				return nil, err
			}
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return json.Marshal(set)
}
