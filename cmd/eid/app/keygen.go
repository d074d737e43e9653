// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/token"
)

func newKeygenCmd() *cobra.Command {
	var (
		signingKeyFile string
		algorithm      string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate deployment key material",
		Long: `Generate the secrets a production deployment needs: the base64 master
key for crypto.master_key and, with --signing-key-file, a private key for
token.signing_key_file.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			masterKey, err := crypto.RandomBytes(config.MasterKeySize)
			if err != nil {
				return err
			}
			fmt.Printf("crypto.master_key: %s\n", base64.StdEncoding.EncodeToString(masterKey))

			if signingKeyFile == "" {
				return nil
			}
			if err := writeSigningKey(signingKeyFile, algorithm); err != nil {
				return err
			}
			fmt.Printf("token.signing_key_file: %s (%s)\n", signingKeyFile, algorithm)
			return nil
		},
	}

	cmd.Flags().StringVar(&signingKeyFile, "signing-key-file", "", "Write a token signing key to this path")
	cmd.Flags().StringVar(&algorithm, "algorithm", token.DefaultAlgorithm, "Signing key algorithm: ES256, RS256 or HS256")

	return cmd
}

// writeSigningKey writes a fresh signing key to path in the encoding the
// file key provider loads: PKCS8 PEM for asymmetric algorithms, the raw
// secret for HS256. The file is created 0600.
func writeSigningKey(path, algorithm string) error {
	var data []byte
	switch algorithm {
	case token.AlgES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return fmt.Errorf("generating P-256 key: %w", err)
		}
		data, err = encodePKCS8(key)
		if err != nil {
			return err
		}
	case token.AlgRS256:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return fmt.Errorf("generating RSA key: %w", err)
		}
		data, err = encodePKCS8(key)
		if err != nil {
			return err
		}
	case token.AlgHS256:
		secret, err := crypto.RandomToken(32)
		if err != nil {
			return err
		}
		data = []byte(secret + "\n")
	default:
		return fmt.Errorf("cannot generate a key for algorithm %s", algorithm)
	}
	return os.WriteFile(path, data, 0o600)
}

func encodePKCS8(key any) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding signing key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
