// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/entativa/eid/pkg/crypto"
	"github.com/entativa/eid/pkg/storage"
	"github.com/entativa/eid/pkg/token"
)

func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage registered OAuth clients",
	}
	cmd.AddCommand(newClientsCreateCmd())
	cmd.AddCommand(newClientsListCmd())
	return cmd
}

func newClientsCreateCmd() *cobra.Command {
	var (
		name         string
		redirectURIs []string
		scopes       []string
		trusted      bool
	)

	cmd := &cobra.Command{
		Use:   "create <client-id>",
		Short: "Register an OAuth client",
		Long: `Register an OAuth client and print its generated secret. The secret is
shown once and stored only as a hash.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			_, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			secret, err := crypto.RandomToken(32)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			client := &storage.OAuthClient{
				ClientID:      args[0],
				Name:          name,
				SecretHash:    token.HashSecret(secret),
				RedirectURIs:  redirectURIs,
				AllowedScopes: scopes,
				Trusted:       trusted,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := st.Clients().CreateClient(cmd.Context(), client); err != nil {
				return err
			}

			fmt.Printf("Registered client %s.\n\n", client.ClientID)
			fmt.Printf("client_id:     %s\n", client.ClientID)
			fmt.Printf("client_secret: %s\n\n", secret)
			fmt.Println("Store the secret now; it is not shown again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable client name")
	cmd.Flags().StringSliceVar(&redirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable)")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{"openid", "profile", "email"}, "Allowed scope (repeatable)")
	cmd.Flags().BoolVar(&trusted, "trusted", false, "Mark the client first-party; trusted clients skip the consent step")

	return cmd
}

func newClientsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered OAuth clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			clients, err := st.Clients().ListClients(cmd.Context())
			if err != nil {
				return err
			}
			return renderClientsTable(clients)
		},
	}
}

// renderClientsTable renders the registered clients table to stdout.
func renderClientsTable(clients []*storage.OAuthClient) error {
	if len(clients) == 0 {
		fmt.Println("No clients are registered.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader([]string{"Client ID", "Name", "Scopes", "Redirect URIs", "Trusted", "Created"}),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(6, tw.AlignLeft)),
	)

	for _, c := range clients {
		trusted := "no"
		if c.Trusted {
			trusted = "yes"
		}
		if err := table.Append([]string{
			c.ClientID,
			c.Name,
			strings.Join(c.AllowedScopes, ", "),
			strings.Join(c.RedirectURIs, ", "),
			trusted,
			c.CreatedAt.Format(time.DateOnly),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
