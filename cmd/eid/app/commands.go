// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the eid command-line application.
package app

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/entativa/eid/pkg/config"
	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/storage/sqlite"
)

var rootCmd = &cobra.Command{
	Use:               "eid",
	DisableAutoGenTag: true,
	Short:             "Entativa ID (eid) is the identity authority for the Entativa platforms",
	Long: `Entativa ID (eid) is the single identity authority behind Sonet, Gala and
Pika. One account, one handle and one credential set serve every platform:
registration, login, OAuth and OIDC token issuance, second factors,
verification badges and cross-platform replication all live here.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// Re-run logger setup so the parsed debug flag takes effect.
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the eid CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newClientsCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// loadConfig resolves the daemon configuration from the --config flag and
// the EID_* environment.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

// openStore loads the configuration and opens the configured database for
// the management commands. The caller closes the store.
func openStore(ctx context.Context) (*config.Config, *sqlite.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := sqlite.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}
