// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entativa/eid/pkg/logger"
	"github.com/entativa/eid/pkg/storage/sqlite"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Long: `Open the configured database, apply every pending schema migration and
exit. The serve command migrates on startup too; migrate exists for init
containers and for upgrading the schema without starting the daemon.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := sqlite.Open(cmd.Context(), cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}
			logger.Infow("database schema is up to date", "path", cfg.Database.Path)
			return st.Close()
		},
	}
}
