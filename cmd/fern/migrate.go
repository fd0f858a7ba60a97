package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/database"
)

func newMigrateCommand() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the warehouse schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, needs{postgres: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
				MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
				Version:             uint(a.cfg.DatabaseMigrationVersion),
				Force:               a.cfg.DatabaseMigrationForce,
				AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
			})

			if status {
				applied, dirty, latest, err := migrations.Status(a.cfg.DatabaseName, a.sqlDB.DB)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied=%d dirty=%t latest=%d\n", applied, dirty, latest)
				return nil
			}
			return migrations.Migrate(a.cfg.DatabaseName, a.sqlDB.DB)
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "report the schema version without migrating")
	return cmd
}
