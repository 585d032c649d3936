package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"dimhist/internal/config"
	"dimhist/internal/db"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		Long: `Apply the embedded schema migrations to the configured PostgreSQL
database. The sqlite driver needs no migrations: it applies its schema when
the database file is opened.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate applies to the postgres driver, configured driver is %q", cfg.Storage.Driver)
			}
			version, err := db.Migrate(cfg.Storage.Database)
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
	return cmd
}
