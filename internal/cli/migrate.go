package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/chainbot/internal/app"
	"github.com/alanyoungcy/chainbot/internal/store/postgres"
	"github.com/alanyoungcy/chainbot/internal/store/sqlite"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema of the configured store backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			switch cfg.Store.Backend {
			case "postgres":
				pg, err := postgres.New(cmd.Context(), app.PostgresClientConfig(cfg))
				if err != nil {
					return err
				}
				defer pg.Close()
				applied, err := pg.RunMigrations(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range applied {
					printf(cmd, "applied %s\n", name)
				}
				printf(cmd, "%d migration(s) applied\n", len(applied))
			case "sqlite":
				db, err := sqlite.Open(cfg.SQLite.Path)
				if err != nil {
					return err
				}
				defer db.Close()
				printf(cmd, "schema applied to %s\n", cfg.SQLite.Path)
			default:
				return fmt.Errorf("migrate: backend %q has no schema", cfg.Store.Backend)
			}
			return nil
		},
	}
}
