package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/portfolio-monitor/internal/config"
	pgstore "github.com/JakeFAU/portfolio-monitor/internal/storage/postgres"
)

// migrate is a variable so tests can avoid a live database.
var migrate = pgstore.Migrate

// newMigrateCmd applies the embedded goose migrations.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply, roll back or inspect database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{pgstore.MigrateUp, pgstore.MigrateDown, pgstore.MigrateStatus},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.DB.Provider != config.DBPostgres {
				return fmt.Errorf("migrate requires db.provider=%s, got %q", config.DBPostgres, rt.cfg.DB.Provider)
			}
			direction := pgstore.MigrateUp
			if len(args) == 1 {
				direction = args[0]
			}
			if err := migrate(cmd.Context(), rt.cfg.DB.DSN, direction, rt.logger); err != nil {
				return fmt.Errorf("migrate %s: %w", direction, err)
			}
			return nil
		},
	}
}
