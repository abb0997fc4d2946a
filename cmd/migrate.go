package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/realtime-news-indexer/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		Long: `migrate applies every embedded SQL migration in order. Migrations are
idempotent, so running the command twice is safe.

Examples:
  newsindexer migrate                 # apply to database.dsn
  newsindexer migrate --list          # print migration names only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				names, err := pgstore.MigrationNames()
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			}

			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.Database.DSN == "" {
				return errors.New("migrate requires database.dsn (NEWSINDEX_DATABASE_DSN)")
			}
			pool, err := pgstore.NewPool(cmd.Context(), pgstore.Config{DSN: rt.cfg.Database.DSN})
			if err != nil {
				return err
			}
			defer pool.Close()
			return pgstore.Migrate(cmd.Context(), pool, rt.logger)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list migrations without applying them")
	return cmd
}
