package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Zhima-Mochi/farmmarket/internal/infrastructure/postgres"
)

func migrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if !cfg.DB.Enabled() {
				return fmt.Errorf("migrate: DB_HOST is not set")
			}
			repo, err := postgres.NewRepository(cmd.Context(), postgresCredentials(cfg.DB))
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.RunMigrations(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied to %s/%s\n", cfg.DB.Host, cfg.DB.Name)
			return nil
		},
	}
}
