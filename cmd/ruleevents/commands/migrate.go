package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ruleevents/internal/database"
	"ruleevents/internal/logging"
)

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}

			m, err := database.NewManager(cmd.Context(), cfg.Database, logging.Component(log, "database"))
			if err != nil {
				return err
			}
			defer m.Close()

			applied, err := m.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied migrations: %s\n", strings.Join(applied, ", "))
			return nil
		},
	}
}
