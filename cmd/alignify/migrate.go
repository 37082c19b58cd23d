package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alignify/alignify/pkg/gateway/config"
)

func migrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply calibration database migrations (sqlite or postgres backends)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.deps.loadConfig == nil {
				return fmt.Errorf("missing loadConfig dependency")
			}
			cfg, err := c.deps.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			switch cfg.CalibrationBackend {
			case config.BackendSQLite, config.BackendPostgres:
			default:
				return fmt.Errorf("migrate needs ALIGNIFY_CALIBRATION_BACKEND=sqlite or postgres, got %q", cfg.CalibrationBackend)
			}
			store, err := openSQLStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "applied %d migrations\n", n)
			return nil
		},
	}
}
