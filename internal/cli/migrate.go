package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-relay/core"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the relay SQL migrations to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := LoadConfig(ctx, opts.envFile)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == core.StorageDriverMemory {
				fmt.Fprintln(cmd.OutOrStdout(), "storage driver is memory, nothing to migrate")
				return nil
			}
			storage, err := OpenStorage(ctx, cfg.Storage, true)
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close() }()
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.Storage.Driver)
			return nil
		},
	}
}
