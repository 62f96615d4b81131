package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-relay/adapters/gocommand"
	relaycommand "github.com/goliatone/go-relay/command"
	"github.com/goliatone/go-relay/core"
)

// newSweepCmd runs one sweep through the command bus, for external cron.
func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a single retry sweep and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			bus, err := gocommand.NewBus()
			if err != nil {
				return err
			}
			defer bus.Close()
			if err := a.runtime.Facade.Register(bus); err != nil {
				return err
			}

			report, err := gocommand.DispatchResult[relaycommand.SweepMessage, core.SweepReport](ctx, relaycommand.SweepMessage{})
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		},
	}
}
