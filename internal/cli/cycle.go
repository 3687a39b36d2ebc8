package cli

import (
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/chainbot/internal/app"
)

// NewCycleCommand creates the cycle command.
func NewCycleCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run exactly one evaluation cycle and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			application := app.New(cfg, logger)
			defer application.Close()

			report, err := application.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", out)
			return nil
		},
	}
}
