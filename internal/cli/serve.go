package cli

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/chainbot/internal/app"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot in the configured mode",
		Long: `Run the bot until SIGINT or SIGTERM.

Modes: full (everything), server (API and event stream), scheduler
(headless rule cycles) and archive (execution-log archive only).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = mode
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application := app.New(cfg, logger)
			defer application.Close()

			if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("application error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("chainbot stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "", "override mode (full|server|scheduler|archive)")
	return cmd
}
