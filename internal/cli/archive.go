package cli

import (
	"log/slog"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/chainbot/internal/app"
	s3blob "github.com/alanyoungcy/chainbot/internal/blob/s3"
	"github.com/alanyoungcy/chainbot/internal/pipeline"
)

// NewArchiveCommand creates the archive command group.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Copy execution logs to S3 or inspect the archive",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Archive every log written since the checkpoint, once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchiver(cmd, rootOpts, func(a *s3blob.LogArchiver, logger *slog.Logger) error {
				return pipeline.NewArchiveJob(a, logger).Run(cmd.Context())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the archive checkpoint and batch count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchiver(cmd, rootOpts, func(a *s3blob.LogArchiver, _ *slog.Logger) error {
				st, err := a.Status(cmd.Context())
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				printf(cmd, "%s\n", out)
				return nil
			})
		},
	})
	return cmd
}

func withArchiver(cmd *cobra.Command, rootOpts *RootOptions, fn func(*s3blob.LogArchiver, *slog.Logger) error) error {
	cfg, logger, err := rootOpts.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	stores, closeStores, err := app.OpenStores(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	archiver, _, err := app.OpenArchiver(cmd.Context(), cfg, stores.Rules, logger)
	if err != nil {
		return err
	}
	return fn(archiver, logger)
}
