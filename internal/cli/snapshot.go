package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"dimhist/internal/config"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	ObservedAt    string
	DeleteMissing bool
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot <file>",
		Short: "Apply a full snapshot file",
		Long: `Reconcile a CSV or XLSX snapshot against the stored dimension. The
observation timestamp states when the source system produced the snapshot
and becomes the validity boundary for every change the batch applies.

Example:
  dimhist snapshot ./customers.csv --observed-at 2024-03-01T00:00:00Z`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.ObservedAt, "observed-at", "", "snapshot observation time, RFC3339 (required)")
	cmd.Flags().BoolVar(&opts.DeleteMissing, "delete-missing", false, "override the configured delete-as-missing policy for this batch")
	_ = cmd.MarkFlagRequired("observed-at")

	return cmd
}

func runSnapshot(cmd *cobra.Command, opts *SnapshotOptions, path string) error {
	observedAt, err := time.Parse(time.RFC3339, opts.ObservedAt)
	if err != nil {
		return fmt.Errorf("invalid --observed-at: %w", err)
	}

	var overrides []func(*config.Config)
	if cmd.Flags().Changed("delete-missing") {
		overrides = append(overrides, func(cfg *config.Config) {
			cfg.Dimension.DeleteMissing = opts.DeleteMissing
		})
	}

	ctx := cmd.Context()
	app, err := loadApp(ctx, opts.RootOptions, overrides...)
	if err != nil {
		return err
	}
	defer app.Close()

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	records, report, err := app.ingest.ParseSnapshot(filepath.Base(path), file)
	if err != nil {
		printIngestIssues(cmd.ErrOrStderr(), report)
		return err
	}

	run, err := app.engine.ApplySnapshot(ctx, records, observedAt)
	if err != nil {
		return err
	}
	return printRun(cmd.OutOrStdout(), opts.Format, run)
}
