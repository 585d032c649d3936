package cli

import (
	"github.com/spf13/cobra"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Limit  int
	Offset int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent engine runs",
		Long: `List recent batch runs, newest first, with their status and operation
counts.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "number of runs to skip")

	return cmd
}

func runRuns(cmd *cobra.Command, opts *RunsOptions) error {
	ctx := cmd.Context()
	app, err := loadApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer app.Close()

	runs, err := app.store.ListRuns(ctx, opts.Limit, opts.Offset)
	if err != nil {
		return err
	}
	return printRuns(cmd.OutOrStdout(), opts.Format, runs)
}
