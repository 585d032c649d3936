package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <file>",
		Short: "Apply a JSONL change feed",
		Long: `Apply a change-data-capture feed: one JSON event per line, each with an
action (insert, update or delete), a business key and a timestamp.

Example:
  dimhist events ./changes.jsonl`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd, rootOpts, args[0])
		},
	}
	return cmd
}

func runEvents(cmd *cobra.Command, opts *RootOptions, path string) error {
	ctx := cmd.Context()
	app, err := loadApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open events file: %w", err)
	}
	defer file.Close()

	events, report, err := app.ingest.ParseEvents(file)
	if err != nil {
		printIngestIssues(cmd.ErrOrStderr(), report)
		return err
	}

	run, err := app.engine.ApplyEvents(ctx, events)
	if err != nil {
		return err
	}
	return printRun(cmd.OutOrStdout(), opts.Format, run)
}
