package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dimhist/internal/export"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Scope string
	Out   string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the dimension as CSV",
		Long: `Stream the dimension to a CSV file: either the current state (one row
per key) or the full version history (every validity window ever written).

Example:
  dimhist export --scope history --out ./customers-history.csv`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Scope, "scope", string(export.ScopeCurrent), "export scope (current|history)")
	cmd.Flags().StringVar(&opts.Out, "out", "", "write to this path instead of the export directory")

	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions) error {
	scope, err := export.ParseScope(opts.Scope)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	app, err := loadApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer app.Close()

	var (
		path   string
		result export.Result
	)
	if opts.Out != "" {
		file, err := os.Create(opts.Out)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		result, err = app.exporter.Export(ctx, file, scope)
		if err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("failed to close output file: %w", err)
		}
		path = opts.Out
	} else {
		path, result, err = app.exporter.ExportToFile(ctx, scope)
		if err != nil {
			return err
		}
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"path": path, "rows": result.Rows, "bytes": result.Bytes})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows (%d bytes) to %s\n", result.Rows, result.Bytes, path)
	return nil
}
