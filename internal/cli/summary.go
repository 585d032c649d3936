package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"dimhist/internal/domain"
	"dimhist/internal/ingestion"
)

// printRun renders one run summary as aligned text or JSON.
func printRun(w io.Writer, format string, run domain.EngineRun) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", run.ID)
	fmt.Fprintf(tw, "kind\t%s\n", run.Kind)
	fmt.Fprintf(tw, "status\t%s\n", run.Status)
	fmt.Fprintf(tw, "observed_at\t%s\n", run.ObservedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "records\t%d\n", run.RecordCount)
	fmt.Fprintf(tw, "inserted_first\t%d\n", run.Summary.InsertedFirst)
	fmt.Fprintf(tw, "closed_and_inserted\t%d\n", run.Summary.ClosedAndInserted)
	fmt.Fprintf(tw, "updated_in_place\t%d\n", run.Summary.UpdatedInPlace)
	fmt.Fprintf(tw, "closed_no_replacement\t%d\n", run.Summary.ClosedNoReplacement)
	fmt.Fprintf(tw, "skipped_duplicate\t%d\n", run.Summary.SkippedDuplicate)
	fmt.Fprintf(tw, "unchanged\t%d\n", run.Summary.Unchanged)
	fmt.Fprintf(tw, "missing_ignored\t%d\n", run.Summary.MissingIgnored)
	if run.Error != nil {
		fmt.Fprintf(tw, "error\t%s\n", *run.Error)
	}
	return tw.Flush()
}

// printRuns renders a run listing, one line per run.
func printRuns(w io.Writer, format string, runs []domain.EngineRun) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tOBSERVED_AT\tRECORDS\tAPPLIED\tSKIPPED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			run.ID, run.Kind, run.Status,
			run.ObservedAt.UTC().Format(time.RFC3339),
			run.RecordCount, run.Summary.Applied(), run.Summary.SkippedDuplicate)
	}
	return tw.Flush()
}

// printIngestIssues lists per-row validation failures on stderr so the
// rejection error stays the last line.
func printIngestIssues(w io.Writer, report ingestion.Report) {
	for _, issue := range report.Issues {
		fmt.Fprintf(w, "row %d: %s\n", issue.Row, issue.Message)
	}
	if report.IssuesTrunc {
		fmt.Fprintf(w, "... and %d more\n", report.IssueCount-len(report.Issues))
	}
}
