package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"tblbridge/api/internal/capacity"
	"tblbridge/api/internal/migration"
	"tblbridge/api/internal/store"
)

func printReport(w io.Writer, result migration.Result) {
	title := "MIGRATION REPORT"
	if result.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintf(w, "\n%s\n", title)
	fmt.Fprintf(w, "Success:            %t\n", result.Success)
	fmt.Fprintf(w, "Total processed:    %d\n", result.TotalProcessed)
	fmt.Fprintf(w, "Total migrated:     %d\n", result.TotalMigrated)
	if result.BackupRef != "" {
		fmt.Fprintf(w, "Backup:             %s\n", result.BackupRef)
		fmt.Fprintf(w, "Backup digest:      %s\n", result.BackupDigest)
	}
	fmt.Fprintf(w, "Average confidence: %d%%\n", result.Statistics.AverageConfidence)
	if result.RolledBack {
		fmt.Fprintln(w, "Rolled back:        true")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(w, "Errors: %d\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintf(w, "Warnings: %d\n", len(result.Warnings))
		for _, warning := range result.Warnings {
			fmt.Fprintf(w, "  - %s\n", warning)
		}
	}

	fmt.Fprintln(w, "\nPHASES")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, phase := range result.Phases {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", phase.Phase, phase.Status, phase.Duration.Round(time.Millisecond), phase.Error)
	}
	_ = tw.Flush()

	stats := result.Statistics
	fmt.Fprintln(w, "\nSTATISTICS")
	fmt.Fprintf(w, "By type:             %s\n", formatCounts(stats.ByType))
	fmt.Fprintf(w, "By capacity:         %s\n", formatCounts(stats.ByCapacity))
	fmt.Fprintf(w, "Duplicates resolved: %d\n", stats.DuplicatesResolved)
	fmt.Fprintf(w, "Auto-detected:       %d\n", stats.AutoDetected)
	fmt.Fprintf(w, "Manual overrides:    %d\n", stats.ManualOverrides)
}

func printAnalysis(w io.Writer, stats capacity.BatchStatistics) {
	fmt.Fprintln(w, "CAPACITY ANALYSIS")
	fmt.Fprintf(w, "Nodes:              %d\n", stats.Total)
	fmt.Fprintf(w, "By capacity:        %s\n", formatCounts(stats.ByCapacity))
	fmt.Fprintf(w, "Average confidence: %d%%\n", stats.AverageConfidence)
	fmt.Fprintf(w, "With warnings:      %d\n", stats.WithWarnings)
}

// formatCounts prints a digit-keyed map in key order, e.g. "1=3 6=2".
func formatCounts[K ~string](counts map[K]int) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", k, counts[K(k)])
	}
	return out
}

func printRuns(w io.Writer, runs []store.MigrationRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No migration runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tMODE\tRESULT\tMIGRATED\tBACKUP")
	for _, run := range runs {
		mode := "apply"
		if run.DryRun {
			mode = "dry-run"
		}
		outcome := "failed"
		switch {
		case run.Success:
			outcome = "ok"
		case run.RolledBack:
			outcome = "rolled back"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\n",
			run.ID,
			run.StartedAt.UTC().Format(time.RFC3339),
			mode,
			outcome,
			run.TotalMigrated,
			run.TotalProcessed,
			run.BackupRef,
		)
	}
	_ = tw.Flush()
}
