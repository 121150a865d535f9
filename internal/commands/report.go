package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"evalgo.org/katprep/internal/report"
)

var diffOutputDir string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect and compare errata snapshot reports",
}

var validateReportCmd = &cobra.Command{
	Use:   "validate REPORT",
	Short: "Check that a report is well-formed",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidateReport,
}

var diffReportCmd = &cobra.Command{
	Use:   "diff REPORT_A REPORT_B",
	Short: "Write the errata installed between two reports",
	Long: `Compare two errata snapshot reports and write one YAML document per host
whose outstanding errata changed. The older report (by modification time)
describes the state before maintenance; the documents are dated by the newer
one.

Examples:
  katprep report diff before.json after.json --output-dir ./deltas`,
	Args: cobra.ExactArgs(2),
	RunE: runDiffReport,
}

func init() {
	diffReportCmd.Flags().StringVar(&diffOutputDir, "output-dir", ".", "directory for the delta documents")

	reportCmd.AddCommand(validateReportCmd)
	reportCmd.AddCommand(diffReportCmd)
}

func runValidateReport(cmd *cobra.Command, args []string) error {
	result, err := report.Validate(args[0])
	if result == nil {
		return err
	}

	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Report is valid (%d hosts)\n", result.Hosts)
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "✗ Validation failed:")
	for _, e := range result.Errors {
		if e.Value != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s: %s (value: %v)\n", e.Field, e.Message, e.Value)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s: %s\n", e.Field, e.Message)
		}
	}
	return errors.New("validation failed")
}

func runDiffReport(cmd *cobra.Command, args []string) error {
	older, newer, err := report.Order(args[0], args[1])
	if err != nil {
		return err
	}

	oldReport, err := report.Load(older)
	if err != nil {
		return err
	}
	newReport, err := report.Load(newer)
	if err != nil {
		return err
	}
	date, err := report.ReportDate(newer)
	if err != nil {
		return err
	}

	result := report.Diff(oldReport, newReport, date)
	for _, s := range result.Skipped {
		logger.Info().Str("host", s.Key).Str("reason", s.Reason).Msg("Skipping host")
	}

	files, err := report.WriteDeltas(diffOutputDir, result.Deltas)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", f)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d hosts changed, %d skipped\n", len(result.Deltas), len(result.Skipped))
	return nil
}
