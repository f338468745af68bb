package soltest

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/soltest-io/soltest/runner"
)

// ResultFormatter is responsible for formatting and displaying test results.
type ResultFormatter interface {
	FormatResults(result *runner.Result) error
}

// ConsoleResultFormatter renders a run's results as a table. The same
// rendering is written to the output writer and returned by Rendered for
// the per-run summary log.
type ConsoleResultFormatter struct {
	logger   log.Logger
	out      io.Writer
	rendered string
}

// NewConsoleResultFormatter creates a new ConsoleResultFormatter.
func NewConsoleResultFormatter(logger log.Logger, out io.Writer) *ConsoleResultFormatter {
	return &ConsoleResultFormatter{
		logger: logger,
		out:    out,
	}
}

// Rendered returns the text produced by the last FormatResults call.
func (f *ConsoleResultFormatter) Rendered() string {
	return f.rendered
}

// FormatResults formats and displays the test results.
func (f *ConsoleResultFormatter) FormatResults(result *runner.Result) error {
	f.logger.Info("Printing results...")
	t := table.NewWriter()
	t.SetOutputMirror(f.out)
	t.SetTitle(fmt.Sprintf("Contract Test Results (%s)", formatDuration(result.Duration)))

	// Configure columns
	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Tests", "Passed", "Failed", "Skipped", "Status", "Error",
	})

	// Set column configurations for better readability
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, pkg := range result.Packages {
		stats := pkg.TestStats()

		// Package row - show test counts but no "1" in Tests column
		t.AppendRow(table.Row{
			"Package",
			pkg.Package,
			formatDuration(pkg.Duration),
			"-",
			stats.Passed,
			stats.Failed,
			stats.Skipped,
			getResultString(pkg.Status),
			"",
		})

		for i, test := range pkg.Tests {
			prefix := "├──"
			if i == len(pkg.Tests)-1 {
				prefix = "└──"
			}

			t.AppendRow(table.Row{
				"Test",
				fmt.Sprintf("%s %s", prefix, test.Name),
				formatDuration(test.Duration),
				"1",
				boolToInt(test.Status == runner.TestStatusPass),
				boolToInt(test.Status == runner.TestStatusFail),
				boolToInt(test.Status == runner.TestStatusSkip),
				getResultString(test.Status),
				extractKeyErrorMessage(test.Error),
			})

			// Subtests, in stable name order
			subNames := make([]string, 0, len(test.SubTests))
			for name := range test.SubTests {
				subNames = append(subNames, name)
			}
			sort.Strings(subNames)
			for j, name := range subNames {
				subTest := test.SubTests[name]
				subPrefix := "│   ├──"
				if j == len(subNames)-1 {
					subPrefix = "│   └──"
				}

				t.AppendRow(table.Row{
					"",
					fmt.Sprintf("%s %s", subPrefix, name),
					formatDuration(subTest.Duration),
					"1",
					boolToInt(subTest.Status == runner.TestStatusPass),
					boolToInt(subTest.Status == runner.TestStatusFail),
					boolToInt(subTest.Status == runner.TestStatusSkip),
					getResultString(subTest.Status),
					extractKeyErrorMessage(subTest.Error),
				})
			}
		}

		t.AppendSeparator()
	}

	// Update the table style setting based on result status
	switch result.Status() {
	case runner.TestStatusPass:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case runner.TestStatusSkip:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	// Add summary footer
	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(result.Duration),
		result.Stats.Total,
		result.Stats.Passed,
		result.Stats.Failed,
		result.Stats.Skipped,
		getResultString(result.Status()),
		"",
	})

	f.rendered = t.Render()
	fmt.Fprintln(f.out, result.String())
	return nil
}

var _ ResultFormatter = &ConsoleResultFormatter{}

// extractKeyErrorMessage extracts the most pertinent part of the error message for display
func extractKeyErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// Look for the markers Go tests and testify leave in their output
	for _, pattern := range []string{"panic:", "Error:", "Fatal:", "FAIL:"} {
		if idx := strings.Index(errStr, pattern); idx != -1 {
			end := len(errStr)
			if newLine := strings.Index(errStr[idx:], "\n"); newLine != -1 {
				end = idx + newLine
			}
			return strings.TrimSpace(errStr[idx:end])
		}
	}

	// If we can't find a specific pattern, limit to the first line or 80 chars
	if idx := strings.Index(errStr, "\n"); idx != -1 {
		errStr = errStr[:idx]
	}
	if len(errStr) > 80 {
		return errStr[:70] + "..."
	}
	return errStr
}

// Helper function to convert bool to int
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// getResultString returns a colored string representing the test result
func getResultString(status runner.TestStatus) string {
	switch status {
	case runner.TestStatusPass:
		return "✓ pass"
	case runner.TestStatusSkip:
		return "- skip"
	default:
		return "✗ fail"
	}
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
