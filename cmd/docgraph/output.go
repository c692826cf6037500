package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/brunobiangulo/docgraph"
	"github.com/brunobiangulo/docgraph/executor"
	"github.com/brunobiangulo/docgraph/journal"
)

const statementPreview = 100

func statusColor(status string) *color.Color {
	switch status {
	case journal.StatusOK:
		return color.New(color.FgGreen)
	case journal.StatusPartial:
		return color.New(color.FgYellow)
	case docgraph.StatusSkipped:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgRed)
	}
}

func statusMark(status string) string {
	switch status {
	case journal.StatusOK:
		return "✓"
	case journal.StatusPartial:
		return "!"
	case docgraph.StatusSkipped:
		return "-"
	default:
		return "✗"
	}
}

// printResult writes one line per document followed by the statements
// that were not applied.
func printResult(w io.Writer, r docgraph.Result) {
	c := statusColor(r.Status)
	c.Fprintf(w, "%s %-8s", statusMark(r.Status), r.Status)
	fmt.Fprintf(w, " %s", r.Source)

	switch {
	case r.Skipped:
		fmt.Fprint(w, " (unchanged)")
	case r.Summary.Total() > 0:
		fmt.Fprintf(w, " %s", formatSummary(r.Summary))
	}
	if r.RunID != "" {
		fmt.Fprintf(w, " run=%s", r.RunID)
	}
	fmt.Fprintln(w)

	if r.Error != "" {
		fmt.Fprintf(w, "    %s\n", color.RedString("%s", r.Error))
	}
	printOutcomes(w, executor.Failed(r.Outcomes))
}

func formatSummary(s executor.Summary) string {
	parts := []string{fmt.Sprintf("applied=%d", s.Applied)}
	if n := s.SyntaxRejected + s.StoreRejected; n > 0 {
		parts = append(parts, fmt.Sprintf("rejected=%d", n))
	}
	if s.Aborted > 0 {
		parts = append(parts, fmt.Sprintf("aborted=%d", s.Aborted))
	}
	if s.SkippedEmpty > 0 {
		parts = append(parts, fmt.Sprintf("empty=%d", s.SkippedEmpty))
	}
	return strings.Join(parts, " ")
}

// printOutcomes lists outcomes with their index, status and store message.
func printOutcomes(w io.Writer, outcomes []executor.Outcome) {
	for _, o := range outcomes {
		fmt.Fprintf(w, "    #%d %s %s\n", o.Index, color.YellowString("%s", o.Status), preview(o.Statement))
		if o.Message != "" {
			fmt.Fprintf(w, "       %s\n", o.Message)
		}
	}
}

// printTotals writes a single line counting documents per status.
func printTotals(w io.Writer, results []docgraph.Result) {
	if len(results) < 2 {
		return
	}
	counts := map[string]int{}
	for _, r := range results {
		counts[r.Status]++
	}
	order := []string{journal.StatusOK, journal.StatusPartial, docgraph.StatusSkipped, journal.StatusAborted, journal.StatusFailed}
	var parts []string
	for _, s := range order {
		if counts[s] > 0 {
			parts = append(parts, statusColor(s).Sprintf("%d %s", counts[s], s))
		}
	}
	fmt.Fprintf(w, "\n%d documents: %s\n", len(results), strings.Join(parts, ", "))
}

func printRuns(w io.Writer, runs []journal.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %s  %s  %-6s  %s  %s\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			statusColor(r.Status).Sprintf("%-8s", r.Status),
			r.Mode,
			r.Source,
			formatSummary(r.Summary),
		)
	}
}

func preview(statement string) string {
	r := []rune(strings.Join(strings.Fields(statement), " "))
	if len(r) <= statementPreview {
		return string(r)
	}
	return string(r[:statementPreview]) + "..."
}
