package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/docgraph/executor"
	"github.com/brunobiangulo/docgraph/journal"
	"github.com/brunobiangulo/docgraph/report"
)

var (
	reportJSON  bool
	reportWidth int
	runsLimit   int
	rejectedRaw bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Describe the graph currently stored in Neo4j",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs from the journal",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

var rejectedCmd = &cobra.Command{
	Use:   "rejected [RUN_ID]",
	Short: "Show the statements a run did not apply",
	Long: `Rejected lists the syntax-rejected, store-rejected and aborted
statements of RUN_ID, or of the newest run when RUN_ID is omitted. With
--raw only the statements are printed, one per line, ready to be fixed
and fed back to "docgraph apply -".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRejected,
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print the summary as JSON")
	reportCmd.Flags().IntVar(&reportWidth, "width", 80, "wrap the narrative at this column")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "number of runs to show")
	rejectedCmd.Flags().BoolVar(&rejectedRaw, "raw", false, "print only the statements")
}

func runReport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DryRun {
		return errors.New("report needs a Neo4j store, not a dry run")
	}

	ctx := cmd.Context()
	store, err := executor.NewNeo4jStore(ctx, executor.Neo4jConfig{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.Username,
		Password: cfg.Neo4j.Password,
		Database: cfg.Neo4j.Database,
	})
	if err != nil {
		return fmt.Errorf("connecting to neo4j: %w", err)
	}
	defer store.Close(context.WithoutCancel(ctx))

	sum, err := report.Describe(ctx, store)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if reportJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	fmt.Fprintln(out, report.Wrap(sum.Narrative(), reportWidth))
	return nil
}

func openJournal() (*journal.Journal, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.DisableJournal {
		return nil, errors.New("the journal is disabled in the configuration")
	}
	return journal.Open(cfg.JournalFile())
}

func runRuns(cmd *cobra.Command, _ []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	runs, err := j.Runs(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}
	printRuns(cmd.OutOrStdout(), runs)
	return nil
}

func runRejected(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	var runID string
	if len(args) == 1 {
		runID = args[0]
	}
	outcomes, err := j.Rejected(cmd.Context(), runID)
	if errors.Is(err, journal.ErrNotFound) {
		if runID == "" {
			return errors.New("the journal has no runs yet")
		}
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rejectedRaw {
		for _, o := range outcomes {
			fmt.Fprintln(out, o.Statement)
		}
		return nil
	}
	printOutcomes(out, outcomes)
	return nil
}
