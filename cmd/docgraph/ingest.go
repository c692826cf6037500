package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/docgraph"
	"github.com/brunobiangulo/docgraph/report"
)

var (
	ingestMode    string
	ingestForce   bool
	ingestNarrate bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Extract a graph from documents and apply it to Neo4j",
	Long: `Ingest runs every FILE through the pipeline: text extraction, graph
generation by the model, output recovery and statement-by-statement
application. Documents unchanged since their last successful run are
skipped unless --force is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestMode, "mode", "", `generation mode, "json" or "script" (default from config)`)
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "re-ingest documents even when unchanged")
	ingestCmd.Flags().BoolVar(&ingestNarrate, "narrate", false, "explain how each graph derives from its document")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, cfg, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close(context.WithoutCancel(ctx))

	var opts []docgraph.IngestOption
	if ingestForce {
		opts = append(opts, docgraph.WithForce())
	}
	if ingestMode != "" {
		opts = append(opts, docgraph.WithMode(ingestMode))
	}

	bar := newProgressBar(len(args), "Ingesting documents")
	opts = append(opts, docgraph.WithProgress(func(r docgraph.Result) {
		bar.Describe(color.BlueString("Ingested %s", filepath.Base(r.Source)))
		_ = bar.Add(1)
	}))

	results, ingestErr := p.IngestAll(ctx, args, opts...)
	_ = bar.Finish()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	for _, r := range results {
		printResult(out, r)
		if ingestNarrate && r.Document != nil {
			narrate(ctx, out, p, r)
		}
	}
	printTotals(out, results)

	if cfg.DryRun {
		color.New(color.FgYellow).Fprintln(out, "Dry run: nothing was sent to Neo4j")
	}
	return ingestErr
}

func narrate(ctx context.Context, w io.Writer, p *docgraph.Pipeline, r docgraph.Result) {
	text, err := p.Narrate(ctx, r.Document)
	if err != nil {
		slog.Warn("docgraph: narrative failed", "source", r.Source, "error", err)
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, report.Wrap(text, 80))
	fmt.Fprintln(w)
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}
