package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/docgraph"
)

var (
	configPath string
	verbose    bool
	dryRun     bool
)

var rootCmd = &cobra.Command{
	Use:   "docgraph",
	Short: "Turn documents into a Neo4j knowledge graph",
	Long: `docgraph extracts the text of PDF, Office, text and image documents,
asks a language model to describe them as a graph and applies the
resulting Cypher statements to Neo4j one by one.

Configuration is read from --config, docgraph.yaml or
~/.docgraph/config.yaml, then overridden by NEO4J_* and DOCGRAPH_*
environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "record statements instead of sending them to Neo4j")

	rootCmd.AddCommand(ingestCmd, applyCmd, reportCmd, runsCmd, rejectedCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		stop()
		os.Exit(1)
	}
}

// loadConfig reads the configuration, applies the persistent flags and
// installs the default logger.
func loadConfig() (docgraph.Config, error) {
	cfg, err := docgraph.LoadConfig(configPath)
	if err != nil {
		return docgraph.Config{}, err
	}
	if dryRun {
		cfg.DryRun = true
	}

	level := logLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

// openPipeline loads the configuration and builds a Pipeline from it.
func openPipeline(ctx context.Context) (*docgraph.Pipeline, docgraph.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	p, err := docgraph.New(ctx, cfg)
	if err != nil {
		return nil, cfg, fmt.Errorf("creating pipeline: %w", err)
	}
	return p, cfg, nil
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
