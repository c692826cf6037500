package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply SCRIPT",
	Short: "Apply a Cypher script statement by statement",
	Long: `Apply splits SCRIPT into statements, cleans them and applies them to
Neo4j one by one, exactly as ingest does with model output. Use "-" to
read the script from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

func runApply(cmd *cobra.Command, args []string) error {
	script, err := readScript(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	p, _, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close(context.WithoutCancel(ctx))

	source := args[0]
	if source == "-" {
		source = "stdin"
	}
	res, err := p.ApplyScript(ctx, source, script)
	if res != nil {
		printResult(cmd.OutOrStdout(), *res)
	}
	return err
}

func readScript(stdin io.Reader, arg string) (string, error) {
	var (
		data []byte
		err  error
	)
	if arg == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(data), nil
}
