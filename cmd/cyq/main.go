package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cyql-db/cyql"
)

func main() {
	var dbPath string
	var maxHops int

	rootCmd := &cobra.Command{
		Use:   "cyq",
		Short: "Run Cypher queries against a cyql store",
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the SQLite store file (empty for in-memory)")
	rootCmd.PersistentFlags().IntVar(&maxHops, "max-hops", 10, "hop cap for variable-length relationships")

	execCmd := &cobra.Command{
		Use:   "exec <cypher>",
		Short: "Execute a single Cypher statement and print its Result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			db, err := cyql.Open(dbPath, cyql.WithMaxHops(maxHops), cyql.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer db.Close()

			result := db.Execute(cmd.Context(), args[0], nil)
			return printResult(result)
		},
	}

	replCmd := &cobra.Command{
		Use:   "repl",
		Short: "Read Cypher statements from stdin, one per line, printing each Result",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			db, err := cyql.Open(dbPath, cyql.WithMaxHops(maxHops), cyql.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer db.Close()

			return runREPL(cmd.Context(), db)
		},
	}

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(replCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runREPL(ctx context.Context, db *cyql.DB) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		result := db.Execute(ctx, line, nil)
		if err := printResult(result); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func printResult(result cyql.Result) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(result)
}
