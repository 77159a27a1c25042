// Package main provides autorouter-cli, an operator tool for managing
// circuit breakers and API keys directly against the database, the way
// artpar-apigate's apigate CLI (cmd/apigate/root.go, keys.go) manages its
// own entities without going through its HTTP admin surface.
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/autorouter/autorouter/internal/sqlstore"
)

var (
	dsn     string
	dialect string
)

var rootCmd = &cobra.Command{
	Use:   "autorouter-cli",
	Short: "Operator tool for AutoRouter's circuit breakers and API keys",
	Long: `autorouter-cli manages AutoRouter's operational state directly
against its database.

Examples:
  autorouter-cli circuit-breakers list
  autorouter-cli circuit-breakers force-open upstream_123
  autorouter-cli keys create --name "ops-team" --upstreams upstream_123
  autorouter-cli keys revoke key_abc123`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "autorouter.db", "database DSN")
	rootCmd.PersistentFlags().StringVar(&dialect, "dialect", "sqlite", "database dialect: sqlite or postgres")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openDB opens the database named by the --dsn/--dialect persistent
// flags, mirroring apigate's per-command openDatabase helper: every
// subcommand opens its own handle and talks to a store directly rather
// than calling an HTTP admin API.
func openDB() (*sql.DB, sqlstore.Dialect, error) {
	d := sqlstore.Dialect(dialect)
	db, err := sqlstore.Open(d, dsn)
	if err != nil {
		return nil, d, fmt.Errorf("open database: %w", err)
	}
	return db, d, nil
}

// confirm prompts the operator for a yes/no answer before a destructive
// action, defaulting to "no" on any input other than y/yes.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	var answer string
	_, _ = fmt.Scanln(&answer)
	switch answer {
	case "y", "Y", "yes", "YES":
		return true
	default:
		return false
	}
}
