// Command auditctl inspects and maintains the audit ledger.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mediscan/pkg/audit"
	"mediscan/pkg/store"
)

var databaseURL string

// openStore is replaced in tests.
var openStore = func(dsn string) (store.AuditStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database url required (--database-url or DATABASE_URL)")
	}
	return store.NewGormStore(dsn)
}

var rootCmd = &cobra.Command{
	Use:           "auditctl",
	Short:         "Audit ledger maintenance",
	Long:          "auditctl verifies the audit hash chain, lists entries and runs the retention purge against the intake database.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres DSN (defaults to DATABASE_URL)")
}

func openLedger() (store.AuditStore, *audit.Ledger, error) {
	dsn := databaseURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	s, err := openStore(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	ledger, err := audit.New(audit.Config{Store: s})
	if err != nil {
		return nil, nil, err
	}
	return s, ledger, nil
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
