/*
main.go - Application entry point

PURPOSE:
  Root command for the billing engine CLI. Loads configuration from the
  environment (and an optional .env file), builds the shared logger, and
  dispatches to the subcommands.

COMMANDS:
  serve    Run the HTTP API server
  export   Write the statutory flat file for a tenant and year
  verify   Run the integrity checks for a tenant

CONFIGURATION:
  DB_PATH      SQLite database path (default: facturio.db)
  PORT         HTTP server port (default: 8080, serve only)
  LOG_LEVEL    debug, info, warn, error (default: info)
  LOG_FORMAT   json (default) or console

  A .env file in the working directory is loaded when present; real
  environment variables win over it.

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/facturio/billing-engine/logger"
	"github.com/facturio/billing-engine/store/sqlite"
)

var (
	rootLog zerolog.Logger
	dbPath  string
)

func main() {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()
	rootLog = logger.New()

	root := &cobra.Command{
		Use:   "facturio",
		Short: "Billing engine with tamper-evident invoice chains",
		Long: "Facturio issues invoices and credit notes on per-tenant gapless\n" +
			"sequences with hash-chained documents, keeps a signed audit trail,\n" +
			"and produces statutory accounting exports.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", envOr("DB_PATH", "facturio.db"), "SQLite database path")

	root.AddCommand(serveCmd(), exportCmd(), verifyCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openStore opens the database for a subcommand.
func openStore() (*sqlite.Store, error) {
	return sqlite.New(dbPath)
}
