// dbchat is a natural language chat over a PostgreSQL database, backed
// by short-lived Vault-issued credentials.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dbchat",
	Short: "Ask a database questions in plain language",
	Long: `dbchat serves a chat UI and API that turn natural language questions
into read-only SQL, run them against PostgreSQL, and answer from the results.
Database credentials are short-lived: they are read from sidecar-rendered
files or issued per session from the Vault database secrets engine, renewed
while the session lives, and revoked when it ends.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, askCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
