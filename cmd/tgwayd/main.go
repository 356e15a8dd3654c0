// Command tgwayd is the multi-tenant Telegram messaging gateway process.
// `tgwayd serve` is the only long-running entry point; `tgwayd migrate`
// exists purely so an operator can apply schema_migrations without
// starting the send pipeline (spec §9 design note).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "tgwayd",
	Short:        "Multi-tenant Telegram messaging gateway",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
