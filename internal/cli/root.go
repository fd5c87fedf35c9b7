// Package cli provides the command-line interface for chialog.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/V4T54L/chialog/internal/cli/commands"
)

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		// SilenceErrors keeps cobra from printing it.
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCommand creates the root command. Without a subcommand it behaves
// like "run".
func NewRootCommand() *cobra.Command {
	opts := &commands.RunOptions{}
	rootCmd := &cobra.Command{
		Use:   "chialog",
		Short: "Ship Chia debug logs into a database",
		Long: `chialog ingests rotated Chia debug.log files into MongoDB, PostgreSQL or
SQLite on a schedule. Each file is recorded with a marker so that nothing is
ingested twice across restarts.

The store backend is picked from the scheme of mongo.connection:
  mongodb:// or mongodb+srv://   capped MongoDB collection
  postgres:// or postgresql://   PostgreSQL tables
  sqlite://<path>                local SQLite file`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.RunIngest(cmd, opts)
		},
	}

	rootCmd.PersistentFlags().String(commands.ConfigFlag, "", "config file (default "+commands.DefaultConfigHint()+")")
	commands.AddRunFlags(rootCmd.Flags(), opts)

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewValidateCommand())
	rootCmd.AddCommand(commands.NewTailCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	return rootCmd
}
