package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/dbcreds/cmd/dbcreds/commands"
	"github.com/systmms/dbcreds/internal/config"
	"github.com/systmms/dbcreds/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "dbcreds",
		Short: "Database credential broker for Vault and AWS Secrets Manager",
		Long: `dbcreds obtains database credentials from a secret backend, proves
them against the database, caches them until shortly before they expire,
and renews, revokes or rotates them on request.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewResolveCommand(cfg),
		commands.NewLeaseCommand(cfg),
		commands.NewStaticCommand(cfg),
		commands.NewCacheCommand(cfg),
		commands.NewHealthCommand(cfg),
		commands.NewServeCommand(cfg),
	)

	return rootCmd.Execute()
}
