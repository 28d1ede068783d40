package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/secretd/cmd/secretd/commands"
	"github.com/systmms/secretd/internal/config"
	"github.com/systmms/secretd/internal/logging"
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
		Use:   "secretd",
		Short: "Secrets lifecycle and rotation control plane",
		Long: `secretd stores versioned secrets under envelope encryption, rotates them
on schedule through external actions, replicates committed versions to
other regions and keeps an audit trail of every operation.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger := logging.New(debug, noColor)
			cfg.Path = configFile
			cfg.Logger = logger
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "secretd.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewServeCommand(cfg),
		commands.NewSecretsCommand(cfg),
		commands.NewPoliciesCommand(cfg),
		commands.NewRotateCommand(cfg),
		commands.NewJobsCommand(cfg),
		commands.NewReplicasCommand(cfg),
	)

	return rootCmd.Execute()
}
