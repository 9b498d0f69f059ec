package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "acc",
		Short: "Run and supervise automated Claude Code sessions",
		Long: `acc supervises Claude CLI agent sessions: it spawns the agent in
stream-json mode, reassembles its output, persists every session to disk,
and serves a realtime view over WebSocket and REST.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewSessionsCommand())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
