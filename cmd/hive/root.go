package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Multi-agent task orchestration",
	Long: `Hive runs a swarm of sandboxed agents coordinated over a message bus.

Tasks are submitted as YAML files, decomposed when complex, scheduled
against their dependencies, and executed by agents through a registry
of permission-gated functions. Every security decision is audited.

Core capabilities:
- Dependency-aware task scheduling with priority ordering
- Capability-based security contexts with full audit trail
- Isolated sandboxes with prompted filesystem grants
- Automatic retry policies per failure class`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}
