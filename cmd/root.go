// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package cmd provides the command-line interface for the MedCP engine.
// It implements the MCP server entry point and the operator commands for
// running one-off tool calls, listing tools, and managing backend credentials
// using the Cobra CLI framework.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	showVersion bool
	configFile  string
	logLevel    string
	logFormat   string
)

// errReported is returned by commands that already printed their failure.
var errReported = errors.New("error already reported")

// rootCmd represents the base command when called without any subcommands.
// It serves as the entry point for the MedCP CLI application.
var rootCmd = &cobra.Command{
	Use:   "medcp",
	Short: "Federated medical query engine for MCP clients",
	Long: `MedCP answers read-only questions over a biomedical knowledge graph (Neo4j)
and a de-identified clinical records store (PostgreSQL, OMOP CDM) through a
fixed set of parameterized tools, served over the Model Context Protocol.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			printVersion(cmd.OutOrStdout())
			return nil
		}
		// If no flag is set, show help
		return cmd.Help()
	},
}

// Execute runs the CLI application.
// It executes the root command and handles any errors that occur during execution.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "Show version information")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (default $XDG_CONFIG_HOME/medcp/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides MEDCP_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: json or console (overrides MEDCP_LOG_FORMAT)")
}
