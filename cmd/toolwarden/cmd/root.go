// Package cmd provides the CLI commands for Tool Warden.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolwarden/toolwarden/internal/config"
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "toolwarden",
	Short: "Tool Warden - authorization decision core for tool-call gateways",
	Long: `Tool Warden decides whether agent tool calls may proceed.

It evaluates each call in two layers: fast in-memory classification and
rule matching against an immutable policy bundle, then delegation to
stateful policy protocols (approval, rate limits, constraints, flow and
identity rules) for calls a rule routes to them.

Quick start:
  1. Create a config file: toolwarden.yaml
  2. Run: toolwarden start

Configuration:
  Config is loaded from toolwarden.yaml in the current directory,
  $HOME/.toolwarden/, or /etc/toolwarden/.

  Environment variables can override config values with the TOOLWARDEN_ prefix.
  Example: TOOLWARDEN_SERVER_HTTP_ADDR=:9090

Commands:
  start        Start the decision server
  hash-digest  Compute the argument digest for a JSON document
  version      Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./toolwarden.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to the policy state file (default: ./toolwarden-state.json)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
