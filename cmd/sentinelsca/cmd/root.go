// Package cmd provides the CLI commands for the Sentinel Compliance Agent.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinelsca/sca/internal/config"
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "sentinelsca",
	Short: "Sentinel Compliance Agent - policy gateway and ops control pipeline",
	Long: `sentinelsca enforces policy on agent commands and runs the ops control
pipeline that turns a probe-detected incident into an approved,
executed remediation.

It provides API key/HMAC authentication, replay protection, a
deterministic-plus-CEL policy classifier, dual reputation tracking,
and a hash-chained audit trail for every /analyze decision.

Quick start:
  1. Create a config file: sentinelsca.yaml
  2. Run: sentinelsca serve

Configuration:
  Config is loaded from sentinelsca.yaml in the current directory,
  $HOME/.sentinelsca/, or /etc/sentinelsca/.

  Environment variables can override config values with the SCA_ prefix.
  Example: SCA_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the HTTP gateway and the ops pipeline workers
  hash-key    Generate an Argon2id hash for an agent API key
  version     Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sentinelsca.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to state.json file (default: ./state.json)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
