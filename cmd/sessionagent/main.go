// Command sessionagent runs the Session Agent process: the HTTP+WS
// routing shell (pkg/sessionrouter) fronting one Session Actor per
// session id, plus an operator-only debug subcommand for inspecting a
// sandbox directly against the provider.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "sessionagent",
	Short:         "Session Agent — brokers interactive coding-agent sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config YAML (falls back to env vars and defaults)")
	rootCmd.AddCommand(serveCmd, debugCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
