package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/session-agent/pkg/sandboxclient"
	"github.com/aixgo-dev/session-agent/pkg/sessionconfig"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Operator-only sandbox inspection commands",
}

var debugLogsCmd = &cobra.Command{
	Use:   "logs <sandbox-id>",
	Short: "Fetch recent stdout/stderr from a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebugLogs,
}

var debugStatusCmd = &cobra.Command{
	Use:   "status <sandbox-id>",
	Short: "Fetch the sandbox provider's liveness view of a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebugStatus,
}

func init() {
	debugCmd.AddCommand(debugLogsCmd, debugStatusCmd)
}

func runDebugLogs(cmd *cobra.Command, args []string) error {
	client, err := debugSandboxClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logs, err := client.FetchLogs(ctx, args[0])
	if err != nil {
		return fmt.Errorf("fetch logs: %w", err)
	}
	return printJSON(logs)
}

func runDebugStatus(cmd *cobra.Command, args []string) error {
	client, err := debugSandboxClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	status, err := client.FetchStatus(ctx, args[0])
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	return printJSON(status)
}

func debugSandboxClient() (*sandboxclient.Client, error) {
	cfg, err := sessionconfig.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return sandboxclient.New(cfg.Sandbox.ProviderBaseURL), nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
