package sandboxclient

import (
	"context"
	"net/http"
	"time"
)

// LogsResult is the supplemented operator-only view of a sandbox's
// recent output, modeled on original_source/modal/sandbox.py's
// get_sandbox_logs. Not part of the browser-facing HTTP contract in
// spec §6 — used only by cmd/sessionagent's debug subcommand.
type LogsResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// FetchLogs retrieves recent stdout/stderr from a sandbox for
// operator-side debugging.
func (c *Client) FetchLogs(ctx context.Context, sandboxID string) (*LogsResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out LogsResult
	url := c.providerURL("/sandboxes/" + sandboxID + "/logs")
	if err := c.doJSON(ctx, "fetchLogs", http.MethodGet, url, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusResult is the supplemented operator-only sandbox status view,
// modeled on get_sandbox_status.
type StatusResult struct {
	State string `json:"state"`
}

// FetchStatus retrieves the sandbox provider's own view of a sandbox's
// liveness, independent of the agent server's /global/health.
func (c *Client) FetchStatus(ctx context.Context, sandboxID string) (*StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out StatusResult
	url := c.providerURL("/sandboxes/" + sandboxID + "/status")
	if err := c.doJSON(ctx, "fetchStatus", http.MethodGet, url, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
