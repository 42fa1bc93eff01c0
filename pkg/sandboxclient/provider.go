package sandboxclient

import (
	"context"
	"net/http"
	"time"
)

// CreateSandboxInput is the request body for CreateSandbox.
type CreateSandboxInput struct {
	Repo           string `json:"repo"`
	GitCredential  string `json:"gitCredential"`
	ProviderAPIKey string `json:"providerApiKey,omitempty"`
}

// CreateSandboxResult is the response from CreateSandbox. BranchName is
// a supplemented field (original_source/modal/sandbox.py provisions a
// session branch named "opencode/session-<ts>" on create); it is
// informational and does not participate in any SessionState invariant.
type CreateSandboxResult struct {
	SandboxID  string `json:"sandboxId"`
	TunnelURL  string `json:"tunnelUrl"`
	BranchName string `json:"branchName,omitempty"`
}

// CreateSandbox provisions a fresh sandbox cloned from repo, using
// gitCredential to authenticate the clone and to configure the commit
// identity, and checks out a new session branch. Budget: 120 s.
func (c *Client) CreateSandbox(ctx context.Context, in CreateSandboxInput) (*CreateSandboxResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	var out CreateSandboxResult
	if err := c.doJSON(ctx, "createSandbox", http.MethodPost, c.providerURL("/sandboxes"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SnapshotSandboxInput is the request body for SnapshotSandbox.
type SnapshotSandboxInput struct {
	SandboxID string `json:"sandboxId"`
}

// SnapshotSandbox requests a filesystem snapshot of a running sandbox.
// background controls the budget: 10 s for the opportunistic
// auto-snapshot after a prompt completes, 30 s for an explicit request.
func (c *Client) SnapshotSandbox(ctx context.Context, sandboxID string, background bool) (string, error) {
	budget := 30 * time.Second
	if background {
		budget = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var out struct {
		SnapshotID string `json:"snapshotId"`
	}
	in := SnapshotSandboxInput{SandboxID: sandboxID}
	if err := c.doJSON(ctx, "snapshotSandbox", http.MethodPost, c.providerURL("/sandboxes/snapshot"), in, &out); err != nil {
		return "", err
	}
	return out.SnapshotID, nil
}

// PauseSandbox requests a snapshot-then-pause of sandboxID. Per the
// original implementation, the provider only tears the sandbox down
// after the snapshot succeeds; a caller that sees a non-Conflict error
// here must not clear the session's sandbox references, since the
// sandbox may still be alive (see pause pipeline in
// internal/sessionactor). Budget: 30 s.
func (c *Client) PauseSandbox(ctx context.Context, sandboxID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var out struct {
		SnapshotID string `json:"snapshotId"`
	}
	in := SnapshotSandboxInput{SandboxID: sandboxID}
	if err := c.doJSON(ctx, "pauseSandbox", http.MethodPost, c.providerURL("/sandboxes/pause"), in, &out); err != nil {
		return "", err
	}
	return out.SnapshotID, nil
}

// ResumeSandboxResult is the response from ResumeSandbox.
type ResumeSandboxResult struct {
	SandboxID string `json:"sandboxId"`
	TunnelURL string `json:"tunnelUrl"`
}

// ResumeSandbox restores a sandbox from a previously-taken snapshot.
// Budget: 120 s.
func (c *Client) ResumeSandbox(ctx context.Context, snapshotID string) (*ResumeSandboxResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	var out ResumeSandboxResult
	in := struct {
		SnapshotID string `json:"snapshotId"`
	}{SnapshotID: snapshotID}
	if err := c.doJSON(ctx, "resumeSandbox", http.MethodPost, c.providerURL("/sandboxes/resume"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TerminateSandbox best-effort terminates a sandbox. Budget: 30 s.
// Callers are expected to swallow the error (spec §4.1: "best-effort,
// errors swallowed") — it is still returned here so the actor can log
// it.
func (c *Client) TerminateSandbox(ctx context.Context, sandboxID string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	in := SnapshotSandboxInput{SandboxID: sandboxID}
	return c.doJSON(ctx, "terminateSandbox", http.MethodPost, c.providerURL("/sandboxes/terminate"), in, nil)
}
