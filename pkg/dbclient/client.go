// Package dbclient implements the Session Agent's C2 component: the
// client used to talk to the database of record for token validation,
// credential lookup, and best-effort status/message sync.
package dbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/aixgo-dev/session-agent/pkg/sessionobs"
)

// retryDelays is the fixed backoff schedule of spec §4.2. With three
// attempts total, doJSON waits 1s before the second attempt and 2s
// before the third; the 4s entry is not reached.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

const maxAttempts = 3

// Client is a thin, stateless HTTP wrapper over the DB's endpoints. Every
// call site supplies its own dbSiteURL and bearer token because both are
// session-scoped (see pkg/sessionstate's dbSiteUrl/bearerToken keys),
// not global client configuration.
type Client struct {
	httpClient *http.Client
}

// New creates a Client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// TokenInfo is the identity resolved from a bearer token.
type TokenInfo struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// StatusUpdate is the body of upsertStatus.
type StatusUpdate struct {
	SessionID     string `json:"sessionId"`
	Status        string `json:"status"`
	IsProcessing  bool   `json:"isProcessing"`
	SnapshotID    string `json:"snapshotId,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// MessageUpsert is the body of upsertMessage.
type MessageUpsert struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
	Parts     any    `json:"parts"`
	Timestamp int64  `json:"timestamp"`
}

// ValidateToken resolves a bearer token to {userId, sessionId}, or nil if
// the token is missing, invalid, or the DB is unreachable after retries.
func (c *Client) ValidateToken(ctx context.Context, dbSiteURL, token string) (*TokenInfo, error) {
	var info TokenInfo
	ok, err := c.doJSON(ctx, dbSiteURL+"/api/validate-token", "", map[string]string{"token": token}, &info)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// FetchGitCredential fetches the GitHub access token used to clone a
// repo into a sandbox.
func (c *Client) FetchGitCredential(ctx context.Context, dbSiteURL, bearer string) (string, error) {
	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	ok, err := c.doJSON(ctx, dbSiteURL+"/api/github-token", bearer, nil, &resp)
	if err != nil || !ok {
		return "", err
	}
	return resp.AccessToken, nil
}

// FetchProviderAPIKey fetches the user's API key for a model provider, or
// "" if none is configured.
func (c *Client) FetchProviderAPIKey(ctx context.Context, dbSiteURL, bearer, provider string) (string, error) {
	var resp struct {
		APIKey string `json:"apiKey"`
	}
	ok, err := c.doJSON(ctx, dbSiteURL+"/api/user-secret", bearer, map[string]string{"provider": provider}, &resp)
	if err != nil || !ok {
		return "", err
	}
	return resp.APIKey, nil
}

// UpsertStatus sends a best-effort status sync. Failures never surface
// as an error to the caller: the actor's in-memory progress must not be
// gated on the DB being reachable.
func (c *Client) UpsertStatus(ctx context.Context, dbSiteURL, bearer string, update StatusUpdate) {
	if _, err := c.doJSON(ctx, dbSiteURL+"/api/session-status", bearer, update, nil); err != nil {
		log.Printf("dbclient: upsertStatus for session %s failed after retries: %v", update.SessionID, err)
	}
}

// UpsertMessage sends a best-effort message sync. Same fire-and-forget
// contract as UpsertStatus.
func (c *Client) UpsertMessage(ctx context.Context, dbSiteURL, bearer string, msg MessageUpsert) {
	if _, err := c.doJSON(ctx, dbSiteURL+"/api/sync-message", bearer, msg, nil); err != nil {
		log.Printf("dbclient: upsertMessage %s/%s failed after retries: %v", msg.SessionID, msg.MessageID, err)
	}
}

// doJSON POSTs body as JSON, decodes a 200 response into out (if out is
// non-nil), and reports whether the call resolved with a usable result.
// A 401/404 is a clean "no" (ok=false, err=nil); a network error or 5xx
// is retried per the fixed schedule and, on exhaustion, also reported as
// (false, nil) rather than an error — per spec §4.2, DB failures never
// abort in-memory progress.
func (c *Client) doJSON(ctx context.Context, url, bearer string, body any, out any) (ok bool, err error) {
	ctx, span := sessionobs.StartSpan(ctx, "dbclient."+spanOp(url))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("dbclient: marshal request: %w", err)
		}
		payload = encoded
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, nil
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		ok, retryable, err := c.attempt(ctx, url, bearer, payload, out)
		if err == nil {
			return ok, nil
		}
		lastErr = err
		if !retryable {
			return false, nil
		}
	}

	log.Printf("dbclient: %s exhausted %d attempts, last error: %v", url, maxAttempts, lastErr)
	return false, nil
}

// spanOp reduces a full DB URL to its trailing path segment, used as
// the span operation name ("validate-token", "session-status", ...).
func spanOp(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}

// attempt performs a single HTTP round trip. The bool "retryable" return
// tells doJSON whether a non-nil err is worth another attempt (network
// failure or 5xx) or should be treated as final.
func (c *Client) attempt(ctx context.Context, url, bearer string, payload []byte, out any) (ok bool, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return false, false, fmt.Errorf("decode response from %s: %w", url, err)
			}
		}
		return true, false, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound:
		return false, false, nil

	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		return false, true, fmt.Errorf("%s: %d %s", url, resp.StatusCode, string(body))

	default:
		body, _ := io.ReadAll(resp.Body)
		return false, false, fmt.Errorf("%s: unexpected status %d: %s", url, resp.StatusCode, string(body))
	}
}
