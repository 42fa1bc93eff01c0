// Package sandboxclient implements the Session Agent's C1 component: a
// typed client over the sandbox provider's lifecycle HTTP API
// (create/pause/resume/terminate/snapshot) and the agent server's
// HTTP+SSE API running inside a live sandbox.
package sandboxclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/aixgo-dev/session-agent/pkg/sessionobs"
)

// retryDelays is the same fixed backoff schedule used by pkg/dbclient
// (spec §4.2), reused here for the sandbox-provider's retryable
// failure kinds (NetworkTimeout, Transient5xx).
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

const maxAttempts = 3

// Client talks to the sandbox provider and to agent servers running
// inside sandboxes it creates.
type Client struct {
	providerBaseURL string
	httpClient      *http.Client
}

// New creates a Client. providerBaseURL is the sandbox provider's HTTP
// API root (e.g. "https://provider.internal"); per-call timeouts are
// applied via context, not the client's own Timeout field, since
// operations range from 5 s health probes to 120 s sandbox creation.
func New(providerBaseURL string) *Client {
	return &Client{
		providerBaseURL: providerBaseURL,
		httpClient:      &http.Client{},
	}
}

// doJSON performs one JSON request/response round trip, retrying
// retryable failure kinds per the fixed schedule. method/url/body
// describe the request; out receives the decoded response body when
// non-nil. The context's deadline (set by the caller per spec §4.1's
// per-operation timeout table) bounds the whole retry loop.
func (c *Client) doJSON(ctx context.Context, op, method, url string, body, out any) (err error) {
	ctx, span := sessionobs.StartSpan(ctx, "sandboxclient."+op)
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
			return newError(op, BadRequest, 0, "marshal request", err)
		}
		payload = encoded
	}

	var lastErr *Error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return newError(op, NetworkTimeout, 0, "context canceled during retry backoff", ctx.Err())
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		err := c.attempt(ctx, op, method, url, payload, out)
		if err == nil {
			return nil
		}

		sandboxErr, ok := err.(*Error)
		if !ok {
			return err
		}
		lastErr = sandboxErr
		if !sandboxErr.Kind.Retryable() {
			return sandboxErr
		}
	}

	return lastErr
}

func (c *Client) attempt(ctx context.Context, op, method, url string, payload []byte, out any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return newError(op, BadRequest, 0, "build request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return newError(op, NetworkTimeout, 0, "request timed out", err)
		}
		return newError(op, NetworkTimeout, 0, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return newError(op, BadRequest, resp.StatusCode, "decode response", err)
			}
		}
		return nil
	}

	data, _ := io.ReadAll(resp.Body)
	return newError(op, kindForStatus(resp.StatusCode), resp.StatusCode, string(data), nil)
}

func (c *Client) providerURL(path string) string {
	return c.providerBaseURL + path
}
