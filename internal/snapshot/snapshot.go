// Package snapshot fetches the command history of a sandbox over HTTP.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/sandboxwatch/internal/codec"
	"pkt.systems/sandboxwatch/internal/logx"
	"pkt.systems/sandboxwatch/schema"
)

const maxBodyBytes = 16 << 20

// StatusError reports a non-2xx snapshot response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("snapshot request failed: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("snapshot request failed: %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

// Unwrap maps 404 to schema.ErrSandboxNotFound.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return schema.ErrSandboxNotFound
	}
	return nil
}

// Client talks to the sandbox API.
type Client struct {
	base *url.URL
	http *http.Client
}

// New constructs a Client for the API rooted at baseURL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url must use http or https, got %q", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host, got %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{base: parsed, http: &http.Client{Timeout: timeout}}, nil
}

// Fetch returns the recorded commands of a sandbox in server order.
func (c *Client) Fetch(ctx context.Context, sandboxID schema.SandboxID) ([]schema.CommandRecord, error) {
	if err := schema.ValidateSandboxID(sandboxID); err != nil {
		return nil, err
	}
	log := logx.WithSandbox(ctx, sandboxID)
	endpoint := c.base.JoinPath("v1", "sandboxes", string(sandboxID), "commands")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: errorMessage(body)}
	}
	records, skipped, err := codec.DecodeSnapshot(body)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("snapshot skipped malformed records", "count", skipped)
	}
	log.Debug("snapshot fetched", "commands", len(records))
	return records, nil
}

// IsNotFound reports whether err means the sandbox does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, schema.ErrSandboxNotFound)
}

func errorMessage(body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
