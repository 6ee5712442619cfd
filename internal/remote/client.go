// Package remote is the HTTP client for the pin API consumed by the
// sync engine and the facade.
//
// The API is a conventional create/update/list service over records
// keyed by a server-assigned identifier. Creates carry an
// Idempotency-Key header; submitting the same key twice returns the
// existing record instead of creating a duplicate, which is what makes
// drain retries safe.
//
// Failures are classified into two kinds the sync engine can act on:
// TransientError (timeout, connection reset, 5xx) and RejectedError
// (4xx validation).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fieldmark/pindrop/internal/pin"
)

// DefaultTimeout bounds each network call. Exceeding it is a transient
// failure, not a cancellation of the whole drain.
const DefaultTimeout = 10 * time.Second

// Client talks to the remote pin API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the API at baseURL (no trailing slash
// required). If httpClient is nil a default with DefaultTimeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
	}
}

// Create submits a new pin, including its idempotency key. The server
// collapses duplicate submissions of the same key and returns the
// existing record, so Create is safe to retry.
func (c *Client) Create(ctx context.Context, p *pin.Pin) (*pin.Pin, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pin %s: %w", p.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pins", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", p.IdempotencyKey)
	}

	return c.doRecord("create", req)
}

// Update submits a partial field-change payload for the pin with the
// given server identifier.
func (c *Client) Update(ctx context.Context, id string, changes pin.Changes) (*pin.Pin, error) {
	body, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal changes for %s: %w", id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/pins/"+id, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRecord("update", req)
}

// List fetches the full collection.
func (c *Client) List(ctx context.Context) ([]*pin.Pin, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pins", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build list request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "list", Err: err}
	}
	defer resp.Body.Close()

	if err := classify("list", resp); err != nil {
		return nil, err
	}

	var pins []*pin.Pin
	if err := json.NewDecoder(resp.Body).Decode(&pins); err != nil {
		return nil, fmt.Errorf("failed to decode pin list: %w", err)
	}
	return pins, nil
}

// Delete removes the pin with the given server identifier. Deletion is
// delegated to the remote authority; there is no offline fallback.
func (c *Client) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/pins/"+id, nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "delete", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classify("delete", resp)
}

// Ping probes the API. Any HTTP response, including an error status,
// means the path to the server is up; only transport-level failures
// count as unreachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/pins", nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "ping", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) doRecord(op string, req *http.Request) (*pin.Pin, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := classify(op, resp); err != nil {
		return nil, err
	}

	var p pin.Pin
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return &p, nil
}

// classify maps a response status to the error taxonomy. 2xx is
// success. All 5xx retry safely here: creates are idempotent and
// updates re-apply the same change set.
func classify(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return &TransientError{Op: op, Status: resp.StatusCode}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RejectedError{Op: op, Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
}
