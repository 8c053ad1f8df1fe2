package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the simulation platform's REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a platform API client. timeout bounds every request.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// ExpectationsForSource returns all pending expectations assigned to the
// given collector. The list may include kinds the collector does not handle.
func (c *Client) ExpectationsForSource(ctx context.Context, collectorID string) ([]Expectation, error) {
	endpoint := fmt.Sprintf("%s/api/expectations?source_id=%s", c.baseURL, url.QueryEscape(collectorID))

	var expectations []Expectation
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &expectations); err != nil {
		return nil, fmt.Errorf("failed to list expectations: %w", err)
	}
	return expectations, nil
}

// Asset fetches a single asset by id.
func (c *Client) Asset(ctx context.Context, assetID string) (*Asset, error) {
	endpoint := fmt.Sprintf("%s/api/assets/%s", c.baseURL, url.PathEscape(assetID))

	var asset Asset
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &asset); err != nil {
		return nil, fmt.Errorf("failed to get asset %s: %w", assetID, err)
	}
	return &asset, nil
}

// UpdateExpectation writes one verdict onto one expectation. The platform
// treats repeated writes with the same verdict as last-write-wins.
func (c *Client) UpdateExpectation(ctx context.Context, expectationID string, input UpdateInput) error {
	endpoint := fmt.Sprintf("%s/api/expectations/%s", c.baseURL, url.PathEscape(expectationID))

	if err := c.do(ctx, http.MethodPut, endpoint, input, nil); err != nil {
		return fmt.Errorf("failed to update expectation %s: %w", expectationID, err)
	}
	return nil
}

// BulkUpdateExpectations writes verdicts for many expectations in one call.
func (c *Client) BulkUpdateExpectations(ctx context.Context, inputs map[string]UpdateInput) error {
	endpoint := c.baseURL + "/api/expectations/bulk"

	body := map[string]map[string]UpdateInput{"inputs": inputs}
	if err := c.do(ctx, http.MethodPut, endpoint, body, nil); err != nil {
		return fmt.Errorf("failed to bulk update %d expectations: %w", len(inputs), err)
	}
	return nil
}

// CreateTrace records a single evidentiary trace.
func (c *Client) CreateTrace(ctx context.Context, trace Trace) error {
	endpoint := c.baseURL + "/api/expectation-traces"

	if err := c.do(ctx, http.MethodPost, endpoint, trace, nil); err != nil {
		return fmt.Errorf("failed to create trace for expectation %s: %w", trace.ExpectationID, err)
	}
	return nil
}

// BulkCreateTraces records many traces in one call.
func (c *Client) BulkCreateTraces(ctx context.Context, traces []Trace) error {
	endpoint := c.baseURL + "/api/expectation-traces/bulk"

	body := map[string][]Trace{"traces": traces}
	if err := c.do(ctx, http.MethodPost, endpoint, body, nil); err != nil {
		return fmt.Errorf("failed to bulk create %d traces: %w", len(traces), err)
	}
	return nil
}

// do executes one JSON request. A non-2xx status is returned as an error with
// the response body included for diagnostics.
func (c *Client) do(ctx context.Context, method, endpoint string, in, out interface{}) error {
	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("platform returned status %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
