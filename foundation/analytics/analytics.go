// Package analytics provides a client for a hosted analytics query service
// that executes parameterized SQL against indexed blockchain data.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Set of execution states reported by the service.
const (
	StatePending   = "QUERY_STATE_PENDING"
	StateExecuting = "QUERY_STATE_EXECUTING"
	StateCompleted = "QUERY_STATE_COMPLETED"
	StateFailed    = "QUERY_STATE_FAILED"
)

// Client manages access to the hosted query service. Parameter substitution
// happens server side; the client only ships name/value pairs.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// New constructs a client for the query service found at the base URL.
func New(base string, apiKey string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Execution represents the handle returned when a query starts executing.
type Execution struct {
	ID    string `json:"execution_id"`
	State string `json:"state"`
}

// Status represents the current state of an execution.
type Status struct {
	ID    string `json:"execution_id"`
	State string `json:"state"`
}

// Query represents the stored query definition, including its SQL text.
type Query struct {
	ID   int    `json:"query_id"`
	Name string `json:"name"`
	SQL  string `json:"sql"`
}

// ExecuteQuery submits the specified query for execution with the given
// named parameters.
func (c *Client) ExecuteQuery(ctx context.Context, queryID int, params map[string]any) (Execution, error) {
	body := struct {
		Parameters map[string]any `json:"query_parameters,omitempty"`
	}{
		Parameters: params,
	}

	var exec Execution
	url := fmt.Sprintf("%s/api/v1/query/%d/execute", c.base, queryID)
	if err := c.do(ctx, http.MethodPost, url, body, &exec); err != nil {
		return Execution{}, fmt.Errorf("execute query %d: %w", queryID, err)
	}

	if exec.ID == "" {
		return Execution{}, fmt.Errorf("execute query %d: no execution id returned", queryID)
	}

	return exec, nil
}

// ExecutionStatus returns the state of the specified execution.
func (c *Client) ExecutionStatus(ctx context.Context, executionID string) (Status, error) {
	var status Status
	url := fmt.Sprintf("%s/api/v1/execution/%s/status", c.base, executionID)
	if err := c.do(ctx, http.MethodGet, url, nil, &status); err != nil {
		return Status{}, fmt.Errorf("execution status %s: %w", executionID, err)
	}

	return status, nil
}

// ExecutionResults returns the result rows of a completed execution. Rows
// are returned exactly as the service produced them.
func (c *Client) ExecutionResults(ctx context.Context, executionID string) ([]map[string]any, error) {
	var results struct {
		Result struct {
			Rows []map[string]any `json:"rows"`
		} `json:"result"`
	}

	url := fmt.Sprintf("%s/api/v1/execution/%s/results", c.base, executionID)
	if err := c.do(ctx, http.MethodGet, url, nil, &results); err != nil {
		return nil, fmt.Errorf("execution results %s: %w", executionID, err)
	}

	return results.Result.Rows, nil
}

// QuerySQL returns the SQL text currently stored for the specified query.
func (c *Client) QuerySQL(ctx context.Context, queryID int) (string, error) {
	var query Query
	url := fmt.Sprintf("%s/api/v1/query/%d", c.base, queryID)
	if err := c.do(ctx, http.MethodGet, url, nil, &query); err != nil {
		return "", fmt.Errorf("fetch query %d: %w", queryID, err)
	}

	if query.SQL == "" {
		return "", fmt.Errorf("fetch query %d: no sql in response", queryID)
	}

	return query.SQL, nil
}

// RunToCompletion executes the query, polls its status at the specified
// interval until the service reports a terminal state, and returns the
// result rows. A failed execution is returned as an error.
func (c *Client) RunToCompletion(ctx context.Context, queryID int, params map[string]any, pollEvery time.Duration) ([]map[string]any, error) {
	exec, err := c.ExecuteQuery(ctx, queryID, params)
	if err != nil {
		return nil, err
	}

	for {
		status, err := c.ExecutionStatus(ctx, exec.ID)
		if err != nil {
			return nil, err
		}

		switch status.State {
		case StateCompleted:
			return c.ExecutionResults(ctx, exec.ID)

		case StateFailed:
			return nil, fmt.Errorf("execution %s failed", exec.ID)
		}

		timer := time.NewTimer(pollEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// do performs a single JSON request/response round trip with the service.
func (c *Client) do(ctx context.Context, method string, url string, in any, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Dune-API-Key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
