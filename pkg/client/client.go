package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beaconhq/beacon/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client wraps the Beacon HTTP API for easy programmatic and CLI usage
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for a Beacon server. addr is the base URL, for
// example "http://127.0.0.1:8080".
func New(addr string) *Client {
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// NewWithHTTPClient creates a client using the supplied http.Client; used
// when the caller needs custom transport or timeout behavior.
func NewWithHTTPClient(addr string, hc *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    hc,
	}
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("beacon api: %d %s", e.StatusCode, e.Message)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// TaskDetails is a task together with its recent timeline
type TaskDetails struct {
	Task     *types.Task        `json:"task"`
	Timeline []*types.TaskEvent `json:"timeline"`
}

// ActiveTasks returns the tasks currently in flight
func (c *Client) ActiveTasks(ctx context.Context) ([]*types.Task, error) {
	var body struct {
		Tasks []*types.Task `json:"tasks"`
	}
	if err := c.get(ctx, "/tasks/active", &body); err != nil {
		return nil, err
	}
	return body.Tasks, nil
}

// TaskDetails returns one task and a page of its timeline
func (c *Client) TaskDetails(ctx context.Context, taskID string, limit, offset int) (*TaskDetails, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/tasks/" + url.PathEscape(taskID) + "/details"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var body TaskDetails
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// MetricAggregation is the windowed roll-up of one series. Aggregates are
// nil when the window holds no samples.
type MetricAggregation struct {
	Name          string   `json:"name"`
	WindowSeconds int      `json:"window_seconds"`
	Count         float64  `json:"count"`
	Avg           *float64 `json:"avg"`
	Min           *float64 `json:"min"`
	Max           *float64 `json:"max"`
	P95           *float64 `json:"p95"`
}

// Metric returns the aggregation of a series over the trailing window
func (c *Client) Metric(ctx context.Context, name string, window time.Duration) (*MetricAggregation, error) {
	path := fmt.Sprintf("/metrics/%s?time_window=%d", url.PathEscape(name), int(window.Seconds()))
	var body MetricAggregation
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// MetricHistory returns bucketed averages over the trailing hours
func (c *Client) MetricHistory(ctx context.Context, name string, hours, resolution int) ([]*float64, error) {
	path := fmt.Sprintf("/metrics/%s/history?hours=%d&resolution=%d",
		url.PathEscape(name), hours, resolution)
	var body struct {
		Buckets []*float64 `json:"buckets"`
	}
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	return body.Buckets, nil
}

// Alerts returns firing alerts, optionally filtered by severity
func (c *Client) Alerts(ctx context.Context, severity types.Severity) ([]*types.Alert, error) {
	path := "/alerts"
	if severity != "" {
		path += "?level=" + url.QueryEscape(string(severity))
	}
	var body struct {
		Alerts []*types.Alert `json:"alerts"`
	}
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	return body.Alerts, nil
}

// AcknowledgeAlert marks a firing alert as acknowledged
func (c *Client) AcknowledgeAlert(ctx context.Context, alertID, by string) (*types.Alert, error) {
	path := "/alerts/" + url.PathEscape(alertID) + "/acknowledge"
	if by != "" {
		path += "?acknowledged_by=" + url.QueryEscape(by)
	}
	var body types.Alert
	if err := c.post(ctx, path, nil, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Dashboard returns the composite dashboard payload
func (c *Client) Dashboard(ctx context.Context) (map[string]json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := c.get(ctx, "/data", &body); err != nil {
		return nil, err
	}
	return body, nil
}

// Refresh invalidates the server-side dashboard cache
func (c *Client) Refresh(ctx context.Context) error {
	return c.post(ctx, "/refresh", nil, nil)
}

// Health returns the component health roll-up
func (c *Client) Health(ctx context.Context) (map[string]json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := c.get(ctx, "/health", &body); err != nil {
		return nil, err
	}
	return body, nil
}
