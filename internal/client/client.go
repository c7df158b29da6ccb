// Package client is a typed HTTP client for the seedload API.
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

	"github.com/kalambet/seedload/internal/storage"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New returns a client for baseURL. A nil httpClient uses a 30s timeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable, is seedload running? (%w)", err)
	}
	return decodeJSON(resp, out)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", err)}
		}
		var envelope struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: envelope.Error.Message, Type: envelope.Error.Type}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func projectPath(projectID, suffix string) string {
	return "/projects/" + url.PathEscape(projectID) + suffix
}

func (c *Client) CreateRun(ctx context.Context, projectID, fileName string) (storage.Run, error) {
	var run storage.Run
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "/runs"), map[string]string{"file_name": fileName}, &run)
	return run, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (storage.Run, error) {
	var run storage.Run
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &run)
	return run, err
}

// GetRunStatus returns only the run's status.
func (c *Client) GetRunStatus(ctx context.Context, runID string) (storage.RunStatus, error) {
	run, err := c.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

func (c *Client) UpdateRunStatus(ctx context.Context, runID string, status storage.RunStatus) (storage.Run, error) {
	var run storage.Run
	err := c.do(ctx, http.MethodPatch, "/runs/"+url.PathEscape(runID), map[string]string{"status": string(status)}, &run)
	return run, err
}

func (c *Client) ListRuns(ctx context.Context, projectID string, limit int) ([]storage.Run, error) {
	path := projectPath(projectID, "/runs")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var runs []storage.Run
	err := c.do(ctx, http.MethodGet, path, nil, &runs)
	return runs, err
}

func (c *Client) ListRecordsByProject(ctx context.Context, projectID string) ([]storage.SeedRecord, error) {
	var records []storage.SeedRecord
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "/records"), nil, &records)
	return records, err
}

func (c *Client) CreateEvalJob(ctx context.Context, projectID, name string) (storage.EvalJob, error) {
	var job storage.EvalJob
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "/eval-jobs"), map[string]string{"name": name}, &job)
	return job, err
}

func (c *Client) UpdateEvalJobStatus(ctx context.Context, jobID string, status storage.EvalStatus) (storage.EvalJob, error) {
	var job storage.EvalJob
	err := c.do(ctx, http.MethodPatch, "/eval-jobs/"+url.PathEscape(jobID), map[string]string{"status": string(status)}, &job)
	return job, err
}

func (c *Client) ListEvalJobs(ctx context.Context, projectID string) ([]storage.EvalJob, error) {
	var jobs []storage.EvalJob
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "/eval-jobs"), nil, &jobs)
	return jobs, err
}

// Health checks that the server answers /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
