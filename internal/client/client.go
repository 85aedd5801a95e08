// Package client talks to a running BuildOS server over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/buildos/buildos/internal/models"
)

// APIError is a non-2xx answer of the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client is a BuildOS API client.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Enqueue requests a job for gitURI, or for the registered repository repoID
// when gitURI is empty.
func (c *Client) Enqueue(ctx context.Context, repoID, gitURI string) (*models.EnqueueResponse, error) {
	var resp models.EnqueueResponse
	req := models.EnqueueRequest{RepoID: repoID, GitURI: gitURI}
	if err := c.do(ctx, http.MethodPost, "/pipeline/enqueue", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Tasks lists jobs in enqueue order, optionally only those of repoID.
func (c *Client) Tasks(ctx context.Context, repoID string) ([]models.Job, error) {
	query := url.Values{}
	if repoID != "" {
		query.Set("repo_id", repoID)
	}
	var jobs []models.Job
	if err := c.do(ctx, http.MethodGet, "/pipeline/tasks", query, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Task returns a single job.
func (c *Client) Task(ctx context.Context, id string) (*models.Job, error) {
	var resp struct {
		Job models.Job `json:"job"`
	}
	if err := c.do(ctx, http.MethodGet, "/pipeline/tasks/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Job, nil
}

// Current returns the running job, or nil and the server's message when the
// worker is idle.
func (c *Client) Current(ctx context.Context) (*models.Job, string, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/pipeline/current", nil, nil, &raw); err != nil {
		return nil, "", err
	}

	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, "", fmt.Errorf("failed to decode response: %w", err)
	}
	if job.ID != "" {
		return &job, "", nil
	}

	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, "", fmt.Errorf("failed to decode response: %w", err)
	}
	return nil, msg.Message, nil
}

// Kill cancels the running job.
func (c *Client) Kill(ctx context.Context) (string, error) {
	return c.message(ctx, http.MethodPost, "/pipeline/kill", nil)
}

// Remove deletes a queued job.
func (c *Client) Remove(ctx context.Context, id string) (string, error) {
	return c.message(ctx, http.MethodPost, "/pipeline/remove", map[string]string{"job_id": id})
}

// Logs returns the log entries of a job after afterID.
func (c *Client) Logs(ctx context.Context, id string, afterID int64) ([]models.LogEntry, error) {
	query := url.Values{"after_id": {strconv.FormatInt(afterID, 10)}}
	var entries []models.LogEntry
	if err := c.do(ctx, http.MethodGet, "/pipeline/logs_json/"+url.PathEscape(id), query, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Follow tails the log of a job from afterID, calling fn for every entry in
// id order, until the job reaches a terminal status and its log is drained.
// It returns the terminal job.
func (c *Client) Follow(ctx context.Context, id string, afterID int64, poll time.Duration, fn func(models.LogEntry)) (*models.Job, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		// Status first: once terminal, the read below sees the whole log.
		job, err := c.Task(ctx, id)
		if err != nil {
			return nil, err
		}
		entries, err := c.Logs(ctx, id, afterID)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			fn(entry)
			afterID = entry.ID
		}
		if job.Status.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Repositories lists the registered repositories.
func (c *Client) Repositories(ctx context.Context) ([]models.Repository, error) {
	var repos []models.Repository
	if err := c.do(ctx, http.MethodGet, "/pipeline/repositories", nil, nil, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// AddRepository registers a repository.
func (c *Client) AddRepository(ctx context.Context, gitURI string) (*models.Repository, error) {
	var repo models.Repository
	if err := c.do(ctx, http.MethodPost, "/pipeline/repositories", nil, map[string]string{"git_uri": gitURI}, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

func (c *Client) message(ctx context.Context, method, path string, body any) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, method, path, nil, body, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
