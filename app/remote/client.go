// Package remote implements HTTP client for the generation server API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/umputun/jobsync/app/job"
)

const maxBodySize = 8 * 1024 * 1024 // job list can be large, all other responses are small

// Client makes requests to the generation server. Base URL is the api root, i.e. http://host:8000/api
type Client struct {
	baseURL string
	http    *http.Client
}

// Stats is the response of GET /stats
type Stats struct {
	TotalGenerations int     `json:"total_generations"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	InProgress       int     `json:"in_progress"`
	Queued           int     `json:"queued"`
	AvgDuration      float64 `json:"avg_duration"`
	TotalDuration    float64 `json:"total_duration"`
}

// Health is the response of GET /health
type Health struct {
	Status           string `json:"status"`
	ContainerRunning bool   `json:"container_running"`
	ActiveJobs       int    `json:"active_jobs"`
	TotalJobs        int    `json:"total_jobs"`
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d, %s", e.Code, e.Detail)
}

// IsNotFound checks if err is (or wraps) StatusError with 404 code
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Option configures Client
type Option func(c *Client)

// WithHTTPClient sets custom http client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets request timeout of the default http client
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

// New makes Client for the given api root
func New(baseURL string, opts ...Option) *Client {
	res := &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// BaseURL returns api root
func (c *Client) BaseURL() string { return c.baseURL }

// Jobs returns all jobs known to the server, GET /jobs
func (c *Client) Jobs(ctx context.Context) ([]job.Record, error) {
	var res []job.Record
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &res); err != nil {
		return nil, fmt.Errorf("failed to get jobs: %w", err)
	}
	return res, nil
}

// Job returns a single job, GET /jobs/{id}
func (c *Client) Job(ctx context.Context, id string) (job.Record, error) {
	var res job.Record
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &res); err != nil {
		return job.Record{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return res, nil
}

// Generate submits a new job, POST /generate. Returns the record created by the server.
func (c *Client) Generate(ctx context.Context, req job.GenerateRequest) (job.Record, error) {
	var res job.Record
	if err := c.do(ctx, http.MethodPost, "/generate", req, &res); err != nil {
		return job.Record{}, fmt.Errorf("failed to submit job: %w", err)
	}
	if res.ID == "" {
		return job.Record{}, errors.New("failed to submit job: server returned record without job id")
	}
	return res, nil
}

// Delete removes a job, DELETE /jobs/{id}
func (c *Client) Delete(ctx context.Context, id string) error {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, &resp); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	log.Printf("[DEBUG] job %s deleted, %q", id, resp.Message)
	return nil
}

// Stats returns aggregated counters, GET /stats
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var res Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &res); err != nil {
		return Stats{}, fmt.Errorf("failed to get stats: %w", err)
	}
	return res, nil
}

// Health returns server health, GET /health
func (c *Client) Health(ctx context.Context) (Health, error) {
	var res Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &res); err != nil {
		return Health{}, fmt.Errorf("failed to get health: %w", err)
	}
	return res, nil
}

// do makes a request with optional json body and decodes json response into result
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("[WARN] failed to close response body: %v", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Detail: errorDetail(data)}
	}

	if result == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorDetail extracts "detail" from error response. Detail can be a string or a list of
// validation errors, anything else is returned as trimmed raw body.
func errorDetail(data []byte) string {
	var resp struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || len(resp.Detail) == 0 {
		raw := strings.TrimSpace(string(data))
		if len(raw) > 256 {
			raw = raw[:256]
		}
		return raw
	}

	var s string
	if err := json.Unmarshal(resp.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(resp.Detail, &items); err == nil && len(items) > 0 {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			loc := make([]string, 0, len(it.Loc))
			for _, l := range it.Loc {
				loc = append(loc, fmt.Sprint(l))
			}
			msgs = append(msgs, strings.Join(loc, ".")+": "+it.Msg)
		}
		return strings.Join(msgs, "; ")
	}
	return string(resp.Detail)
}
