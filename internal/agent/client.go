// Package agent provides the client for the patent agent service contract:
// run submission, stream attachment, cancellation, and document
// transformation planning.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/patentdraft-ai/addin-core/internal/config"
	"github.com/patentdraft-ai/addin-core/internal/model"
	"github.com/patentdraft-ai/addin-core/pkg/logger"
)

// Service is the backend contract the add-in core consumes. The production
// agent service and the local agentd server both implement it over HTTP.
type Service interface {
	// StartRun submits a run and returns its backend-assigned identifiers.
	StartRun(ctx context.Context, req *model.StartRunRequest) (*model.StartRunResponse, error)

	// OpenStream attaches to a run's event stream. The returned body
	// delivers text/event-stream frames and must be closed by the caller.
	OpenStream(ctx context.Context, runID string) (io.ReadCloser, error)

	// CancelRun asks the backend to release server-side resources for a
	// run. Best-effort; callers proceed with local cleanup regardless.
	CancelRun(ctx context.Context, runID string) error

	// Transform requests a document transformation plan.
	Transform(ctx context.Context, req *model.TransformRequest) (*model.TransformResponse, error)
}

// HTTPClient implements Service against the agent service's HTTP API.
type HTTPClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	logger    *logger.Logger
}

// NewHTTPClient creates an HTTP-backed agent service client. The http.Client
// carries no global timeout: stream reads are bounded by context, not by a
// per-request deadline.
func NewHTTPClient(cfg config.ClientConfig, log *logger.Logger) *HTTPClient {
	if log == nil {
		log = logger.NewNop()
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		http:      &http.Client{},
		logger:    log,
	}
}

// StartRun submits a run via POST /api/v1/runs.
func (c *HTTPClient) StartRun(ctx context.Context, req *model.StartRunRequest) (*model.StartRunResponse, error) {
	var resp model.StartRunResponse
	if err := c.postJSON(ctx, "/api/v1/runs", req, &resp); err != nil {
		return nil, err
	}
	if resp.RunID == "" {
		return nil, fmt.Errorf("agent: start run returned no run id")
	}
	return &resp, nil
}

// OpenStream attaches to GET /api/v1/runs/{id}/stream.
func (c *HTTPClient) OpenStream(ctx context.Context, runID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/runs/"+runID+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("agent: build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("agent: open stream: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// CancelRun posts to /api/v1/runs/{id}/cancel. No response body is required
// for the caller to proceed.
func (c *HTTPClient) CancelRun(ctx context.Context, runID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/runs/"+runID+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("agent: build cancel request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent: cancel run: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent: cancel run: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Transform requests a transformation plan via POST /api/v1/transform.
func (c *HTTPClient) Transform(ctx context.Context, req *model.TransformRequest) (*model.TransformResponse, error) {
	var resp model.TransformResponse
	if err := c.postJSON(ctx, "/api/v1/transform", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("agent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agent: decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
