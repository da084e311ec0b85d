package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxdesk/extwatch/internal/presence"
)

// Client defines the CRUD collaborator. It allows for easy mocking in tests.
type Client interface {
	List(ctx context.Context) ([]Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	Create(ctx context.Context, rec Record) (*Record, error)
	Update(ctx context.Context, id string, patch Patch) (*Record, error)
	Delete(ctx context.Context, id string) error
}

// HTTPClient talks to the PBX agents REST API.
type HTTPClient struct {
	baseURL    string
	tokens     presence.TokenSource
	httpClient *http.Client
}

// NewClient creates a REST client. A zero timeout uses 10s.
func NewClient(baseURL string, timeout time.Duration, tokens presence.TokenSource) *HTTPClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// List returns every agent.
func (c *HTTPClient) List(ctx context.Context) ([]Record, error) {
	var out []Record
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &out); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out, nil
}

// Get returns one agent by id.
func (c *HTTPClient) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, agentPath(id), nil, &rec); err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &rec, nil
}

// Create adds an agent and returns it as stored.
func (c *HTTPClient) Create(ctx context.Context, rec Record) (*Record, error) {
	rec.Status = nil
	var out Record
	if err := c.do(ctx, http.MethodPost, "/agents", rec, &out); err != nil {
		return nil, fmt.Errorf("create agent %s: %w", rec.Extension, err)
	}
	return &out, nil
}

// Update applies a partial update and returns the stored record.
func (c *HTTPClient) Update(ctx context.Context, id string, patch Patch) (*Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodPatch, agentPath(id), patch, &out); err != nil {
		return nil, fmt.Errorf("update agent %s: %w", id, err)
	}
	return &out, nil
}

// Delete removes an agent.
func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, agentPath(id), nil, nil); err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}

func agentPath(id string) string {
	return "/agents/" + url.PathEscape(id)
}

// do executes an authenticated request. 401 maps to
// presence.ErrUnauthorized and 404 to ErrNotFound.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("load token: %w", err)
		}
		if token == "" {
			return fmt.Errorf("%w: no stored credentials", presence.ErrUnauthorized)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response from %s: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return presence.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &presence.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("parse response from %s: %w", path, err)
		}
	}
	return nil
}

// Ensure HTTPClient implements Client interface.
var _ Client = (*HTTPClient)(nil)
