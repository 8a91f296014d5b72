// Package api implements the HTTP client for the remote sync service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cirkelline/localagent/pkg/api"
)

// Auth carries what every remote call must present: the bearer
// credential and the device identifier.
type Auth struct {
	Token    string
	DeviceID string
}

//go:generate moq -out client_mock.go . ClientAPI

// ClientAPI defines the remote operations used by the sync manager.
type ClientAPI interface {
	// Health checks that the service answers at all.
	Health(ctx context.Context) error

	// Pull fetches one page of remote changes.
	Pull(ctx context.Context, auth Auth, req api.PullRequest) (*api.PullResponse, error)

	// Push uploads one batch of local changes.
	Push(ctx context.Context, auth Auth, req api.PushRequest) (*api.PushResponse, error)
}

// Client is the HTTP implementation of ClientAPI.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Compile-time check that Client implements ClientAPI
var _ ClientAPI = (*Client)(nil)

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Carry auth headers across redirects.
				if len(via) > 0 {
					for _, h := range []string{"Authorization", "X-Device-ID"} {
						if v := via[0].Header.Get(h); v != "" {
							req.Header.Set(h, v)
						}
					}
				}
				return nil
			},
		},
	}
}

// Health checks the service health endpoint
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/health", Auth{}, nil, nil)
}

// Pull fetches one page of remote changes for a data type
func (c *Client) Pull(ctx context.Context, auth Auth, req api.PullRequest) (*api.PullResponse, error) {
	var resp api.PullResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/sync/pull", auth, req, &resp); err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	return &resp, nil
}

// Push uploads one batch of local changes
func (c *Client) Push(ctx context.Context, auth Auth, req api.PushRequest) (*api.PushResponse, error) {
	var resp api.PushResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/sync/push", auth, req, &resp); err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	return &resp, nil
}

// doRequest performs an HTTP request with auth headers and JSON bodies
func (c *Client) doRequest(ctx context.Context, method, path string, auth Auth, body, result interface{}) error {
	url := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth.Token != "" {
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}
	if auth.DeviceID != "" {
		req.Header.Set("X-Device-ID", auth.DeviceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Message != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Message)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
