// Package apiclient is a thin HTTP client for the build API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"iso-builder/internal/api"
	"iso-builder/internal/models"
)

const defaultBaseURL = "http://localhost:8080"

var (
	// ErrNotFound matches an APIError with status 404.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited matches an APIError with status 429.
	ErrRateLimited = errors.New("rate limited")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// Is lets callers test for ErrNotFound and ErrRateLimited with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Client talks to the /api routes.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// New constructs a client for baseURL. An empty baseURL targets localhost.
func New(baseURL string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Submit queues a build with cfg as its configuration object.
func (c *Client) Submit(ctx context.Context, cfg json.RawMessage) (api.BuildResponse, error) {
	var out api.BuildResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/build", cfg, &out)
	return out, err
}

func (c *Client) Builds(ctx context.Context) (api.BuildsResponse, error) {
	var out api.BuildsResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/builds", nil, &out)
	return out, err
}

func (c *Client) Build(ctx context.Context, id string) (models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodGet, "/api/builds/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Log(ctx context.Context, id string) (api.LogResponse, error) {
	var out api.LogResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/builds/"+url.PathEscape(id)+"/log", nil, &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, id string) ([]models.BuildEvent, error) {
	var out struct {
		Events []models.BuildEvent `json:"events"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/builds/"+url.PathEscape(id)+"/events", nil, &out)
	return out.Events, err
}

// Download streams the ISO of a completed build into w and returns the
// file name announced by the server. Presigned redirects are followed.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/downloads/"+url.PathEscape(id), nil)
	if err != nil {
		return "", err
	}
	// Downloads may outlive the request timeout.
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("download %s: %w", id, err)
	}
	return filename(resp, id), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	// read up to 1KB of body for error message
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

func filename(resp *http.Response, id string) string {
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if base := resp.Request.URL.Path; base != "" {
		if i := strings.LastIndex(base, "/"); i >= 0 && strings.HasSuffix(base, ".iso") {
			return base[i+1:]
		}
	}
	return id + ".iso"
}
