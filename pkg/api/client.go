package api

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

	"github.com/perfectstorm/storm/pkg/query"
)

// DefaultServer is the API server address used when none is configured.
const DefaultServer = "http://127.0.0.1:8000"

// Client provides typed access to the Perfect Storm API server.
type Client struct {
	baseURL string
	http    *http.Client
}

// Config holds client configuration.
type Config struct {
	// Server is the base URL of the API server (e.g. http://host:8000).
	Server string

	// Timeout bounds every HTTP call. A wedged server must not stall an
	// executor indefinitely.
	Timeout time.Duration
}

// NewClient creates an API client. The zero Config uses DefaultServer and a
// 30 second per-call timeout.
func NewClient(cfg Config) *Client {
	server := cfg.Server
	if server == "" {
		server = DefaultServer
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(server, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Groups returns the groups collection.
func (c *Client) Groups() *GroupsService { return &GroupsService{c: c} }

// Apps returns the applications collection.
func (c *Client) Apps() *AppsService { return &AppsService{c: c} }

// Recipes returns the recipes collection.
func (c *Client) Recipes() *RecipesService { return &RecipesService{c: c} }

// Triggers returns the triggers collection.
func (c *Client) Triggers() *TriggersService { return &TriggersService{c: c} }

// Nodes returns the nodes collection.
func (c *Client) Nodes() *NodesService { return &NodesService{c: c} }

// Shortcuts returns the resolution facade.
func (c *Client) Shortcuts() *Shortcuts { return &Shortcuts{c: c} }

// do performs a request against path, encoding body (if non-nil) as JSON
// and decoding the response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &ConnectionError{URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ClientError{
			StatusCode: resp.StatusCode,
			Method:     method,
			URL:        u,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// queryParams encodes a query expression into the q= request parameter.
func queryParams(expr query.Expr) (url.Values, error) {
	if expr == nil {
		return nil, nil
	}
	q, err := query.Marshal(expr)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}
	return url.Values{"q": {q}}, nil
}
