package consul

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TagManaged marks catalog entries owned by Perfect Storm. Services
// without it are someone else's and are never touched.
const TagManaged = "ps-consul"

// HTTPPort is the Consul agent HTTP API port.
const HTTPPort = 8500

// CatalogEntry is one registered instance of a service.
type CatalogEntry struct {
	ServiceName string   `json:"ServiceName"`
	Address     string   `json:"Address"`
	ServicePort int      `json:"ServicePort"`
	ServiceTags []string `json:"ServiceTags"`
}

// Managed reports whether the entry carries the Perfect Storm tag.
func (e *CatalogEntry) Managed() bool {
	for _, tag := range e.ServiceTags {
		if tag == TagManaged {
			return true
		}
	}
	return false
}

// Catalog talks to Consul agents over their HTTP API.
type Catalog struct {
	http *http.Client
	port int
}

// NewCatalog creates a catalog client. A wedged agent must not stall the
// executor, so every call is bounded by timeout.
func NewCatalog(timeout time.Duration) *Catalog {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Catalog{
		http: &http.Client{Timeout: timeout},
		port: HTTPPort,
	}
}

func (c *Catalog) url(addr, path string) string {
	return fmt.Sprintf("http://%s:%d%s", addr, c.port, path)
}

func (c *Catalog) get(ctx context.Context, addr, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, path), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("consul agent %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("consul agent %s: GET %s returned %d: %s", addr, path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Catalog) put(ctx context.Context, addr, path string, body any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(addr, path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("consul agent %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("consul agent %s: PUT %s returned %d: %s", addr, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}

// Services lists the catalog's service names as seen by the agent at addr.
func (c *Catalog) Services(ctx context.Context, addr string) (map[string][]string, error) {
	var out map[string][]string
	if err := c.get(ctx, addr, "/v1/catalog/services", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Service lists the registered instances of one service.
func (c *Catalog) Service(ctx context.Context, addr, name string) ([]*CatalogEntry, error) {
	var out []*CatalogEntry
	if err := c.get(ctx, addr, "/v1/catalog/service/"+name, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type registration struct {
	Name string   `json:"Name"`
	Port int      `json:"Port,omitempty"`
	Tags []string `json:"Tags"`
}

// Register registers a managed service on the agent at addr.
func (c *Catalog) Register(ctx context.Context, addr, name string, port int) error {
	body := registration{Name: name, Port: port, Tags: []string{TagManaged}}
	return c.put(ctx, addr, "/v1/agent/service/register", body)
}

// Deregister removes a managed service from the agent at addr.
func (c *Catalog) Deregister(ctx context.Context, addr, name string) error {
	return c.put(ctx, addr, "/v1/agent/service/deregister/"+name, nil)
}
