package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/perfectstorm/storm/pkg/query"
	"github.com/perfectstorm/storm/pkg/types"
)

// NodesService reads the cluster graph. Reconcilers only read it; the
// write operations (Register, Deregister) are used by trigger handlers to
// publish the resources they create.
type NodesService struct {
	c *Client
}

const nodesPath = "/v1/nodes/"

// All lists every node record.
func (s *NodesService) All(ctx context.Context) ([]*types.Node, error) {
	var out []*types.Node
	if err := s.c.do(ctx, http.MethodGet, nodesPath, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches one node by cloud id.
func (s *NodesService) Get(ctx context.Context, cloudID string) (*types.Node, error) {
	var out types.Node
	if err := s.c.do(ctx, http.MethodGet, nodesPath+url.PathEscape(cloudID)+"/", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Query lists node records matching the given expression.
func (s *NodesService) Query(ctx context.Context, expr query.Expr) ([]*types.Node, error) {
	params, err := queryParams(expr)
	if err != nil {
		return nil, err
	}
	var out []*types.Node
	if err := s.c.do(ctx, http.MethodGet, nodesPath, params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Register publishes a new resource record, typically a container created
// by a trigger handler.
func (s *NodesService) Register(ctx context.Context, n *types.Node) (*types.Node, error) {
	var out types.Node
	if err := s.c.do(ctx, http.MethodPost, nodesPath, nil, n, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deregister removes a resource record.
func (s *NodesService) Deregister(ctx context.Context, cloudID string) error {
	return s.c.do(ctx, http.MethodDelete, nodesPath+url.PathEscape(cloudID)+"/", nil, nil, nil)
}
