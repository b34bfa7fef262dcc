package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/perfectstorm/storm/pkg/query"
	"github.com/perfectstorm/storm/pkg/types"
)

// Shortcuts resolves common cross-resource lookups: the node hosting a
// container, and the routable address of a node.
type Shortcuts struct {
	c *Client
}

// NodeFor resolves a container or group member to its hosting physical
// node via the engine._id linkage. Zero or multiple matches produce a
// ResolutionError.
func (s *Shortcuts) NodeFor(ctx context.Context, resource *types.Node) (*types.Node, error) {
	id := resource.CloudID
	if resource.Engine != nil && resource.Engine.ID != "" {
		id = resource.Engine.ID
	}
	nodes, err := s.c.Nodes().Query(ctx, query.And(
		query.Eq("mkgNodeType", types.NodeTypeEngine),
		query.Eq("type", types.TypePhysicalServer),
		query.Eq("engine._id", id),
	))
	if err != nil {
		return nil, err
	}
	if len(nodes) != 1 {
		return nil, &ResolutionError{What: fmt.Sprintf("host node for %s", resource.CloudID), Found: len(nodes)}
	}
	return nodes[0], nil
}

// AddressFor returns the node's routable IP address, read from its single
// port record.
func (s *Shortcuts) AddressFor(ctx context.Context, node *types.Node) (string, error) {
	ports, err := s.c.Nodes().Query(ctx, query.And(
		query.Eq("mkgNodeType", types.NodeTypePort),
		query.Eq("engine._id", node.CloudID),
	))
	if err != nil {
		return "", err
	}
	if len(ports) != 1 {
		return "", &ResolutionError{What: fmt.Sprintf("port record for %s", node.CloudID), Found: len(ports)}
	}

	// The port record stores a JSON map keyed by address.
	var addrs map[string]any
	if err := json.Unmarshal([]byte(ports[0].IPAddress), &addrs); err != nil {
		return "", fmt.Errorf("parsing addresses of %s: %w", node.CloudID, err)
	}
	if len(addrs) != 1 {
		return "", &ResolutionError{What: fmt.Sprintf("address for %s", node.CloudID), Found: len(addrs)}
	}
	for addr := range addrs {
		return addr, nil
	}
	return "", &ResolutionError{What: fmt.Sprintf("address for %s", node.CloudID)}
}
