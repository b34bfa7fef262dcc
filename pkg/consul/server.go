package consul

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/perfectstorm/storm/pkg/trigger"
	"github.com/perfectstorm/storm/pkg/types"
)

// ServerManager ensures the pool has one running Consul server. It elects
// a host node, records the election in the server-nodes group, and runs
// the consul-server recipe against it.
type ServerManager struct {
	*Context
}

// Update implements Manager.
func (m *ServerManager) Update(ctx context.Context) error {
	servers, err := m.UpMembers(ctx, m.ServerGroup)
	if err != nil {
		return fmt.Errorf("reading server group: %w", err)
	}
	if len(servers) > 0 {
		return nil
	}

	node, err := m.electServerNode(ctx)
	if err != nil {
		return err
	}
	if node == nil {
		m.Log.Warn().Msg("no UP node available to host the consul server")
		return nil
	}

	// Idempotent: re-adding an existing member is a no-op server-side.
	if err := m.API.Groups().AddMembers(ctx, m.ServerNodesGroup, []string{node.CloudID}); err != nil {
		return fmt.Errorf("recording server node election: %w", err)
	}

	addr, err := m.API.Shortcuts().AddressFor(ctx, node)
	if err != nil {
		return fmt.Errorf("resolving server node address: %w", err)
	}

	m.Log.Info().Str("node", node.CloudID).Str("address", addr).Msg("starting consul server")
	_, err = m.Driver.Run(ctx, trigger.RecipeTrigger, trigger.RecipeRun{
		Recipe: RecipeServer,
		Params: map[string]string{
			"DATACENTER":     m.Pool,
			"SERVER_ADDRESS": addr,
			"CLIENT_ADDRESS": addr,
		},
		TargetNode: node.CloudID,
		AddTo:      m.ServerGroup,
	}.Arguments())
	var failed *trigger.FailedError
	if errors.As(err, &failed) {
		// Next reconcile retries the election from scratch.
		m.Log.Error().Str("reason", failed.Reason).Msg("consul server recipe failed")
		return nil
	}
	return err
}

// electServerNode prefers a node already elected into the server-nodes
// group; failing that it draws a uniform-random UP member of the pool.
func (m *ServerManager) electServerNode(ctx context.Context) (*types.Node, error) {
	elected, err := m.UpMembers(ctx, m.ServerNodesGroup)
	if err != nil {
		return nil, fmt.Errorf("reading server nodes group: %w", err)
	}
	if len(elected) > 0 {
		return elected[0], nil
	}

	pool, err := m.UpMembers(ctx, m.Pool)
	if err != nil {
		return nil, fmt.Errorf("reading nodes pool: %w", err)
	}
	if len(pool) == 0 {
		return nil, nil
	}
	return pool[rand.Intn(len(pool))], nil
}
