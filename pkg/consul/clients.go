package consul

import (
	"context"
	"errors"
	"fmt"

	"github.com/perfectstorm/storm/pkg/query"
	"github.com/perfectstorm/storm/pkg/trigger"
)

// ClientsManager fans a Consul client out to every UP pool node that does
// not already run one. The server node is covered by the server agent and
// is never given a client.
type ClientsManager struct {
	*Context
}

// Update implements Manager.
func (m *ClientsManager) Update(ctx context.Context) error {
	serverNode, serverAddr, ok, err := m.ServerNode(ctx)
	if err != nil {
		return fmt.Errorf("resolving consul server: %w", err)
	}
	if !ok {
		// Nothing to join until ServerManager establishes a server.
		m.Log.Debug().Msg("no consul server yet, skipping client fan-out")
		return nil
	}

	have, err := m.nodesWithClients(ctx)
	if err != nil {
		return err
	}
	have[serverNode.CloudID] = true

	pool, err := m.UpMembers(ctx, m.Pool)
	if err != nil {
		return fmt.Errorf("reading nodes pool: %w", err)
	}

	var firstErr error
	for _, node := range pool {
		if have[node.CloudID] {
			continue
		}
		if err := m.startClient(ctx, node.CloudID, serverAddr); err != nil {
			// One bad node never stops the fan-out to the others.
			m.Log.Error().Err(err).Str("node", node.CloudID).Msg("consul client start failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil && !isRetryable(firstErr) {
		return firstErr
	}
	return nil
}

// nodesWithClients returns the pool node ids already running a client
// container, resolved through the engine._id linkage.
func (m *ClientsManager) nodesWithClients(ctx context.Context) (map[string]bool, error) {
	clients, err := m.API.Groups().Members(ctx, m.ClientsGroup, nil)
	if err != nil {
		return nil, fmt.Errorf("reading clients group: %w", err)
	}
	have := make(map[string]bool, len(clients))
	if len(clients) == 0 {
		return have, nil
	}

	// Client containers share their engine with the node hosting them.
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		if c.Engine != nil && c.Engine.ID != "" {
			ids = append(ids, c.Engine.ID)
		}
	}
	hosts, err := m.API.Groups().Members(ctx, m.Pool, query.In("engine._id", ids...))
	if err != nil {
		return nil, fmt.Errorf("resolving client host nodes: %w", err)
	}
	for _, h := range hosts {
		have[h.CloudID] = true
	}
	return have, nil
}

func (m *ClientsManager) startClient(ctx context.Context, nodeID, serverAddr string) error {
	node, err := m.API.Nodes().Get(ctx, nodeID)
	if err != nil {
		return err
	}
	addr, err := m.API.Shortcuts().AddressFor(ctx, node)
	if err != nil {
		return err
	}

	m.Log.Info().Str("node", nodeID).Str("address", addr).Msg("starting consul client")
	_, err = m.Driver.Run(ctx, trigger.RecipeTrigger, trigger.RecipeRun{
		Recipe: RecipeClient,
		Params: map[string]string{
			"DATACENTER":     m.Pool,
			"SERVER_ADDRESS": serverAddr,
			"CLIENT_ADDRESS": addr,
		},
		TargetNode: nodeID,
		AddTo:      m.ClientsGroup,
	}.Arguments())
	return err
}

// isRetryable distinguishes failures the next tick will naturally retry
// (failed triggers, per-node resolution trouble) from errors worth
// surfacing to the loop now.
func isRetryable(err error) bool {
	var failed *trigger.FailedError
	return errors.As(err, &failed)
}
