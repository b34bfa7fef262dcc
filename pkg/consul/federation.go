package consul

import (
	"context"
	"errors"
	"fmt"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/trigger"
)

// FederationManager joins the local datacenter to the Consul servers of
// remote pools over the WAN. A remote pool qualifies only while it has
// exactly one UP server; anything else is skipped this tick.
type FederationManager struct {
	*Context

	// Federate lists the remote pool names to join.
	Federate []string

	joined map[string]bool
}

// Update implements Manager.
func (m *FederationManager) Update(ctx context.Context) error {
	if len(m.Federate) == 0 {
		return nil
	}
	if m.joined == nil {
		m.joined = make(map[string]bool)
	}

	localServer, _, ok, err := m.ServerNode(ctx)
	if err != nil {
		return fmt.Errorf("resolving local consul server: %w", err)
	}
	if !ok {
		m.Log.Debug().Msg("no local consul server yet, skipping federation")
		return nil
	}

	for _, pool := range m.Federate {
		if m.joined[pool] {
			continue
		}
		if err := m.joinPool(ctx, pool, localServer.CloudID); err != nil {
			m.Log.Error().Err(err).Str("remote_pool", pool).Msg("wan join failed")
		}
	}
	return nil
}

func (m *FederationManager) joinPool(ctx context.Context, pool, localServerNode string) error {
	remoteGroup := pool + "-consul-server"
	servers, err := m.UpMembers(ctx, remoteGroup)
	if api.IsNotFound(err) {
		m.Log.Debug().Str("remote_pool", pool).Msg("remote pool has no server group yet")
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case len(servers) == 0:
		m.Log.Debug().Str("remote_pool", pool).Msg("remote pool has no UP server yet")
		return nil
	case len(servers) > 1:
		// One server per pool is the deployment invariant; seeing more
		// means the remote pool is mid-transition or misconfigured.
		m.Log.Warn().Str("remote_pool", pool).Int("servers", len(servers)).
			Msg("remote pool has multiple UP servers, not joining")
		return nil
	}

	remoteNode, err := m.API.Shortcuts().NodeFor(ctx, servers[0])
	if err != nil {
		return err
	}
	remoteAddr, err := m.API.Shortcuts().AddressFor(ctx, remoteNode)
	if err != nil {
		return err
	}

	m.Log.Info().Str("remote_pool", pool).Str("wan_address", remoteAddr).Msg("joining remote datacenter")
	_, err = m.Driver.Run(ctx, trigger.RecipeTrigger, trigger.RecipeRun{
		Recipe:     RecipeJoinWAN,
		Params:     map[string]string{"WAN_ADDRESS": remoteAddr},
		TargetNode: localServerNode,
	}.Arguments())
	var failed *trigger.FailedError
	if errors.As(err, &failed) {
		m.Log.Error().Str("reason", failed.Reason).Str("remote_pool", pool).Msg("wan join recipe failed")
		return nil
	}
	if err != nil {
		return err
	}

	m.joined[pool] = true
	return nil
}
