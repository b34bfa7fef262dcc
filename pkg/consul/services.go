package consul

import (
	"context"
	"errors"
	"fmt"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/metrics"
	"github.com/perfectstorm/storm/pkg/types"
)

// endpoint identifies one catalog entry: a service name bound to an
// address and port.
type endpoint struct {
	Name string
	Addr string
	Port int
}

// ServicesManager synchronises the Consul catalog with the services
// declared on every group whose members run in the pool. Only entries
// tagged ps-consul are ever added or removed; foreign services are
// invisible to the diff.
type ServicesManager struct {
	*Context
}

// Update implements Manager.
func (m *ServicesManager) Update(ctx context.Context) error {
	_, serverAddr, ok, err := m.ServerNode(ctx)
	if err != nil {
		return fmt.Errorf("resolving consul server: %w", err)
	}
	if !ok {
		m.Log.Debug().Msg("no consul server yet, skipping catalog sync")
		return nil
	}

	desired, err := m.desiredEndpoints(ctx)
	if err != nil {
		return err
	}
	observed, err := m.observedEndpoints(ctx, serverAddr)
	if err != nil {
		return err
	}

	for ep := range desired {
		if observed[ep] {
			continue
		}
		m.Log.Info().Str("service", ep.Name).Str("address", ep.Addr).Int("port", ep.Port).Msg("registering service")
		if err := m.Catalog.Register(ctx, ep.Addr, ep.Name, ep.Port); err != nil {
			return err
		}
		metrics.CatalogServicesRegistered.Inc()
	}
	for ep := range observed {
		if desired[ep] {
			continue
		}
		m.Log.Info().Str("service", ep.Name).Str("address", ep.Addr).Msg("deregistering service")
		if err := m.Catalog.Deregister(ctx, ep.Addr, ep.Name); err != nil {
			return err
		}
		metrics.CatalogServicesDeregistered.Inc()
	}
	return nil
}

// desiredEndpoints computes the catalog the declared group services imply:
// for every UP member hosted in the pool, the group itself on port 0 plus
// one entry per declared service.
func (m *ServicesManager) desiredEndpoints(ctx context.Context) (map[endpoint]bool, error) {
	poolNodes, err := m.API.Groups().Members(ctx, m.Pool, nil)
	if err != nil {
		return nil, fmt.Errorf("reading nodes pool: %w", err)
	}
	inPool := make(map[string]bool, len(poolNodes))
	for _, n := range poolNodes {
		inPool[n.CloudID] = true
	}

	groups, err := m.API.Groups().All(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	desired := make(map[endpoint]bool)
	for _, group := range groups {
		members, err := m.UpMembers(ctx, group.Identifier)
		if err != nil {
			if api.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("reading group %s: %w", group.Identifier, err)
		}
		for _, member := range members {
			addr, ok, err := m.resolveMember(ctx, member, inPool)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			desired[endpoint{Name: group.Identifier, Addr: addr}] = true
			for _, svc := range group.Services {
				desired[endpoint{
					Name: group.Identifier + "-" + svc.Name,
					Addr: addr,
					Port: svc.Port,
				}] = true
			}
		}
	}
	return desired, nil
}

// resolveMember maps a member to its host node address, reporting ok=false
// for members that cannot be resolved or whose host is outside the pool.
func (m *ServicesManager) resolveMember(ctx context.Context, member *types.Node, inPool map[string]bool) (string, bool, error) {
	host, err := m.API.Shortcuts().NodeFor(ctx, member)
	if err != nil {
		var rerr *api.ResolutionError
		if errors.As(err, &rerr) {
			return "", false, nil
		}
		return "", false, err
	}
	if !inPool[host.CloudID] {
		return "", false, nil
	}
	addr, err := m.API.Shortcuts().AddressFor(ctx, host)
	if err != nil {
		var rerr *api.ResolutionError
		if errors.As(err, &rerr) {
			return "", false, nil
		}
		return "", false, err
	}
	return addr, true, nil
}

// observedEndpoints reads the catalog back, keeping only managed entries.
func (m *ServicesManager) observedEndpoints(ctx context.Context, serverAddr string) (map[endpoint]bool, error) {
	services, err := m.Catalog.Services(ctx, serverAddr)
	if err != nil {
		return nil, err
	}

	observed := make(map[endpoint]bool)
	for name := range services {
		entries, err := m.Catalog.Service(ctx, serverAddr, name)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.Managed() {
				continue
			}
			observed[endpoint{
				Name: entry.ServiceName,
				Addr: entry.Address,
				Port: entry.ServicePort,
			}] = true
		}
	}
	return observed, nil
}
