package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/executor"
	"github.com/perfectstorm/storm/pkg/haproxy"
	"github.com/perfectstorm/storm/pkg/metrics"
	"github.com/perfectstorm/storm/pkg/trigger"
	"github.com/perfectstorm/storm/pkg/types"
)

// ServiceLB is the load-balancer lifecycle for one exposed service of one
// application: a SingleServerManager keeping exactly one HAProxy instance
// alive, and a GroupBackendManager keeping its backend slots in sync with
// the exposed group's membership.
type ServiceLB struct {
	App  string
	Ref  types.ServiceRef
	Port int

	// Group is the backing group holding the HAProxy container.
	Group string

	// Watches observe the exposed component group and the backing group:
	// a dying endpoint and a dying balancer both demand a reconcile.
	Watches []*executor.GroupWatch

	server  *SingleServerManager
	backend *GroupBackendManager
	log     zerolog.Logger
}

func newServiceLB(c *shared, app string, ref types.ServiceRef, port int) *ServiceLB {
	group := fmt.Sprintf("%s-%s-%s-lb", app, ref.Component, ref.Service)
	logger := c.log.With().Str("service", app+"/"+ref.String()).Logger()
	lb := &ServiceLB{
		App:   app,
		Ref:   ref,
		Port:  port,
		Group: group,
		Watches: []*executor.GroupWatch{
			executor.NewGroupWatch(c.api, ref.Component),
			executor.NewGroupWatch(c.api, group),
		},
		log: logger,
	}
	lb.server = &SingleServerManager{shared: c, lb: lb}
	lb.backend = &GroupBackendManager{shared: c, lb: lb}
	return lb
}

// Key identifies the ServiceLB within its executor.
func (lb *ServiceLB) Key() string {
	return lb.App + "/" + lb.Ref.String()
}

// Update runs both managers in order: instance first, then backend
// membership against the instance it established.
func (lb *ServiceLB) Update(ctx context.Context) error {
	addr, ok, err := lb.server.Update(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return lb.backend.Update(ctx, addr)
}

// SingleServerManager ensures exactly one HAProxy container is UP for the
// service, and reports its node address.
type SingleServerManager struct {
	*shared
	lb *ServiceLB
}

// Update starts an instance if none is running. It returns the address of
// the running instance's host node; ok is false while none is reachable.
func (m *SingleServerManager) Update(ctx context.Context) (string, bool, error) {
	members, err := m.api.Groups().Members(ctx, m.lb.Group, upFilter())
	if err != nil {
		return "", false, fmt.Errorf("reading lb group %s: %w", m.lb.Group, err)
	}

	if len(members) == 0 {
		if err := m.start(ctx); err != nil {
			return "", false, err
		}
		// The instance registers into the group asynchronously via the
		// trigger handler; the next tick picks it up.
		members, err = m.api.Groups().Members(ctx, m.lb.Group, upFilter())
		if err != nil || len(members) == 0 {
			return "", false, err
		}
	}

	host, err := m.api.Shortcuts().NodeFor(ctx, members[0])
	if err != nil {
		return "", false, err
	}
	addr, err := m.api.Shortcuts().AddressFor(ctx, host)
	if err != nil {
		return "", false, err
	}
	return addr, true, nil
}

func (m *SingleServerManager) start(ctx context.Context) error {
	nodes, err := m.api.Groups().Members(ctx, m.pool, upFilter())
	if err != nil {
		return fmt.Errorf("reading nodes pool: %w", err)
	}
	if len(nodes) == 0 {
		m.lb.log.Warn().Msg("no UP node available for the load balancer")
		return nil
	}
	node := nodes[rand.Intn(len(nodes))]

	m.lb.log.Info().Str("node", node.CloudID).Int("port", m.lb.Port).Msg("starting haproxy instance")
	_, err = m.driver.Run(ctx, trigger.RecipeTrigger, trigger.RecipeRun{
		Recipe:     RecipeName,
		Params:     map[string]string{"PORT": strconv.Itoa(m.lb.Port)},
		TargetNode: node.CloudID,
		AddTo:      m.lb.Group,
	}.Arguments())
	var failed *trigger.FailedError
	if errors.As(err, &failed) {
		m.lb.log.Error().Str("reason", failed.Reason).Msg("load-balancer recipe failed")
		return nil
	}
	return err
}

// GroupBackendManager reconciles the HAProxy backend with the endpoints
// backing the exposed service.
type GroupBackendManager struct {
	*shared
	lb *ServiceLB
}

// Update diffs desired endpoints against the instance's slot table.
// Removals run first so freed slots are available to additions within the
// same tick.
func (m *GroupBackendManager) Update(ctx context.Context, lbAddr string) error {
	desired, err := m.desiredEndpoints(ctx)
	if err != nil {
		return err
	}

	client := m.haproxy(fmt.Sprintf("%s:%d", lbAddr, haproxy.RuntimePort))
	slots, err := client.GetSlots(ctx)
	if err != nil {
		return err
	}
	observed := slots.Members()

	for addr := range observed {
		if desired[addr] {
			continue
		}
		m.lb.log.Info().Str("endpoint", addr).Msg("removing backend endpoint")
		if err := slots.RemoveMember(ctx, addr); err != nil {
			return err
		}
	}
	for addr := range desired {
		if observed[addr] {
			continue
		}
		m.lb.log.Info().Str("endpoint", addr).Msg("adding backend endpoint")
		err := slots.AddMember(ctx, addr)
		if errors.Is(err, haproxy.ErrNoFreeSlot) {
			// Operator-visible capacity limit: the surplus is dropped
			// until an existing member leaves.
			m.lb.log.Error().Str("endpoint", addr).Msg("backend slots exhausted, endpoint dropped")
			continue
		}
		if err != nil {
			return err
		}
	}

	metrics.SlotsInUse.WithLabelValues(m.lb.Key()).Set(float64(len(slots.Members())))
	return nil
}

// desiredEndpoints lists addresses of UP members of the exposed group
// whose host node belongs to the pool.
func (m *GroupBackendManager) desiredEndpoints(ctx context.Context) (map[string]bool, error) {
	members, err := m.api.Groups().Members(ctx, m.lb.Ref.Component, upFilter())
	if err != nil {
		return nil, fmt.Errorf("reading group %s: %w", m.lb.Ref.Component, err)
	}

	poolNodes, err := m.api.Groups().Members(ctx, m.pool, nil)
	if err != nil {
		return nil, fmt.Errorf("reading nodes pool: %w", err)
	}
	inPool := make(map[string]bool, len(poolNodes))
	for _, n := range poolNodes {
		inPool[n.CloudID] = true
	}

	desired := make(map[string]bool)
	for _, member := range members {
		host, err := m.api.Shortcuts().NodeFor(ctx, member)
		if err != nil {
			var rerr *api.ResolutionError
			if errors.As(err, &rerr) {
				continue
			}
			return nil, err
		}
		if !inPool[host.CloudID] {
			continue
		}
		addr, err := m.api.Shortcuts().AddressFor(ctx, host)
		if err != nil {
			var rerr *api.ResolutionError
			if errors.As(err, &rerr) {
				continue
			}
			return nil, err
		}
		desired[addr] = true
	}
	return desired, nil
}
