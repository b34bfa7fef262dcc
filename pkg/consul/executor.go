package consul

import (
	"context"
	"fmt"
	"time"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/executor"
	"github.com/perfectstorm/storm/pkg/log"
	"github.com/perfectstorm/storm/pkg/trigger"
	"github.com/perfectstorm/storm/pkg/types"
)

// Executor reconciles one pool's Consul deployment: a single server,
// clients on every other node, a synchronised service catalog, and WAN
// federation with remote pools.
type Executor struct {
	ctx      *Context
	federate []string

	watches  []*executor.GroupWatch
	managers []Manager
}

// Config holds executor configuration.
type Config struct {
	API      *api.Client
	Pool     string
	Federate []string

	// CatalogTimeout bounds each Consul HTTP call.
	CatalogTimeout time.Duration

	// TriggerPollInterval overrides how often submitted triggers are
	// re-read while waiting for completion.
	TriggerPollInterval time.Duration
}

// NewExecutor creates the Consul executor for one pool.
func NewExecutor(cfg Config) *Executor {
	driver := trigger.NewDriver(cfg.API)
	if cfg.TriggerPollInterval > 0 {
		driver.PollInterval = cfg.TriggerPollInterval
	}
	return &Executor{
		ctx: &Context{
			API:              cfg.API,
			Driver:           driver,
			Catalog:          NewCatalog(cfg.CatalogTimeout),
			Log:              log.WithPool(cfg.Pool),
			Pool:             cfg.Pool,
			ServerGroup:      cfg.Pool + "-consul-server",
			ServerNodesGroup: cfg.Pool + "-consul-server-nodes",
			ClientsGroup:     cfg.Pool + "-consul-clients",
		},
		federate: cfg.Federate,
	}
}

// Name implements executor.Reconciler.
func (e *Executor) Name() string { return "consul" }

// Setup resolves the pool, upserts the three derived groups with empty
// queries (membership is manipulated explicitly, never queried) and the
// three canonical recipes, and builds the sub-managers in execution order.
func (e *Executor) Setup(ctx context.Context) error {
	c := e.ctx

	if _, err := c.API.Groups().Get(ctx, c.Pool); err != nil {
		if api.IsNotFound(err) {
			return &types.ValidationError{Resource: "group", Reason: fmt.Sprintf("nodes pool %q does not exist", c.Pool)}
		}
		return fmt.Errorf("resolving nodes pool %s: %w", c.Pool, err)
	}

	for _, name := range []string{c.ServerGroup, c.ServerNodesGroup, c.ClientsGroup} {
		if _, err := c.API.Groups().UpdateOrCreate(ctx, &types.Group{Identifier: name}); err != nil {
			return fmt.Errorf("upserting group %s: %w", name, err)
		}
	}

	for _, recipe := range recipes(c.Pool) {
		if _, err := c.API.Recipes().UpdateOrCreate(ctx, recipe); err != nil {
			return fmt.Errorf("upserting recipe %s: %w", recipe.Name, err)
		}
	}

	for _, group := range []string{c.Pool, c.ServerGroup, c.ServerNodesGroup, c.ClientsGroup} {
		e.watches = append(e.watches, executor.NewGroupWatch(c.API, group))
	}

	e.managers = []Manager{
		&ServerManager{Context: c},
		&ClientsManager{Context: c},
		&ServicesManager{Context: c},
		&FederationManager{Context: c, Federate: e.federate},
	}
	return nil
}

// Poll reports whether any watched group's membership changed. Every
// watch is consulted so all snapshots stay fresh.
func (e *Executor) Poll(ctx context.Context) (bool, error) {
	changed := false
	for _, w := range e.watches {
		c, err := w.Changed(ctx)
		if err != nil {
			return false, err
		}
		changed = changed || c
	}
	return changed, nil
}

// Run executes the sub-managers sequentially in documented order. Later
// managers read state established by earlier ones, so the first failure
// aborts the tick.
func (e *Executor) Run(ctx context.Context) error {
	for _, m := range e.managers {
		if err := m.Update(ctx); err != nil {
			return err
		}
	}
	return nil
}
