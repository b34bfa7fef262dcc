package loadbalancer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/executor"
	"github.com/perfectstorm/storm/pkg/haproxy"
	"github.com/perfectstorm/storm/pkg/log"
	"github.com/perfectstorm/storm/pkg/query"
	"github.com/perfectstorm/storm/pkg/trigger"
	"github.com/perfectstorm/storm/pkg/types"
)

// shared is the state common to every ServiceLB of one executor.
type shared struct {
	api     *api.Client
	driver  *trigger.Driver
	pool    string
	log     zerolog.Logger
	haproxy func(addr string) *haproxy.Client
}

func upFilter() query.Expr {
	return query.Eq("status", types.StatusUp)
}

// Executor runs one load balancer per exposed application service. It is
// change-driven: the applications feed adds and removes tracked services,
// group watches notice membership drift behind each of them.
type Executor struct {
	c        *shared
	services map[string]*ServiceLB
	apps     *executor.ApplicationsMonitor
}

// Config holds executor configuration.
type Config struct {
	API  *api.Client
	Pool string

	// TriggerPollInterval overrides how often submitted triggers are
	// re-read while waiting for completion.
	TriggerPollInterval time.Duration
}

// NewExecutor creates the load-balancer executor for one pool.
func NewExecutor(cfg Config) *Executor {
	driver := trigger.NewDriver(cfg.API)
	if cfg.TriggerPollInterval > 0 {
		driver.PollInterval = cfg.TriggerPollInterval
	}
	return &Executor{
		c: &shared{
			api:     cfg.API,
			driver:  driver,
			pool:    cfg.Pool,
			log:     log.WithComponent("loadbalancer").With().Str("pool", cfg.Pool).Logger(),
			haproxy: haproxy.NewClient,
		},
		services: make(map[string]*ServiceLB),
	}
}

// Reconciler wraps the executor in a monitor-driven convergence loop:
// the applications monitor feeds expose changes, and every tracked
// service's group watch feeds membership changes.
func (e *Executor) Reconciler() executor.Reconciler {
	return &executor.MonitorReconciler{
		Target:   e,
		Monitors: e.monitors,
	}
}

func (e *Executor) monitors() []executor.Monitor {
	if e.apps == nil {
		e.apps = executor.NewApplicationsMonitor(e.c.api)
	}
	monitors := []executor.Monitor{e.apps}
	for _, lb := range e.tracked() {
		for _, w := range lb.Watches {
			monitors = append(monitors, executor.GroupMonitor{Watch: w})
		}
	}
	return monitors
}

func (e *Executor) tracked() []*ServiceLB {
	keys := make([]string, 0, len(e.services))
	for key := range e.services {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*ServiceLB, 0, len(keys))
	for _, key := range keys {
		out = append(out, e.services[key])
	}
	return out
}

// Name implements executor.DiffReconciler.
func (e *Executor) Name() string { return "loadbalancer" }

// Setup verifies the pool and upserts the load-balancer recipe.
func (e *Executor) Setup(ctx context.Context) error {
	if _, err := e.c.api.Groups().Get(ctx, e.c.pool); err != nil {
		if api.IsNotFound(err) {
			return &types.ValidationError{Resource: "group", Reason: fmt.Sprintf("nodes pool %q does not exist", e.c.pool)}
		}
		return fmt.Errorf("resolving nodes pool %s: %w", e.c.pool, err)
	}
	if _, err := e.c.api.Recipes().UpdateOrCreate(ctx, recipe()); err != nil {
		return fmt.Errorf("upserting recipe %s: %w", RecipeName, err)
	}
	return nil
}

// Apply retracks services for changed applications, then reconciles every
// tracked service. Per-service failures are isolated: one broken balancer
// never stops the others.
func (e *Executor) Apply(ctx context.Context, diff executor.Diff) error {
	for _, name := range append(append([]string{}, diff.Added...), diff.Updated...) {
		if err := e.trackApplication(ctx, name); err != nil {
			if executor.IsFatal(err) {
				return err
			}
			e.c.log.Error().Err(err).Str("app", name).Msg("tracking application failed")
		}
	}
	for _, name := range diff.Deleted {
		e.untrackApplication(name)
	}

	for _, lb := range e.tracked() {
		if err := lb.Update(ctx); err != nil {
			if executor.IsFatal(err) {
				return err
			}
			e.c.log.Error().Err(err).Str("service", lb.Key()).Msg("service reconcile failed")
		}
	}
	return nil
}

// trackApplication creates a ServiceLB per exposed service and drops the
// ones an update removed. Names that are not applications (group pings
// routed through the same feed) are ignored.
func (e *Executor) trackApplication(ctx context.Context, name string) error {
	app, err := e.c.api.Apps().Get(ctx, name)
	if api.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(app.Expose))
	for _, ref := range app.Expose {
		port, err := e.servicePort(ctx, ref)
		if err != nil {
			return err
		}

		lb, ok := e.services[app.Name+"/"+ref.String()]
		if !ok {
			lb = newServiceLB(e.c, app.Name, ref, port)
			if _, err := e.c.api.Groups().UpdateOrCreate(ctx, &types.Group{Identifier: lb.Group}); err != nil {
				return fmt.Errorf("upserting lb group %s: %w", lb.Group, err)
			}
			e.services[lb.Key()] = lb
			e.c.log.Info().Str("service", lb.Key()).Int("port", port).Msg("tracking exposed service")
		}
		lb.Port = port
		want[app.Name+"/"+ref.String()] = true
	}

	for key, lb := range e.services {
		if lb.App == name && !want[key] {
			delete(e.services, key)
			e.c.log.Info().Str("service", key).Msg("exposed service withdrawn")
		}
	}
	return nil
}

func (e *Executor) untrackApplication(name string) {
	for key, lb := range e.services {
		if lb.App == name {
			delete(e.services, key)
			e.c.log.Info().Str("service", key).Msg("application deleted, service untracked")
		}
	}
}

// servicePort resolves the declared port of an exposed service from its
// component group. A dangling reference is a validation failure: the
// executor cannot interpret the application.
func (e *Executor) servicePort(ctx context.Context, ref types.ServiceRef) (int, error) {
	group, err := e.c.api.Groups().Get(ctx, ref.Component)
	if err != nil {
		if api.IsNotFound(err) {
			return 0, &types.ValidationError{Resource: "application", Reason: fmt.Sprintf("exposed component %q does not exist", ref.Component)}
		}
		return 0, err
	}
	svc, ok := group.Service(ref.Service)
	if !ok {
		return 0, &types.ValidationError{Resource: "application", Reason: fmt.Sprintf("group %q declares no service %q", ref.Component, ref.Service)}
	}
	return svc.Port, nil
}
