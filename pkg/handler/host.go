// Package handler executes recipe triggers: it claims pending work from
// the API server, dispatches it to a handler matching the recipe type,
// and publishes the outcome.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/log"
	"github.com/perfectstorm/storm/pkg/metrics"
	"github.com/perfectstorm/storm/pkg/query"
	"github.com/perfectstorm/storm/pkg/trigger"
	"github.com/perfectstorm/storm/pkg/types"
)

// HeartbeatInterval is how often a running trigger's liveness timestamp
// is refreshed. The server reaps triggers silent for 60 seconds.
const HeartbeatInterval = 30 * time.Second

// RecipeHandler executes one recipe type.
type RecipeHandler interface {
	// Type is the recipe type this handler serves (e.g. "docker").
	Type() string

	// Execute runs the recipe invocation and returns the trigger result.
	Execute(ctx context.Context, recipe *types.Recipe, run trigger.RecipeRun) (map[string]any, error)
}

// Host dequeues recipe triggers and drives them to completion.
type Host struct {
	API          *api.Client
	PollInterval time.Duration

	handlers map[string]RecipeHandler
}

// NewHost creates a handler host with a 1 second dequeue interval.
func NewHost(client *api.Client) *Host {
	return &Host{
		API:          client,
		PollInterval: time.Second,
		handlers:     make(map[string]RecipeHandler),
	}
}

// Register adds a recipe handler. The last registration for a type wins.
func (h *Host) Register(handler RecipeHandler) {
	h.handlers[handler.Type()] = handler
}

// Run polls for pending recipe triggers until the context is cancelled.
func (h *Host) Run(ctx context.Context) error {
	logger := log.WithComponent("handler")
	logger.Info().Msg("handler host started")

	interval := h.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		pending, err := h.API.Triggers().Query(ctx, query.And(
			query.Eq("name", trigger.RecipeTrigger),
			query.Eq("status", types.TriggerPending),
		))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("polling for triggers failed")
		}
		for _, trig := range pending {
			h.handle(ctx, trig)
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("termination requested, handler stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

// handle claims and executes one trigger. Losing the claim race to
// another host is not an error.
func (h *Host) handle(ctx context.Context, trig *types.Trigger) {
	logger := log.WithTrigger(trig.UUID)

	claimed, err := h.API.Triggers().Handle(ctx, trig.UUID)
	if err != nil {
		if api.IsConflict(err) || api.IsNotFound(err) {
			return
		}
		logger.Error().Err(err).Msg("claiming trigger failed")
		return
	}

	stopHeartbeat := h.startHeartbeat(ctx, claimed.UUID)
	defer stopHeartbeat()

	result, err := h.execute(ctx, claimed)
	if err != nil {
		logger.Error().Err(err).Msg("trigger failed")
		metrics.TriggersHandled.WithLabelValues(claimed.Name, types.TriggerError).Inc()
		if ferr := h.API.Triggers().Fail(ctx, claimed.UUID, err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("publishing trigger failure failed")
		}
		return
	}

	metrics.TriggersHandled.WithLabelValues(claimed.Name, types.TriggerDone).Inc()
	if cerr := h.API.Triggers().Complete(ctx, claimed.UUID, result); cerr != nil {
		logger.Error().Err(cerr).Msg("publishing trigger result failed")
	}
}

func (h *Host) execute(ctx context.Context, trig *types.Trigger) (map[string]any, error) {
	run, err := trigger.ParseRecipeRun(trig)
	if err != nil {
		return nil, err
	}

	recipe, err := h.API.Recipes().Get(ctx, run.Recipe)
	if err != nil {
		return nil, fmt.Errorf("fetching recipe %s: %w", run.Recipe, err)
	}

	handler, ok := h.handlers[recipe.Type]
	if !ok {
		return nil, fmt.Errorf("no handler registered for recipe type %q", recipe.Type)
	}

	// Invocation params and options override the recipe's stored
	// defaults.
	merged := trigger.RecipeRun{
		Recipe:      run.Recipe,
		Params:      mergeParams(recipe.Params, run.Params),
		Options:     mergeOptions(recipe.Options, run.Options),
		TargetNode:  firstOf(run.TargetNode, recipe.TargetNode),
		TargetAnyOf: firstOf(run.TargetAnyOf, recipe.TargetAnyOf),
		AddTo:       firstOf(run.AddTo, recipe.AddTo),
	}
	return handler.Execute(ctx, recipe, merged)
}

// startHeartbeat keeps the claimed trigger alive until the returned stop
// function is called.
func (h *Host) startHeartbeat(ctx context.Context, uuid string) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := h.API.Triggers().Heartbeat(ctx, uuid); err != nil {
					logger := log.WithTrigger(uuid)
					logger.Warn().Err(err).Msg("heartbeat failed")
				}
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(stopCh) }
}

func mergeOptions(defaults, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func mergeParams(defaults, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
