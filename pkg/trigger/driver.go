// Package trigger submits asynchronous work to the API server and waits
// for a handler to drive it to a terminal status.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/log"
	"github.com/perfectstorm/storm/pkg/metrics"
	"github.com/perfectstorm/storm/pkg/types"
)

// DefaultPollInterval is how often Wait re-reads a trigger.
const DefaultPollInterval = time.Second

// FailedError reports a trigger that terminated with status error.
type FailedError struct {
	UUID   string
	Reason string
}

func (e *FailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("trigger %s failed", e.UUID)
	}
	return fmt.Sprintf("trigger %s failed: %s", e.UUID, e.Reason)
}

// Driver creates triggers and polls them to completion.
type Driver struct {
	API          *api.Client
	PollInterval time.Duration
}

// NewDriver creates a driver with the default poll interval.
func NewDriver(client *api.Client) *Driver {
	return &Driver{API: client, PollInterval: DefaultPollInterval}
}

// Submit creates a trigger and returns its handle.
func (d *Driver) Submit(ctx context.Context, name string, arguments map[string]any) (*types.Trigger, error) {
	trig, err := d.API.Triggers().Create(ctx, &types.Trigger{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("submitting %s trigger: %w", name, err)
	}
	metrics.TriggersSubmitted.WithLabelValues(name).Inc()
	logger := log.WithTrigger(trig.UUID)
	logger.Debug().Str("name", name).Msg("trigger submitted")
	return trig, nil
}

// Wait polls the trigger until it reaches a terminal status, then
// best-effort deletes it. A trigger that terminated with an error yields a
// FailedError carrying the handler's reason.
func (d *Driver) Wait(ctx context.Context, trig *types.Trigger) (*types.Trigger, error) {
	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	current := trig
	for !current.IsComplete() {
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-time.After(interval):
		}

		refreshed, err := d.API.Triggers().Get(ctx, trig.UUID)
		if err != nil {
			return current, fmt.Errorf("polling trigger %s: %w", trig.UUID, err)
		}
		current = refreshed
	}

	// The trigger served its purpose; failure to delete it only leaves
	// garbage for the server's TTL reaper.
	if err := d.API.Triggers().Destroy(ctx, trig.UUID); err != nil {
		logger := log.WithTrigger(trig.UUID)
		logger.Warn().Err(err).Msg("could not delete completed trigger")
	}

	if current.IsError() {
		metrics.TriggersFailed.WithLabelValues(current.Name).Inc()
		return current, &FailedError{UUID: current.UUID, Reason: current.Reason()}
	}
	return current, nil
}

// Run submits a trigger and waits for it to complete.
func (d *Driver) Run(ctx context.Context, name string, arguments map[string]any) (*types.Trigger, error) {
	trig, err := d.Submit(ctx, name, arguments)
	if err != nil {
		return nil, err
	}
	return d.Wait(ctx, trig)
}
