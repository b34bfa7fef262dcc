package executor

import (
	"context"
	"errors"
	"time"

	"github.com/perfectstorm/storm/pkg/log"
	"github.com/perfectstorm/storm/pkg/metrics"
	"github.com/perfectstorm/storm/pkg/types"
)

// DefaultPollInterval is the inter-tick sleep of the convergence loop.
const DefaultPollInterval = time.Second

// Reconciler is one convergence role: resolve configuration once, then
// repeatedly detect change and drive observed state toward desired state.
type Reconciler interface {
	// Name identifies the reconciler in logs and metrics.
	Name() string

	// Setup resolves groups, upserts recipes and builds sub-managers.
	Setup(ctx context.Context) error

	// Poll reports whether observed state changed since the last call.
	Poll(ctx context.Context) (bool, error)

	// Run performs one reconcile pass.
	Run(ctx context.Context) error
}

// PollingExecutor drives a Reconciler forever: setup, then poll-for-change
// and reconcile until the context is cancelled.
type PollingExecutor struct {
	Reconciler   Reconciler
	PollInterval time.Duration
}

// NewPollingExecutor wraps a reconciler with the default poll interval.
func NewPollingExecutor(r Reconciler) *PollingExecutor {
	return &PollingExecutor{Reconciler: r, PollInterval: DefaultPollInterval}
}

// Execute runs the convergence loop. Transient errors are logged and the
// loop continues on the next tick; validation errors abort — they mean
// desired state the executor cannot interpret. Cancellation exits after
// the in-flight reconcile.
func (e *PollingExecutor) Execute(ctx context.Context) error {
	logger := log.WithComponent(e.Reconciler.Name())

	if err := e.Reconciler.Setup(ctx); err != nil {
		return err
	}
	logger.Info().Msg("setup complete, entering convergence loop")

	interval := e.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	first := true
	for {
		changed, err := e.Reconciler.Poll(ctx)
		switch {
		case err == nil:
		case IsFatal(err):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			logger.Error().Err(err).Msg("poll failed")
		}

		if err == nil && (changed || first) {
			first = false
			if rerr := e.runOnce(ctx); rerr != nil {
				if IsFatal(rerr) {
					return rerr
				}
				if ctx.Err() != nil {
					return nil
				}
				logger.Error().Err(rerr).Msg("reconcile failed")
			}
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("termination requested, loop stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

func (e *PollingExecutor) runOnce(ctx context.Context) error {
	name := e.Reconciler.Name()
	start := time.Now()
	err := e.Reconciler.Run(ctx)
	metrics.ReconcileDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	metrics.ReconcileCyclesTotal.WithLabelValues(name).Inc()
	if err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues(name).Inc()
	}
	return err
}

// IsFatal reports whether the error must abort the executor instead of
// being retried: validation failures indicate desired state this executor
// cannot interpret.
func IsFatal(err error) bool {
	var verr *types.ValidationError
	return errors.As(err, &verr)
}
