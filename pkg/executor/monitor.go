package executor

import (
	"context"
	"encoding/json"

	"github.com/perfectstorm/storm/pkg/api"
)

// Diff is a differential change feed emission.
type Diff struct {
	Added   []string
	Updated []string
	Deleted []string
}

// Empty reports whether the diff carries no change.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

func (d Diff) merge(other Diff) Diff {
	return Diff{
		Added:   append(d.Added, other.Added...),
		Updated: append(d.Updated, other.Updated...),
		Deleted: append(d.Deleted, other.Deleted...),
	}
}

// Monitor tracks a resource collection and emits the change since its last
// observation.
type Monitor interface {
	Observe(ctx context.Context) (Diff, error)
}

// ApplicationsMonitor diffs the applications collection by name, with
// updates detected by comparing resource bodies.
type ApplicationsMonitor struct {
	API *api.Client

	seen map[string]string
}

// NewApplicationsMonitor creates a monitor with no prior observation:
// everything present at first Observe is reported as added.
func NewApplicationsMonitor(client *api.Client) *ApplicationsMonitor {
	return &ApplicationsMonitor{API: client, seen: make(map[string]string)}
}

// Observe fetches all applications and reports names added, updated or
// deleted since the previous call.
func (m *ApplicationsMonitor) Observe(ctx context.Context) (Diff, error) {
	apps, err := m.API.Apps().All(ctx)
	if err != nil {
		return Diff{}, err
	}

	var diff Diff
	current := make(map[string]string, len(apps))
	for _, app := range apps {
		body, err := json.Marshal(app)
		if err != nil {
			return Diff{}, err
		}
		current[app.Name] = string(body)

		prev, ok := m.seen[app.Name]
		switch {
		case !ok:
			diff.Added = append(diff.Added, app.Name)
		case prev != string(body):
			diff.Updated = append(diff.Updated, app.Name)
		}
	}
	for name := range m.seen {
		if _, ok := current[name]; !ok {
			diff.Deleted = append(diff.Deleted, name)
		}
	}

	m.seen = current
	return diff, nil
}

// GroupMonitor exposes a group membership watch as a change feed: a
// membership change emits the group id as updated.
type GroupMonitor struct {
	Watch *GroupWatch
}

// Observe implements Monitor.
func (m GroupMonitor) Observe(ctx context.Context) (Diff, error) {
	changed, err := m.Watch.Changed(ctx)
	if err != nil {
		return Diff{}, err
	}
	if !changed {
		return Diff{}, nil
	}
	return Diff{Updated: []string{m.Watch.GroupID}}, nil
}

// DiffReconciler receives change-driven work from monitors instead of
// full-sweep work.
type DiffReconciler interface {
	Name() string
	Setup(ctx context.Context) error
	Apply(ctx context.Context, diff Diff) error
}

// MonitorReconciler adapts a DiffReconciler plus its monitors to the
// Reconciler interface: Poll asks the monitors, Run hands the merged diff
// to the reconciler. Monitors is consulted every poll, so reconcilers that
// grow new feeds at runtime stay covered.
type MonitorReconciler struct {
	Target   DiffReconciler
	Monitors func() []Monitor

	pending Diff
}

// NewMonitorReconciler wraps a reconciler with a fixed monitor set.
func NewMonitorReconciler(target DiffReconciler, monitors ...Monitor) *MonitorReconciler {
	return &MonitorReconciler{
		Target:   target,
		Monitors: func() []Monitor { return monitors },
	}
}

// Name implements Reconciler.
func (m *MonitorReconciler) Name() string { return m.Target.Name() }

// Setup implements Reconciler.
func (m *MonitorReconciler) Setup(ctx context.Context) error { return m.Target.Setup(ctx) }

// Poll merges each monitor's diff; a non-empty merge means change. The
// merged diff accumulates until the next successful Run so a failed
// reconcile does not lose observations.
func (m *MonitorReconciler) Poll(ctx context.Context) (bool, error) {
	for _, mon := range m.Monitors() {
		diff, err := mon.Observe(ctx)
		if err != nil {
			return false, err
		}
		m.pending = m.pending.merge(diff)
	}
	return !m.pending.Empty(), nil
}

// Run delivers the pending diff.
func (m *MonitorReconciler) Run(ctx context.Context) error {
	diff := m.pending
	if err := m.Target.Apply(ctx, diff); err != nil {
		return err
	}
	m.pending = Diff{}
	return nil
}
