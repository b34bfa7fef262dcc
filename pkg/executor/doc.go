/*
Package executor provides the generic convergence loops every Perfect
Storm executor is built on.

A Reconciler owns one role: it resolves its configuration once in Setup,
detects observed-state change in Poll, and drives desired state in Run.
PollingExecutor turns a Reconciler into a process: setup, then loop
forever, reconciling whenever Poll reports change (and once at startup).

	exec := consul.NewExecutor(cfg)
	loop := executor.NewPollingExecutor(exec)
	err := loop.Execute(ctx)

# Change detection

Two detection styles are provided:

GroupWatch snapshots a group's member ids and their statuses. A change is
any difference in the id set or in a member's status; the snapshot is
replaced before the verdict is computed, so a single change triggers
exactly one reconcile.

Monitors emit differential feeds (added, updated, deleted) against their
last emission. ApplicationsMonitor is the canonical one, tracking the
applications collection. MonitorReconciler adapts a DiffReconciler plus
its monitors back into a Reconciler, accumulating undelivered diffs
across failed reconciles.

# Failure policy

Transient errors (network trouble, server-side failures, failed triggers)
are logged and retried next tick. Validation errors abort the process:
they mean the desired state cannot be interpreted, and retrying cannot
fix that. Cancellation stops the loop after the in-flight reconcile;
submitted triggers are left to the server's TTL reaper.
*/
package executor
