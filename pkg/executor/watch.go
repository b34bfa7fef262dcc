package executor

import (
	"context"

	"github.com/perfectstorm/storm/pkg/api"
)

// GroupWatch detects change in one group by comparing the current
// membership against a snapshot of the previous tick. Both the member id
// set and each member's status participate: a member dying in place is as
// much a change as one leaving.
type GroupWatch struct {
	API     *api.Client
	GroupID string

	snapshot map[string]string
	primed   bool
}

// NewGroupWatch creates an unprimed watch: the first Changed call always
// reports a change so the executor reconciles on startup.
func NewGroupWatch(client *api.Client, groupID string) *GroupWatch {
	return &GroupWatch{API: client, GroupID: groupID}
}

// Changed fetches current membership and reports whether it differs from
// the snapshot. The snapshot is replaced before the result is returned,
// so a single membership change triggers exactly one reconcile.
func (w *GroupWatch) Changed(ctx context.Context) (bool, error) {
	members, err := w.API.Groups().Members(ctx, w.GroupID, nil)
	if err != nil {
		return false, err
	}

	next := make(map[string]string, len(members))
	for _, m := range members {
		next[m.CloudID] = m.Status
	}

	prev, primed := w.snapshot, w.primed
	w.snapshot = next
	w.primed = true

	if !primed {
		return true, nil
	}
	return !sameSnapshot(prev, next), nil
}

func sameSnapshot(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for id, status := range a {
		if other, ok := b[id]; !ok || other != status {
			return false
		}
	}
	return true
}
