package haproxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoFreeSlot means every pre-declared server slot is already bound.
// Members beyond the template capacity are dropped until one leaves.
var ErrNoFreeSlot = errors.New("haproxy: no free server slot")

// Positional fields of a "show servers state" record. The encoding is the
// state-file format: op state 2 is SRV_ST_RUNNING, admin state 4 is the
// SRV_ADMF_CMAINT bit alone. Pinned against HAProxy 2.x, state version 1.
const (
	fieldSrvName       = 3
	fieldSrvAddr       = 4
	fieldSrvOpState    = 5
	fieldSrvAdminState = 6
	recordFields       = 19

	opStateRunning  = "2"
	adminStateReady = "4"

	stateVersion = "1"
)

// Slots is a snapshot of the backend's server template: active slots
// bucketed by bound address, plus the pool of free slot names. It is read
// once per reconcile; AddMember and RemoveMember mutate it in place so
// successive calls within one tick stay consistent without a re-read.
type Slots struct {
	client *Client
	bound  map[string][]string
	free   []string
}

// GetSlots reads the backend's server state and builds the slot table.
func (c *Client) GetSlots(ctx context.Context) (*Slots, error) {
	lines, err := c.Exec(ctx, "show servers state "+Backend)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty reply to show servers state from %s", c.Addr)
	}
	if lines[0] != stateVersion {
		return nil, fmt.Errorf("unsupported server state version %q from %s", lines[0], c.Addr)
	}

	slots := &Slots{
		client: c,
		bound:  make(map[string][]string),
	}
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < recordFields {
			return nil, fmt.Errorf("malformed server state record %q from %s", line, c.Addr)
		}
		name := fields[fieldSrvName]
		addr := fields[fieldSrvAddr]
		if fields[fieldSrvOpState] == opStateRunning && fields[fieldSrvAdminState] == adminStateReady {
			slots.bound[addr] = append(slots.bound[addr], name)
		} else {
			slots.free = append(slots.free, name)
		}
	}
	return slots, nil
}

// Members returns the set of addresses currently bound to an active slot.
func (s *Slots) Members() map[string]bool {
	members := make(map[string]bool, len(s.bound))
	for addr := range s.bound {
		members[addr] = true
	}
	return members
}

// FreeCount returns how many slots remain available.
func (s *Slots) FreeCount() int {
	return len(s.free)
}

// AddMember binds addr to a free slot and enables it.
func (s *Slots) AddMember(ctx context.Context, addr string) error {
	if len(s.free) == 0 {
		return ErrNoFreeSlot
	}
	name := s.free[0]

	if _, err := s.client.Exec(ctx, fmt.Sprintf("set server %s/%s addr %s", Backend, name, addr)); err != nil {
		return err
	}
	if _, err := s.client.Exec(ctx, fmt.Sprintf("set server %s/%s state ready", Backend, name)); err != nil {
		return err
	}

	s.free = s.free[1:]
	s.bound[addr] = append(s.bound[addr], name)
	return nil
}

// RemoveMember puts every slot bound to addr into maintenance, returning
// them to the free pool.
func (s *Slots) RemoveMember(ctx context.Context, addr string) error {
	names := s.bound[addr]
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		if _, err := s.client.Exec(ctx, fmt.Sprintf("set server %s/%s state maint", Backend, name)); err != nil {
			return err
		}
		s.free = append(s.free, name)
	}
	delete(s.bound, addr)
	return nil
}
