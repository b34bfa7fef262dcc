package consul

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/query"
	"github.com/perfectstorm/storm/pkg/trigger"
	"github.com/perfectstorm/storm/pkg/types"
)

// Context is the state shared by the sub-managers of one Consul executor:
// the resolved group names, the API client, the trigger driver and the
// catalog client. Managers run sequentially and read state their
// predecessors just established, so there is no locking here.
type Context struct {
	API     *api.Client
	Driver  *trigger.Driver
	Catalog *Catalog
	Log     zerolog.Logger

	// Pool is the nodes group this executor manages.
	Pool string

	// Derived groups, upserted during setup.
	ServerGroup      string
	ServerNodesGroup string
	ClientsGroup     string
}

// Manager is one sequential step of the reconcile.
type Manager interface {
	Update(ctx context.Context) error
}

// UpFilter matches resources whose status is UP.
func UpFilter() query.Expr {
	return query.Eq("status", types.StatusUp)
}

// UpMembers lists the UP members of a group.
func (c *Context) UpMembers(ctx context.Context, group string) ([]*types.Node, error) {
	return c.API.Groups().Members(ctx, group, UpFilter())
}

// ServerNode resolves the current Consul server: the UP container in the
// server group, its hosting node and that node's address. ok is false when
// no server is running yet.
func (c *Context) ServerNode(ctx context.Context) (node *types.Node, addr string, ok bool, err error) {
	servers, err := c.UpMembers(ctx, c.ServerGroup)
	if err != nil {
		return nil, "", false, err
	}
	if len(servers) == 0 {
		return nil, "", false, nil
	}

	node, err = c.API.Shortcuts().NodeFor(ctx, servers[0])
	if err != nil {
		return nil, "", false, err
	}
	addr, err = c.API.Shortcuts().AddressFor(ctx, node)
	if err != nil {
		return nil, "", false, err
	}
	return node, addr, true, nil
}
