package consul

import "github.com/perfectstorm/storm/pkg/types"

// Canonical recipe names upserted on setup.
const (
	RecipeServer  = "consul-server"
	RecipeClient  = "consul-client"
	RecipeJoinWAN = "consul-server-join-wan"
)

const serverContent = `run:
  - [docker, run, -d, --net, host, --name, consul-server-$DATACENTER, consul,
     agent, -server, -bootstrap-expect, "1", -datacenter, $DATACENTER,
     -bind, $SERVER_ADDRESS, -client, $CLIENT_ADDRESS, -ui]
`

const clientContent = `run:
  - [docker, run, -d, --net, host, --name, consul-client-$DATACENTER, consul,
     agent, -datacenter, $DATACENTER, -retry-join, $SERVER_ADDRESS,
     -bind, $CLIENT_ADDRESS, -client, $CLIENT_ADDRESS]
`

const joinWANContent = `exec:
  - [consul, join, -wan, $WAN_ADDRESS]
`

// recipes returns the recipe set for one pool, targeting hints pointed at
// the executor's derived groups.
func recipes(pool string) []*types.Recipe {
	return []*types.Recipe{
		{
			Name:    RecipeServer,
			Type:    "docker",
			Content: serverContent,
			AddTo:   pool + "-consul-server",
		},
		{
			Name:    RecipeClient,
			Type:    "docker",
			Content: clientContent,
			AddTo:   pool + "-consul-clients",
		},
		{
			Name:    RecipeJoinWAN,
			Type:    "docker",
			Content: joinWANContent,
			Params:  map[string]string{"DATACENTER": pool},
			Options: map[string]any{"container": "consul-server-$DATACENTER"},
		},
	}
}
