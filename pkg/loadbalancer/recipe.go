package loadbalancer

import "github.com/perfectstorm/storm/pkg/types"

// RecipeName is the canonical load-balancer recipe upserted on setup.
const RecipeName = "load-balancer"

// SlotCount is the number of pre-declared backend slots. Endpoints beyond
// it are dropped until a slot frees up.
const SlotCount = 1024

// The config pre-declares every slot disabled against 127.0.0.1:$PORT;
// membership is driven entirely through the runtime socket afterwards.
const recipeContent = `run:
  - [docker, run, -d, --net, host, --name, storm-lb-$PORT, haproxy:2.8, sh, -c,
     "echo 'global\n    stats socket ipv4@0.0.0.0:9000 level admin\n
defaults\n    mode tcp\n    timeout connect 5s\n    timeout client 30s\n    timeout server 30s\n
frontend service\n    bind *:$PORT\n    default_backend nodes\n
backend nodes\n    server-template member 1024 127.0.0.1:$PORT check disabled\n' > /tmp/haproxy.cfg
      && haproxy -f /tmp/haproxy.cfg -db"]
`

func recipe() *types.Recipe {
	return &types.Recipe{
		Name:    RecipeName,
		Type:    "docker",
		Content: recipeContent,
	}
}
