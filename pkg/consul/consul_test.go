package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/api/apitest"
	"github.com/perfectstorm/storm/pkg/log"
	"github.com/perfectstorm/storm/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	m.Run()
}

// fakeAgent is an in-memory Consul agent covering the four endpoints the
// executor uses.
type fakeAgent struct {
	mu       sync.Mutex
	services map[string]*CatalogEntry
	srv      *httptest.Server

	registered   int
	deregistered int
}

func newFakeAgent() *fakeAgent {
	a := &fakeAgent{services: make(map[string]*CatalogEntry)}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/catalog/services", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		out := make(map[string][]string)
		for name, entry := range a.services {
			out[name] = entry.ServiceTags
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/v1/catalog/service/", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		name := strings.TrimPrefix(r.URL.Path, "/v1/catalog/service/")
		if entry, ok := a.services[name]; ok {
			_ = json.NewEncoder(w).Encode([]*CatalogEntry{entry})
			return
		}
		_ = json.NewEncoder(w).Encode([]*CatalogEntry{})
	})
	mux.HandleFunc("/v1/agent/service/register", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		var body struct {
			Name string   `json:"Name"`
			Port int      `json:"Port"`
			Tags []string `json:"Tags"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.services[body.Name] = &CatalogEntry{
			ServiceName: body.Name,
			Address:     "127.0.0.1",
			ServicePort: body.Port,
			ServiceTags: body.Tags,
		}
		a.registered++
	})
	mux.HandleFunc("/v1/agent/service/deregister/", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		name := strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/")
		delete(a.services, name)
		a.deregistered++
	})
	a.srv = httptest.NewServer(mux)
	return a
}

func (a *fakeAgent) close() { a.srv.Close() }

func (a *fakeAgent) port() int {
	var port int
	_, _ = fmt.Sscanf(a.srv.Listener.Addr().String(), "127.0.0.1:%d", &port)
	return port
}

func (a *fakeAgent) addService(name, addr string, servicePort int, tags ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.services[name] = &CatalogEntry{
		ServiceName: name,
		Address:     addr,
		ServicePort: servicePort,
		ServiceTags: tags,
	}
}

func (a *fakeAgent) has(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.services[name]
	return ok
}

// handleRecipes wires the fake API server's trigger completion to mimic
// the docker handler: containers are created DOWN (the cloud importer
// notices them later) and joined to the recipe's add_to group. failFor
// maps target node ids to failure reasons.
func handleRecipes(srv *apitest.Server, failFor map[string]string) {
	seq := 0
	srv.OnTrigger = func(t *types.Trigger) (string, map[string]any) {
		target, _ := t.Arguments["target_node"].(string)
		if reason, ok := failFor[target]; ok {
			return types.TriggerError, map[string]any{"reason": reason}
		}
		recipe, _ := t.Arguments["recipe"].(string)
		if recipe == RecipeJoinWAN {
			return types.TriggerDone, nil
		}

		host, ok := srv.Nodes[target]
		if !ok {
			return types.TriggerError, map[string]any{"reason": "unknown target node"}
		}
		seq++
		id := fmt.Sprintf("c-%s-%d", recipe, seq)
		srv.Nodes[id] = &types.Node{
			CloudID:  id,
			Name:     id,
			NodeType: types.NodeTypeEngine,
			Type:     "CONTAINER",
			Status:   types.StatusDown,
			Engine:   &types.Engine{ID: host.Engine.ID, Type: "docker"},
		}
		if addTo, _ := t.Arguments["add_to"].(string); addTo != "" {
			if srv.Members[addTo] == nil {
				srv.Members[addTo] = make(map[string]bool)
			}
			srv.Members[addTo][id] = true
		}
		return types.TriggerDone, map[string]any{"resources": []any{id}}
	}
}

// markUp flips every container in a group to UP, standing in for the
// cloud importer observing the new containers.
func markUp(srv *apitest.Server, group string) {
	for id := range srv.Members[group] {
		srv.SetStatus(id, types.StatusUp)
	}
}

func newTestExecutor(t *testing.T, srv *apitest.Server, agent *fakeAgent, federate ...string) *Executor {
	t.Helper()
	client := api.NewClient(api.Config{Server: srv.URL()})
	exec := NewExecutor(Config{
		API:                 client,
		Pool:                "p1",
		Federate:            federate,
		TriggerPollInterval: 5 * time.Millisecond,
	})
	exec.ctx.Catalog.port = agent.port()
	require.NoError(t, exec.Setup(context.Background()))
	return exec
}

// TestBootstrapScenario walks an empty two-node pool to convergence:
// first reconcile elects and starts the server, the second fans out a
// client, the third is a no-op.
func TestBootstrapScenario(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	agent := newFakeAgent()
	defer agent.close()

	srv.AddGroup(&types.Group{Identifier: "p1"})
	n1 := srv.AddPhysicalNode("n1", "127.0.0.1", true)
	n2 := srv.AddPhysicalNode("n2", "127.0.0.1", true)
	srv.Join("p1", n1.CloudID, n2.CloudID)
	handleRecipes(srv, nil)

	exec := newTestExecutor(t, srv, agent)
	ctx := context.Background()

	// Setup upserted the derived groups and recipes.
	assert.Contains(t, srv.Groups, "p1-consul-server")
	assert.Contains(t, srv.Groups, "p1-consul-server-nodes")
	assert.Contains(t, srv.Groups, "p1-consul-clients")
	assert.Contains(t, srv.Recipes, RecipeServer)
	assert.Contains(t, srv.Recipes, RecipeClient)
	assert.Contains(t, srv.Recipes, RecipeJoinWAN)

	// Tick 1: exactly one server trigger on one of the nodes.
	require.NoError(t, exec.Run(ctx))
	serverTriggers := srv.TriggersNamed(RecipeServer)
	require.Len(t, serverTriggers, 1)
	target, _ := serverTriggers[0].Arguments["target_node"].(string)
	assert.Contains(t, []string{"n1", "n2"}, target)
	assert.Len(t, srv.Members["p1-consul-server"], 1)
	assert.Empty(t, srv.TriggersNamed(RecipeClient))

	// The importer observes the server container.
	markUp(srv, "p1-consul-server")

	// Tick 2: one client trigger on the other node.
	require.NoError(t, exec.Run(ctx))
	assert.Len(t, srv.TriggersNamed(RecipeServer), 1)
	clientTriggers := srv.TriggersNamed(RecipeClient)
	require.Len(t, clientTriggers, 1)
	clientTarget, _ := clientTriggers[0].Arguments["target_node"].(string)
	assert.NotEqual(t, target, clientTarget)
	markUp(srv, "p1-consul-clients")

	// Tick 3: converged, no new triggers.
	require.NoError(t, exec.Run(ctx))
	assert.Len(t, srv.TriggersNamed(RecipeServer), 1)
	assert.Len(t, srv.TriggersNamed(RecipeClient), 1)
}

// TestServerElectionPrefersElectedNode: a node already in the
// server-nodes group wins over the random pool draw.
func TestServerElectionPrefersElectedNode(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	agent := newFakeAgent()
	defer agent.close()

	srv.AddGroup(&types.Group{Identifier: "p1"})
	n1 := srv.AddPhysicalNode("n1", "127.0.0.1", true)
	n2 := srv.AddPhysicalNode("n2", "127.0.0.1", true)
	srv.Join("p1", n1.CloudID, n2.CloudID)
	handleRecipes(srv, nil)

	exec := newTestExecutor(t, srv, agent)
	srv.Join("p1-consul-server-nodes", "n2")

	require.NoError(t, exec.Run(context.Background()))
	triggers := srv.TriggersNamed(RecipeServer)
	require.Len(t, triggers, 1)
	target, _ := triggers[0].Arguments["target_node"].(string)
	assert.Equal(t, "n2", target)
}

// TestClientFailureRetriedNextTick: one failing node does not stop the
// fan-out, and the failure is retried on the next reconcile.
func TestClientFailureRetriedNextTick(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	agent := newFakeAgent()
	defer agent.close()

	srv.AddGroup(&types.Group{Identifier: "p1"})
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		srv.AddPhysicalNode(id, "127.0.0.1", true)
		srv.Join("p1", id)
	}
	failures := map[string]string{}
	handleRecipes(srv, failures)

	exec := newTestExecutor(t, srv, agent)
	ctx := context.Background()

	// Establish the server first.
	srv.Join("p1-consul-server-nodes", "n1")
	require.NoError(t, exec.Run(ctx))
	markUp(srv, "p1-consul-server")

	// One of the three remaining nodes fails its client trigger.
	failures["n3"] = "no space left on device"
	require.NoError(t, exec.Run(ctx))
	assert.Len(t, srv.TriggersNamed(RecipeClient), 3)
	assert.Len(t, srv.Members["p1-consul-clients"], 2)
	markUp(srv, "p1-consul-clients")

	// Next tick retries only the failed node.
	delete(failures, "n3")
	require.NoError(t, exec.Run(ctx))
	clientTriggers := srv.TriggersNamed(RecipeClient)
	require.Len(t, clientTriggers, 4)
	lastTarget, _ := clientTriggers[3].Arguments["target_node"].(string)
	assert.Equal(t, "n3", lastTarget)
	assert.Len(t, srv.Members["p1-consul-clients"], 3)
}

// TestServicesSync registers declared group services in the catalog and
// removes stale managed entries, leaving foreign services alone.
func TestServicesSync(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	agent := newFakeAgent()
	defer agent.close()

	srv.AddGroup(&types.Group{Identifier: "p1"})
	n1 := srv.AddPhysicalNode("n1", "127.0.0.1", true)
	n2 := srv.AddPhysicalNode("n2", "127.0.0.1", true)
	srv.Join("p1", "n1", "n2")
	handleRecipes(srv, nil)

	exec := newTestExecutor(t, srv, agent)
	ctx := context.Background()

	// Server on n1, already observed.
	server := srv.AddContainer("sc1", n1, true)
	srv.Join("p1-consul-server", server.CloudID)
	srv.Join("p1-consul-server-nodes", "n1")

	// Declared web service backed by a container on n2.
	srv.AddGroup(&types.Group{
		Identifier: "web",
		Services:   []types.Service{{Name: "http", Protocol: "tcp", Port: 80}},
	})
	web := srv.AddContainer("w1", n2, true)
	srv.Join("web", web.CloudID)

	// A stale managed entry and a foreign one.
	agent.addService("legacy", "127.0.0.1", 9999, TagManaged)
	agent.addService("postgres", "127.0.0.1", 5432, "team-db")

	sm := &ServicesManager{Context: exec.ctx}
	require.NoError(t, sm.Update(ctx))

	assert.True(t, agent.has("web"))
	assert.True(t, agent.has("web-http"))
	assert.False(t, agent.has("legacy"), "stale managed entry must be deregistered")
	assert.True(t, agent.has("postgres"), "foreign services are never touched")

	// Idempotence: a second pass issues no further writes.
	before := agent.registered
	require.NoError(t, sm.Update(ctx))
	assert.Equal(t, before, agent.registered)
}

// TestFederationScenario joins a remote pool exactly once, and only while
// it has exactly one UP server.
func TestFederationScenario(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	agent := newFakeAgent()
	defer agent.close()

	srv.AddGroup(&types.Group{Identifier: "p1"})
	n1 := srv.AddPhysicalNode("n1", "127.0.0.1", true)
	srv.Join("p1", "n1")
	handleRecipes(srv, nil)

	exec := newTestExecutor(t, srv, agent, "p2")
	ctx := context.Background()

	// Local server established and observed.
	server := srv.AddContainer("sc1", n1, true)
	srv.Join("p1-consul-server", server.CloudID)
	srv.Join("p1-consul-server-nodes", "n1")

	// Remote pool exists but has no server yet: skip, no trigger.
	srv.AddGroup(&types.Group{Identifier: "p2-consul-server"})
	require.NoError(t, exec.Run(ctx))
	assert.Empty(t, srv.TriggersNamed(RecipeJoinWAN))

	// Remote server appears.
	m1 := srv.AddPhysicalNode("m1", "10.0.2.1", true)
	remote := srv.AddContainer("sc2", m1, true)
	srv.Join("p2-consul-server", remote.CloudID)

	require.NoError(t, exec.Run(ctx))
	joins := srv.TriggersNamed(RecipeJoinWAN)
	require.Len(t, joins, 1)
	params, _ := joins[0].Arguments["params"].(map[string]any)
	assert.Equal(t, "10.0.2.1", params["WAN_ADDRESS"])
	target, _ := joins[0].Arguments["target_node"].(string)
	assert.Equal(t, "n1", target)

	// Already joined: no resubmission.
	require.NoError(t, exec.Run(ctx))
	assert.Len(t, srv.TriggersNamed(RecipeJoinWAN), 1)
}

// TestFederationSkipsAmbiguousRemote: two UP remote servers mean the
// remote pool is mid-transition; no join is attempted.
func TestFederationSkipsAmbiguousRemote(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	agent := newFakeAgent()
	defer agent.close()

	srv.AddGroup(&types.Group{Identifier: "p1"})
	n1 := srv.AddPhysicalNode("n1", "127.0.0.1", true)
	srv.Join("p1", "n1")
	handleRecipes(srv, nil)

	exec := newTestExecutor(t, srv, agent, "p2")
	ctx := context.Background()

	server := srv.AddContainer("sc1", n1, true)
	srv.Join("p1-consul-server", server.CloudID)

	m1 := srv.AddPhysicalNode("m1", "10.0.2.1", true)
	m2 := srv.AddPhysicalNode("m2", "10.0.2.2", true)
	srv.AddGroup(&types.Group{Identifier: "p2-consul-server"})
	srv.Join("p2-consul-server", srv.AddContainer("sc2", m1, true).CloudID)
	srv.Join("p2-consul-server", srv.AddContainer("sc3", m2, true).CloudID)

	require.NoError(t, exec.Run(ctx))
	assert.Empty(t, srv.TriggersNamed(RecipeJoinWAN))
}

// TestSetupRejectsMissingPool: a nonexistent nodes pool is fatal
// misconfiguration.
func TestSetupRejectsMissingPool(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	agent := newFakeAgent()
	defer agent.close()

	client := api.NewClient(api.Config{Server: srv.URL()})
	exec := NewExecutor(Config{API: client, Pool: "ghost"})
	exec.ctx.Catalog.port = agent.port()

	err := exec.Setup(context.Background())
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
}
