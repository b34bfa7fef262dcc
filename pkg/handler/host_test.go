package handler

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/api/apitest"
	"github.com/perfectstorm/storm/pkg/log"
	"github.com/perfectstorm/storm/pkg/trigger"
	"github.com/perfectstorm/storm/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	m.Run()
}

// fakeEngine records container operations.
type fakeEngine struct {
	runs     []ContainerSpec
	execs    [][]string
	removed  []string
	runErr   error
	nextID   int
	execHost []string
}

func (f *fakeEngine) Run(_ context.Context, spec ContainerSpec) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	f.runs = append(f.runs, spec)
	f.nextID++
	return fmt.Sprintf("docker-%d", f.nextID), nil
}

func (f *fakeEngine) Exec(_ context.Context, container string, cmd []string) error {
	f.execHost = append(f.execHost, container)
	f.execs = append(f.execs, cmd)
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, container string) error {
	f.removed = append(f.removed, container)
	return nil
}

func newHostUnderTest(t *testing.T) (*apitest.Server, *fakeEngine, *Host) {
	t.Helper()
	srv := apitest.NewServer()
	t.Cleanup(srv.Close)

	client := api.NewClient(api.Config{Server: srv.URL()})
	engine := &fakeEngine{}
	host := NewHost(client)
	host.Register(&DockerHandler{API: client, Engine: engine})
	return srv, engine, host
}

func submitRecipeTrigger(t *testing.T, srv *apitest.Server, run trigger.RecipeRun) *types.Trigger {
	t.Helper()
	client := api.NewClient(api.Config{Server: srv.URL()})
	trig, err := client.Triggers().Create(context.Background(), &types.Trigger{
		Name:      trigger.RecipeTrigger,
		Arguments: run.Arguments(),
	})
	require.NoError(t, err)
	return trig
}

// TestRunRecipe drives a run recipe end to end: the container starts with
// expanded params, the resource is registered and joined to add_to, and
// the trigger completes.
func TestRunRecipe(t *testing.T) {
	srv, engine, host := newHostUnderTest(t)
	ctx := context.Background()

	srv.AddGroup(&types.Group{Identifier: "p1-consul-server"})
	srv.AddPhysicalNode("n1", "10.0.0.1", true)
	srv.Recipes["consul-server"] = &types.Recipe{
		Name: "consul-server",
		Type: "docker",
		Content: `run:
  - [docker, run, -d, --net, host, --name, consul-$DATACENTER, consul, agent, -bind, $SERVER_ADDRESS]
`,
	}

	trig := submitRecipeTrigger(t, srv, trigger.RecipeRun{
		Recipe: "consul-server",
		Params: map[string]string{
			"DATACENTER":     "p1",
			"SERVER_ADDRESS": "10.0.0.1",
		},
		TargetNode: "n1",
		AddTo:      "p1-consul-server",
	})
	host.handle(ctx, trig)

	final := srv.Triggers[trig.UUID]
	require.Equal(t, types.TriggerDone, final.Status)

	require.Len(t, engine.runs, 1)
	spec := engine.runs[0]
	assert.Equal(t, "consul", spec.Image)
	assert.Equal(t, "consul-p1", spec.Name)
	assert.Equal(t, "host", spec.Network)
	assert.Equal(t, []string{"agent", "-bind", "10.0.0.1"}, spec.Cmd)

	// The container resource was registered and joined.
	require.Len(t, srv.Members["p1-consul-server"], 1)
	resources, _ := final.Result["resources"].([]any)
	require.Len(t, resources, 1)
	registered := srv.Nodes[resources[0].(string)]
	require.NotNil(t, registered)
	assert.Equal(t, "CONTAINER", registered.Type)
	assert.Equal(t, "eng-n1", registered.Engine.ID)
}

// TestRunExecConflict: a recipe mixing run and exec fails the trigger.
func TestRunExecConflict(t *testing.T) {
	srv, engine, host := newHostUnderTest(t)
	ctx := context.Background()

	srv.AddPhysicalNode("n1", "10.0.0.1", true)
	srv.Recipes["broken"] = &types.Recipe{
		Name: "broken",
		Type: "docker",
		Content: `run:
  - [docker, run, -d, nginx]
exec:
  - [echo, hi]
`,
	}

	trig := submitRecipeTrigger(t, srv, trigger.RecipeRun{Recipe: "broken", TargetNode: "n1"})
	host.handle(ctx, trig)

	final := srv.Triggers[trig.UUID]
	require.Equal(t, types.TriggerError, final.Status)
	assert.Contains(t, final.Reason(), "mixes run and exec")
	assert.Empty(t, engine.runs)
}

// TestExecRecipe targets a named container with expanded arguments.
func TestExecRecipe(t *testing.T) {
	srv, engine, host := newHostUnderTest(t)
	ctx := context.Background()

	srv.AddPhysicalNode("n1", "10.0.0.1", true)
	srv.Recipes["consul-server-join-wan"] = &types.Recipe{
		Name:   "consul-server-join-wan",
		Type:   "docker",
		Params: map[string]string{"DATACENTER": "p1"},
		Content: `exec:
  - [consul, join, -wan, $WAN_ADDRESS]
`,
	}

	trig := submitRecipeTrigger(t, srv, trigger.RecipeRun{
		Recipe:     "consul-server-join-wan",
		Params:     map[string]string{"WAN_ADDRESS": "10.0.2.1"},
		Options:    map[string]any{"container": "consul-server-$DATACENTER"},
		TargetNode: "n1",
	})
	host.handle(ctx, trig)

	final := srv.Triggers[trig.UUID]
	require.Equal(t, types.TriggerDone, final.Status)
	require.Len(t, engine.execs, 1)
	assert.Equal(t, []string{"consul", "join", "-wan", "10.0.2.1"}, engine.execs[0])
	assert.Equal(t, []string{"consul-server-p1"}, engine.execHost)
}

// TestExecRequiresTargetNode mirrors the recipe contract: exec without a
// concrete target is invalid.
func TestExecRequiresTargetNode(t *testing.T) {
	srv, _, host := newHostUnderTest(t)
	ctx := context.Background()

	srv.Recipes["join"] = &types.Recipe{
		Name: "join",
		Type: "docker",
		Content: `exec:
  - [consul, join, -wan, 10.0.0.9]
`,
	}

	trig := submitRecipeTrigger(t, srv, trigger.RecipeRun{
		Recipe:  "join",
		Options: map[string]any{"container": "consul"},
	})
	host.handle(ctx, trig)
	assert.Equal(t, types.TriggerError, srv.Triggers[trig.UUID].Status)
}

// TestRunPicksNodeWithFreePorts excludes a candidate already publishing a
// requested host port.
func TestRunPicksNodeWithFreePorts(t *testing.T) {
	srv, engine, host := newHostUnderTest(t)
	ctx := context.Background()

	srv.AddGroup(&types.Group{Identifier: "pool"})
	busy := srv.AddPhysicalNode("busy", "10.0.0.1", true)
	busy.Engine.Options = `{"ports": ["80:80"]}`
	free := srv.AddPhysicalNode("free", "10.0.0.2", true)
	srv.Join("pool", busy.CloudID, free.CloudID)

	srv.Recipes["web"] = &types.Recipe{
		Name: "web",
		Type: "docker",
		Content: `run:
  - [docker, run, -d, -p, "80:8080", nginx]
`,
	}

	trig := submitRecipeTrigger(t, srv, trigger.RecipeRun{Recipe: "web", TargetAnyOf: "pool"})
	host.handle(ctx, trig)

	require.Equal(t, types.TriggerDone, srv.Triggers[trig.UUID].Status)
	require.Len(t, engine.runs, 1)

	// The registered container landed on the conflict-free node.
	var registered *types.Node
	for _, n := range srv.Nodes {
		if n.Type == "CONTAINER" {
			registered = n
		}
	}
	require.NotNil(t, registered)
	assert.Equal(t, "eng-free", registered.Engine.ID)
}

// TestRunAllPortsTaken: when every candidate conflicts the trigger fails.
func TestRunAllPortsTaken(t *testing.T) {
	srv, _, host := newHostUnderTest(t)
	ctx := context.Background()

	srv.AddGroup(&types.Group{Identifier: "pool"})
	busy := srv.AddPhysicalNode("busy", "10.0.0.1", true)
	busy.Engine.Options = `{"ports": ["80:80"]}`
	srv.Join("pool", busy.CloudID)

	srv.Recipes["web"] = &types.Recipe{
		Name: "web",
		Type: "docker",
		Content: `run:
  - [docker, run, -d, -p, "80:8080", nginx]
`,
	}

	trig := submitRecipeTrigger(t, srv, trigger.RecipeRun{Recipe: "web", TargetAnyOf: "pool"})
	host.handle(ctx, trig)
	assert.Equal(t, types.TriggerError, srv.Triggers[trig.UUID].Status)
}

// TestRmRecipe removes the named containers.
func TestRmRecipe(t *testing.T) {
	srv, engine, host := newHostUnderTest(t)
	ctx := context.Background()

	srv.AddPhysicalNode("n1", "10.0.0.1", true)
	srv.Recipes["cleanup"] = &types.Recipe{
		Name: "cleanup",
		Type: "docker",
		Content: `rm:
  - [old-consul, old-web]
`,
	}

	trig := submitRecipeTrigger(t, srv, trigger.RecipeRun{Recipe: "cleanup", TargetNode: "n1"})
	host.handle(ctx, trig)

	require.Equal(t, types.TriggerDone, srv.Triggers[trig.UUID].Status)
	assert.Equal(t, []string{"old-consul", "old-web"}, engine.removed)
}

// TestClaimedTriggerSkipped: a trigger another host already claimed is
// left alone.
func TestClaimedTriggerSkipped(t *testing.T) {
	srv, engine, host := newHostUnderTest(t)
	ctx := context.Background()

	trig := submitRecipeTrigger(t, srv, trigger.RecipeRun{Recipe: "web"})
	srv.Complete(trig.UUID, types.TriggerRunning, nil)

	host.handle(ctx, trig)
	assert.Empty(t, engine.runs)
	assert.Equal(t, types.TriggerRunning, srv.Triggers[trig.UUID].Status)
}

// TestUnknownRecipeTypeFails: recipes with no registered handler fail
// with a clear reason.
func TestUnknownRecipeTypeFails(t *testing.T) {
	srv, _, host := newHostUnderTest(t)
	ctx := context.Background()

	srv.Recipes["tf"] = &types.Recipe{Name: "tf", Type: "terraform", Content: "run:\n  - [docker, run, x]\n"}
	trig := submitRecipeTrigger(t, srv, trigger.RecipeRun{Recipe: "tf"})
	host.handle(ctx, trig)

	final := srv.Triggers[trig.UUID]
	require.Equal(t, types.TriggerError, final.Status)
	assert.Contains(t, final.Reason(), "no handler registered")
}
