package trigger_test

import (
	"context"
	"io"
	"testing"
	"time"

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

func newDriver(srv *apitest.Server) *trigger.Driver {
	d := trigger.NewDriver(api.NewClient(api.Config{Server: srv.URL()}))
	d.PollInterval = 5 * time.Millisecond
	return d
}

// TestRunCompletes drives a trigger to done and verifies the driver
// deletes it afterwards.
func TestRunCompletes(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	srv.OnTrigger = func(trig *types.Trigger) (string, map[string]any) {
		return types.TriggerDone, map[string]any{"resources": []any{"c1"}}
	}

	d := newDriver(srv)
	trig, err := d.Run(context.Background(), trigger.RecipeTrigger, map[string]any{"recipe": "consul-server"})
	require.NoError(t, err)
	assert.Equal(t, types.TriggerDone, trig.Status)
	assert.Empty(t, srv.Triggers, "completed trigger should be deleted")
	assert.Len(t, srv.TriggerLog, 1)
}

// TestRunSurfacesFailure maps an error status to FailedError with the
// handler's reason.
func TestRunSurfacesFailure(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	srv.OnTrigger = func(trig *types.Trigger) (string, map[string]any) {
		return types.TriggerError, map[string]any{"reason": "image not found"}
	}

	d := newDriver(srv)
	_, err := d.Run(context.Background(), trigger.RecipeTrigger, nil)
	var failed *trigger.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "image not found", failed.Reason)
}

// TestWaitPollsUntilTerminal leaves the trigger pending for a few polls
// before completing it out of band.
func TestWaitPollsUntilTerminal(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()

	d := newDriver(srv)
	trig, err := d.Submit(context.Background(), trigger.RecipeTrigger, nil)
	require.NoError(t, err)
	assert.Equal(t, types.TriggerPending, trig.Status)

	go func() {
		time.Sleep(20 * time.Millisecond)
		srv.Complete(trig.UUID, types.TriggerDone, nil)
	}()

	final, err := d.Wait(context.Background(), trig)
	require.NoError(t, err)
	assert.Equal(t, types.TriggerDone, final.Status)
}

func TestWaitHonoursCancellation(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()

	d := newDriver(srv)
	trig, err := d.Submit(context.Background(), trigger.RecipeTrigger, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Wait(ctx, trig)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecipeRunArguments(t *testing.T) {
	run := trigger.RecipeRun{
		Recipe:     "consul-server",
		Params:     map[string]string{"DATACENTER": "p1"},
		TargetNode: "n1",
		AddTo:      "p1-consul-server",
	}
	args := run.Arguments()

	parsed, err := trigger.ParseRecipeRun(&types.Trigger{Name: trigger.RecipeTrigger, Arguments: args})
	require.NoError(t, err)
	assert.Equal(t, run.Recipe, parsed.Recipe)
	assert.Equal(t, run.Params, parsed.Params)
	assert.Equal(t, run.TargetNode, parsed.TargetNode)
	assert.Equal(t, run.AddTo, parsed.AddTo)

	_, err = trigger.ParseRecipeRun(&types.Trigger{Name: trigger.RecipeTrigger, Arguments: map[string]any{}})
	assert.Error(t, err)
}
