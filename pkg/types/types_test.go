package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestGroupValidateUniqueServices enforces unique service names within a
// group.
func TestGroupValidateUniqueServices(t *testing.T) {
	g := &Group{
		Identifier: "web",
		Services: []Service{
			{Name: "http", Protocol: "tcp", Port: 80},
			{Name: "https", Protocol: "tcp", Port: 443},
		},
	}
	assert.NoError(t, g.Validate())

	g.Services = append(g.Services, Service{Name: "http", Protocol: "udp", Port: 8080})
	err := g.Validate()
	assert.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestTriggerPredicates(t *testing.T) {
	trig := &Trigger{Status: TriggerPending}
	assert.True(t, trig.IsPending())
	assert.False(t, trig.IsComplete())

	trig.Status = TriggerRunning
	assert.True(t, trig.IsRunning())
	assert.False(t, trig.IsComplete())

	trig.Status = TriggerDone
	assert.True(t, trig.IsComplete())
	assert.False(t, trig.IsError())

	trig.Status = TriggerError
	trig.Result = map[string]any{"reason": "image not found"}
	assert.True(t, trig.IsComplete())
	assert.True(t, trig.IsError())
	assert.Equal(t, "image not found", trig.Reason())
}
