package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServiceRef(t *testing.T) {
	ref, err := ParseServiceRef("frontend[http]")
	require.NoError(t, err)
	assert.Equal(t, "frontend", ref.Component)
	assert.Equal(t, "http", ref.Service)
	assert.Equal(t, "frontend[http]", ref.String())

	for _, malformed := range []string{"frontend", "frontend[]", "[http]", "frontend[http", "a[b][c]"} {
		_, err := ParseServiceRef(malformed)
		assert.Error(t, err, malformed)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, malformed)
	}
}

// TestUserModelRoundTrip checks that converting a user application to the
// API model and back yields an equal user model.
func TestUserModelRoundTrip(t *testing.T) {
	user := &UserApplication{
		Name:       "shop",
		Components: []string{"backend", "frontend"},
		Links: map[string][]string{
			"frontend": {"backend[api]", "backend[metrics]"},
		},
		Expose: []string{"frontend[http]"},
	}

	apiModel, err := user.ToAPIModel()
	require.NoError(t, err)
	assert.Equal(t, []Link{
		{From: "frontend", To: ServiceRef{Component: "backend", Service: "api"}},
		{From: "frontend", To: ServiceRef{Component: "backend", Service: "metrics"}},
	}, apiModel.Links)

	back := apiModel.ToUserModel()
	assert.Equal(t, user, back)
}

func TestUserModelRejectsMalformedRefs(t *testing.T) {
	user := &UserApplication{
		Name:   "shop",
		Expose: []string{"frontend"},
	}
	_, err := user.ToAPIModel()
	assert.Error(t, err)
}

func TestApplicationValidate(t *testing.T) {
	groups := map[string]*Group{
		"frontend": {Identifier: "frontend", Services: []Service{{Name: "http", Protocol: "tcp", Port: 80}}},
		"backend":  {Identifier: "backend", Services: []Service{{Name: "api", Protocol: "tcp", Port: 8080}}},
	}

	app := &Application{
		Name:       "shop",
		Components: []string{"frontend", "backend"},
		Links:      []Link{{From: "frontend", To: ServiceRef{Component: "backend", Service: "api"}}},
		Expose:     []ServiceRef{{Component: "frontend", Service: "http"}},
	}
	assert.NoError(t, app.Validate(groups))

	// Exposed service not declared on its group.
	bad := &Application{
		Name:       "shop",
		Components: []string{"frontend"},
		Expose:     []ServiceRef{{Component: "frontend", Service: "https"}},
	}
	assert.Error(t, bad.Validate(groups))

	// Link source outside the application.
	bad = &Application{
		Name:       "shop",
		Components: []string{"backend"},
		Links:      []Link{{From: "frontend", To: ServiceRef{Component: "backend", Service: "api"}}},
	}
	assert.Error(t, bad.Validate(groups))
}
