package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/perfectstorm/storm/pkg/types"
)

// AppsService operates on the applications collection.
type AppsService struct {
	c *Client
}

const appsPath = "/v1/apps/"

// All lists every application.
func (s *AppsService) All(ctx context.Context) ([]*types.Application, error) {
	var out []*types.Application
	if err := s.c.do(ctx, http.MethodGet, appsPath, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches one application by name.
func (s *AppsService) Get(ctx context.Context, name string) (*types.Application, error) {
	var out types.Application
	if err := s.c.do(ctx, http.MethodGet, appsPath+url.PathEscape(name)+"/", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create stores a new application.
func (s *AppsService) Create(ctx context.Context, app *types.Application) (*types.Application, error) {
	var out types.Application
	if err := s.c.do(ctx, http.MethodPost, appsPath, nil, app, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces the application with the given name.
func (s *AppsService) Update(ctx context.Context, name string, app *types.Application) (*types.Application, error) {
	var out types.Application
	if err := s.c.do(ctx, http.MethodPut, appsPath+url.PathEscape(name)+"/", nil, app, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateOrCreate upserts an application by name.
func (s *AppsService) UpdateOrCreate(ctx context.Context, app *types.Application) (*types.Application, error) {
	_, err := s.Get(ctx, app.Name)
	switch {
	case IsNotFound(err):
		created, cerr := s.Create(ctx, app)
		if IsConflict(cerr) {
			return s.Update(ctx, app.Name, app)
		}
		return created, cerr
	case err != nil:
		return nil, err
	}
	return s.Update(ctx, app.Name, app)
}

// Destroy deletes the application.
func (s *AppsService) Destroy(ctx context.Context, name string) error {
	return s.c.do(ctx, http.MethodDelete, appsPath+url.PathEscape(name)+"/", nil, nil, nil)
}
