package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/perfectstorm/storm/pkg/types"
)

// RecipesService operates on the recipes collection.
type RecipesService struct {
	c *Client
}

const recipesPath = "/v1/recipes/"

// All lists every recipe.
func (s *RecipesService) All(ctx context.Context) ([]*types.Recipe, error) {
	var out []*types.Recipe
	if err := s.c.do(ctx, http.MethodGet, recipesPath, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches one recipe by name.
func (s *RecipesService) Get(ctx context.Context, name string) (*types.Recipe, error) {
	var out types.Recipe
	if err := s.c.do(ctx, http.MethodGet, recipesPath+url.PathEscape(name)+"/", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create stores a new recipe.
func (s *RecipesService) Create(ctx context.Context, r *types.Recipe) (*types.Recipe, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var out types.Recipe
	if err := s.c.do(ctx, http.MethodPost, recipesPath, nil, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces the recipe with the given name.
func (s *RecipesService) Update(ctx context.Context, name string, r *types.Recipe) (*types.Recipe, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var out types.Recipe
	if err := s.c.do(ctx, http.MethodPut, recipesPath+url.PathEscape(name)+"/", nil, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateOrCreate upserts a recipe by name.
func (s *RecipesService) UpdateOrCreate(ctx context.Context, r *types.Recipe) (*types.Recipe, error) {
	_, err := s.Get(ctx, r.Name)
	switch {
	case IsNotFound(err):
		created, cerr := s.Create(ctx, r)
		if IsConflict(cerr) {
			return s.Update(ctx, r.Name, r)
		}
		return created, cerr
	case err != nil:
		return nil, err
	}
	return s.Update(ctx, r.Name, r)
}

// Destroy deletes the recipe.
func (s *RecipesService) Destroy(ctx context.Context, name string) error {
	return s.c.do(ctx, http.MethodDelete, recipesPath+url.PathEscape(name)+"/", nil, nil, nil)
}
