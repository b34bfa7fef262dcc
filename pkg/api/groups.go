package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/perfectstorm/storm/pkg/query"
	"github.com/perfectstorm/storm/pkg/types"
)

// GroupsService operates on the groups collection.
type GroupsService struct {
	c *Client
}

const groupsPath = "/v1/groups/"

// All lists every group.
func (s *GroupsService) All(ctx context.Context) ([]*types.Group, error) {
	var out []*types.Group
	if err := s.c.do(ctx, http.MethodGet, groupsPath, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches one group by identifier.
func (s *GroupsService) Get(ctx context.Context, id string) (*types.Group, error) {
	var out types.Group
	if err := s.c.do(ctx, http.MethodGet, groupsPath+url.PathEscape(id)+"/", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create stores a new group.
func (s *GroupsService) Create(ctx context.Context, g *types.Group) (*types.Group, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	var out types.Group
	if err := s.c.do(ctx, http.MethodPost, groupsPath, nil, g, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces the group with the given identifier.
func (s *GroupsService) Update(ctx context.Context, id string, g *types.Group) (*types.Group, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	var out types.Group
	if err := s.c.do(ctx, http.MethodPut, groupsPath+url.PathEscape(id)+"/", nil, g, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateOrCreate upserts a group by identifier. A create that loses a race
// to a concurrent writer falls back to an update of the winner's record.
func (s *GroupsService) UpdateOrCreate(ctx context.Context, g *types.Group) (*types.Group, error) {
	_, err := s.Get(ctx, g.Identifier)
	switch {
	case IsNotFound(err):
		created, cerr := s.Create(ctx, g)
		if IsConflict(cerr) {
			return s.Update(ctx, g.Identifier, g)
		}
		return created, cerr
	case err != nil:
		return nil, err
	}
	return s.Update(ctx, g.Identifier, g)
}

// Destroy deletes the group.
func (s *GroupsService) Destroy(ctx context.Context, id string) error {
	return s.c.do(ctx, http.MethodDelete, groupsPath+url.PathEscape(id)+"/", nil, nil, nil)
}

// Members lists the group's current members, optionally narrowed by a
// caller filter composed server-side with the group's own query.
func (s *GroupsService) Members(ctx context.Context, id string, filter query.Expr) ([]*types.Node, error) {
	params, err := queryParams(filter)
	if err != nil {
		return nil, err
	}
	var out []*types.Node
	if err := s.c.do(ctx, http.MethodGet, groupsPath+url.PathEscape(id)+"/members/", params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type memberMutation struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// AddMembers explicitly includes the given resource ids in the group.
func (s *GroupsService) AddMembers(ctx context.Context, id string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	body := memberMutation{Include: members}
	return s.c.do(ctx, http.MethodPost, groupsPath+url.PathEscape(id)+"/members/", nil, body, nil)
}

// RemoveMembers explicitly excludes the given resource ids from the group.
func (s *GroupsService) RemoveMembers(ctx context.Context, id string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	body := memberMutation{Exclude: members}
	return s.c.do(ctx, http.MethodPost, groupsPath+url.PathEscape(id)+"/members/", nil, body, nil)
}

// SetMembers makes the explicit membership exactly the wanted set: wanted
// ids are included, current members outside it are excluded.
func (s *GroupsService) SetMembers(ctx context.Context, id string, wanted []string) error {
	current, err := s.Members(ctx, id, nil)
	if err != nil {
		return err
	}
	wantedSet := make(map[string]bool, len(wanted))
	for _, m := range wanted {
		wantedSet[m] = true
	}
	var unwanted []string
	for _, member := range current {
		if !wantedSet[member.CloudID] {
			unwanted = append(unwanted, member.CloudID)
		}
	}
	body := memberMutation{Include: wanted, Exclude: unwanted}
	return s.c.do(ctx, http.MethodPost, groupsPath+url.PathEscape(id)+"/members/", nil, body, nil)
}
