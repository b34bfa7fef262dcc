package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/perfectstorm/storm/pkg/query"
	"github.com/perfectstorm/storm/pkg/types"
)

// TriggersService operates on the triggers collection.
type TriggersService struct {
	c *Client
}

const triggersPath = "/v1/triggers/"

// All lists every trigger.
func (s *TriggersService) All(ctx context.Context) ([]*types.Trigger, error) {
	var out []*types.Trigger
	if err := s.c.do(ctx, http.MethodGet, triggersPath, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query lists triggers matching the given expression.
func (s *TriggersService) Query(ctx context.Context, expr query.Expr) ([]*types.Trigger, error) {
	params, err := queryParams(expr)
	if err != nil {
		return nil, err
	}
	var out []*types.Trigger
	if err := s.c.do(ctx, http.MethodGet, triggersPath, params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches one trigger by uuid.
func (s *TriggersService) Get(ctx context.Context, uuid string) (*types.Trigger, error) {
	var out types.Trigger
	if err := s.c.do(ctx, http.MethodGet, triggersPath+url.PathEscape(uuid)+"/", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create submits a new trigger. The server assigns the uuid and the
// initial pending status.
func (s *TriggersService) Create(ctx context.Context, t *types.Trigger) (*types.Trigger, error) {
	var out types.Trigger
	if err := s.c.do(ctx, http.MethodPost, triggersPath, nil, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces the trigger with the given uuid.
func (s *TriggersService) Update(ctx context.Context, uuid string, t *types.Trigger) (*types.Trigger, error) {
	var out types.Trigger
	if err := s.c.do(ctx, http.MethodPut, triggersPath+url.PathEscape(uuid)+"/", nil, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Destroy deletes the trigger.
func (s *TriggersService) Destroy(ctx context.Context, uuid string) error {
	return s.c.do(ctx, http.MethodDelete, triggersPath+url.PathEscape(uuid)+"/", nil, nil, nil)
}

// Handle claims a pending trigger for execution. The server transitions it
// to running; a 409 means another handler won the claim.
func (s *TriggersService) Handle(ctx context.Context, uuid string) (*types.Trigger, error) {
	var out types.Trigger
	if err := s.c.do(ctx, http.MethodPost, triggersPath+url.PathEscape(uuid)+"/handle/", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat refreshes the trigger's liveness timestamp so the server does
// not reap it as stale while a handler is still working.
func (s *TriggersService) Heartbeat(ctx context.Context, uuid string) error {
	return s.c.do(ctx, http.MethodPost, triggersPath+url.PathEscape(uuid)+"/heartbeat/", nil, nil, nil)
}

type triggerCompletion struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result"`
}

// Complete transitions the trigger to done with the given result.
func (s *TriggersService) Complete(ctx context.Context, uuid string, result map[string]any) error {
	if result == nil {
		result = map[string]any{}
	}
	body := triggerCompletion{Status: types.TriggerDone, Result: result}
	return s.c.do(ctx, http.MethodPatch, triggersPath+url.PathEscape(uuid)+"/", nil, body, nil)
}

// Fail transitions the trigger to error, recording the failure reason.
func (s *TriggersService) Fail(ctx context.Context, uuid, reason string) error {
	body := triggerCompletion{
		Status: types.TriggerError,
		Result: map[string]any{"reason": reason},
	}
	return s.c.do(ctx, http.MethodPatch, triggersPath+url.PathEscape(uuid)+"/", nil, body, nil)
}
