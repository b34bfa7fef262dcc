package trigger

import "github.com/perfectstorm/storm/pkg/types"

// RecipeTrigger is the trigger name that routes to recipe handler hosts.
const RecipeTrigger = "recipe"

// RecipeRun describes one invocation of a recipe. It serialises into the
// trigger argument map consumed by handler hosts; params and targeting
// hints override the recipe's stored defaults.
type RecipeRun struct {
	Recipe      string
	Params      map[string]string
	Options     map[string]any
	TargetNode  string
	TargetAnyOf string
	AddTo       string
}

// Arguments builds the trigger argument map.
func (r RecipeRun) Arguments() map[string]any {
	args := map[string]any{"recipe": r.Recipe}
	if len(r.Params) > 0 {
		params := make(map[string]any, len(r.Params))
		for k, v := range r.Params {
			params[k] = v
		}
		args["params"] = params
	}
	if len(r.Options) > 0 {
		args["options"] = r.Options
	}
	if r.TargetNode != "" {
		args["target_node"] = r.TargetNode
	}
	if r.TargetAnyOf != "" {
		args["target_any_of"] = r.TargetAnyOf
	}
	if r.AddTo != "" {
		args["add_to"] = r.AddTo
	}
	return args
}

// ParseRecipeRun decodes a recipe trigger's argument map, the handler-side
// inverse of Arguments.
func ParseRecipeRun(t *types.Trigger) (RecipeRun, error) {
	name, _ := t.Arguments["recipe"].(string)
	if name == "" {
		return RecipeRun{}, &types.ValidationError{Resource: "trigger", Reason: "recipe trigger carries no recipe name"}
	}
	run := RecipeRun{Recipe: name}

	if raw, ok := t.Arguments["params"].(map[string]any); ok {
		run.Params = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				run.Params[k] = s
			}
		}
	}
	if raw, ok := t.Arguments["options"].(map[string]any); ok {
		run.Options = raw
	}
	run.TargetNode, _ = t.Arguments["target_node"].(string)
	run.TargetAnyOf, _ = t.Arguments["target_any_of"].(string)
	run.AddTo, _ = t.Arguments["add_to"].(string)
	return run, nil
}
