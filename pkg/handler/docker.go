package handler

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/log"
	"github.com/perfectstorm/storm/pkg/query"
	"github.com/perfectstorm/storm/pkg/trigger"
	"github.com/perfectstorm/storm/pkg/types"
)

// ContainerSpec is a parsed docker run command.
type ContainerSpec struct {
	Image   string
	Name    string
	Cmd     []string
	Env     []string
	Network string
	Ports   []PortBinding
}

// PortBinding is one -p host:container publication.
type PortBinding struct {
	HostPort      string
	ContainerPort string
	Protocol      string
}

// Engine abstracts the container runtime the handler drives.
type Engine interface {
	Run(ctx context.Context, spec ContainerSpec) (string, error)
	Exec(ctx context.Context, container string, cmd []string) error
	Remove(ctx context.Context, container string) error
}

// recipeContent is the docker recipe schema. At least one command kind
// must be present and run may not be combined with exec; an rm list next
// to run or exec is ignored.
type recipeContent struct {
	Run  [][]string `yaml:"run"`
	Exec [][]string `yaml:"exec"`
	Rm   [][]string `yaml:"rm"`
}

// DockerHandler executes docker recipes against one engine and publishes
// the resources it creates back to the API server.
type DockerHandler struct {
	API    *api.Client
	Engine Engine
}

// Type implements RecipeHandler.
func (h *DockerHandler) Type() string { return "docker" }

// Execute implements RecipeHandler.
func (h *DockerHandler) Execute(ctx context.Context, recipe *types.Recipe, run trigger.RecipeRun) (map[string]any, error) {
	var content recipeContent
	if err := yaml.Unmarshal([]byte(recipe.Content), &content); err != nil {
		return nil, &types.ValidationError{Resource: "recipe", Reason: fmt.Sprintf("recipe %s content is not valid YAML: %v", recipe.Name, err)}
	}
	if len(content.Run) > 0 && len(content.Exec) > 0 {
		return nil, &types.ValidationError{Resource: "recipe", Reason: fmt.Sprintf("recipe %s mixes run and exec commands", recipe.Name)}
	}

	switch {
	case len(content.Run) > 0:
		return h.runCommands(ctx, content.Run, run)
	case len(content.Exec) > 0:
		return nil, h.execCommands(ctx, content.Exec, run)
	case len(content.Rm) > 0:
		return nil, h.rmCommands(ctx, content.Rm, run)
	}
	return nil, &types.ValidationError{Resource: "recipe", Reason: fmt.Sprintf("recipe %s declares no run, exec or rm command", recipe.Name)}
}

func (h *DockerHandler) runCommands(ctx context.Context, commands [][]string, run trigger.RecipeRun) (map[string]any, error) {
	var resources []any
	for _, command := range commands {
		args := expandAll(command, run.Params)
		spec, hostPorts, err := parseRunArgs(args)
		if err != nil {
			return nil, err
		}

		node, err := h.resolveTarget(ctx, run, hostPorts)
		if err != nil {
			return nil, err
		}

		containerID, err := h.Engine.Run(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("running %s: %w", spec.Image, err)
		}
		logger := log.WithComponent("docker")
		logger.Info().
			Str("container", containerID).Str("node", node.CloudID).Msg("container started")

		cloudID, err := h.register(ctx, node, spec.Name, containerID, run.AddTo)
		if err != nil {
			return nil, err
		}
		resources = append(resources, cloudID)
	}
	return map[string]any{"resources": resources}, nil
}

func (h *DockerHandler) execCommands(ctx context.Context, commands [][]string, run trigger.RecipeRun) error {
	if run.TargetNode == "" {
		return &types.ValidationError{Resource: "trigger", Reason: "exec commands require a target node"}
	}
	container, _ := run.Options["container"].(string)
	if container == "" {
		return &types.ValidationError{Resource: "trigger", Reason: "exec commands require a container option"}
	}
	container = expand(container, run.Params)

	for _, command := range commands {
		cmd := expandAll(command, run.Params)
		if err := h.Engine.Exec(ctx, container, cmd); err != nil {
			return fmt.Errorf("exec in %s: %w", container, err)
		}
	}
	return nil
}

func (h *DockerHandler) rmCommands(ctx context.Context, commands [][]string, run trigger.RecipeRun) error {
	if run.TargetNode == "" {
		return &types.ValidationError{Resource: "trigger", Reason: "rm commands require a target node"}
	}
	for _, command := range commands {
		for _, name := range expandAll(command, run.Params) {
			if err := h.Engine.Remove(ctx, name); err != nil {
				return fmt.Errorf("removing %s: %w", name, err)
			}
		}
	}
	return nil
}

// resolveTarget picks the node the command lands on: an explicit target
// node wins; otherwise any UP member of the target group that does not
// already publish one of the requested host ports.
func (h *DockerHandler) resolveTarget(ctx context.Context, run trigger.RecipeRun, hostPorts []string) (*types.Node, error) {
	if run.TargetNode != "" {
		return h.API.Nodes().Get(ctx, run.TargetNode)
	}
	if run.TargetAnyOf == "" {
		return nil, &types.ValidationError{Resource: "trigger", Reason: "run commands need a target node or group"}
	}

	candidates, err := h.API.Groups().Members(ctx, run.TargetAnyOf, query.Eq("status", types.StatusUp))
	if err != nil {
		return nil, fmt.Errorf("reading target group %s: %w", run.TargetAnyOf, err)
	}
	node := findNodeWithFreePorts(candidates, hostPorts)
	if node == nil {
		return nil, fmt.Errorf("no node in %s can publish ports %s", run.TargetAnyOf, strings.Join(hostPorts, ", "))
	}
	return node, nil
}

// register publishes the created container to the API server and adds it
// to the requested group.
func (h *DockerHandler) register(ctx context.Context, host *types.Node, name, containerID, addTo string) (string, error) {
	engine := &types.Engine{Type: "docker", Options: containerID}
	if host.Engine != nil {
		engine.ID = host.Engine.ID
	}

	record := &types.Node{
		CloudID:  "storm-" + uuid.New().String(),
		Name:     name,
		NodeType: types.NodeTypeEngine,
		Type:     "CONTAINER",
		Status:   types.StatusUp,
		Engine:   engine,
	}
	created, err := h.API.Nodes().Register(ctx, record)
	if err != nil {
		return "", fmt.Errorf("registering container %s: %w", containerID, err)
	}

	if addTo != "" {
		if err := h.API.Groups().AddMembers(ctx, addTo, []string{created.CloudID}); err != nil {
			return "", fmt.Errorf("adding %s to group %s: %w", created.CloudID, addTo, err)
		}
	}
	return created.CloudID, nil
}

// parseRunArgs parses the supported subset of docker run arguments.
func parseRunArgs(args []string) (ContainerSpec, []string, error) {
	if len(args) < 3 || args[0] != "docker" || args[1] != "run" {
		return ContainerSpec{}, nil, &types.ValidationError{Resource: "recipe", Reason: fmt.Sprintf("run command %v is not a docker run invocation", args)}
	}

	var spec ContainerSpec
	rest := args[2:]
	i := 0
	for ; i < len(rest); i++ {
		arg := rest[i]
		switch {
		case arg == "-d" || arg == "--detach":
		case arg == "--net" || arg == "--network":
			i++
			spec.Network = rest[i]
		case arg == "--name":
			i++
			spec.Name = rest[i]
		case arg == "-e" || arg == "--env":
			i++
			spec.Env = append(spec.Env, rest[i])
		case arg == "-p" || arg == "--publish":
			i++
			binding, err := parsePortBinding(rest[i])
			if err != nil {
				return ContainerSpec{}, nil, err
			}
			spec.Ports = append(spec.Ports, binding)
		case strings.HasPrefix(arg, "-"):
			return ContainerSpec{}, nil, &types.ValidationError{Resource: "recipe", Reason: fmt.Sprintf("unsupported docker run flag %q", arg)}
		default:
			spec.Image = arg
			spec.Cmd = rest[i+1:]
			i = len(rest)
		}
	}
	if spec.Image == "" {
		return ContainerSpec{}, nil, &types.ValidationError{Resource: "recipe", Reason: "docker run command names no image"}
	}

	hostPorts := make([]string, 0, len(spec.Ports))
	for _, p := range spec.Ports {
		hostPorts = append(hostPorts, p.HostPort)
	}
	return spec, hostPorts, nil
}

func parsePortBinding(s string) (PortBinding, error) {
	protocol := "tcp"
	if spec, proto, ok := strings.Cut(s, "/"); ok {
		s, protocol = spec, proto
	}
	host, container, ok := strings.Cut(s, ":")
	if !ok || host == "" || container == "" {
		return PortBinding{}, &types.ValidationError{Resource: "recipe", Reason: fmt.Sprintf("malformed port publication %q", s)}
	}
	return PortBinding{HostPort: host, ContainerPort: container, Protocol: protocol}, nil
}

// expand substitutes $VAR and ${VAR} references from params. Unknown
// variables expand to empty, matching shell behaviour.
func expand(s string, params map[string]string) string {
	return os.Expand(s, func(key string) string { return params[key] })
}

func expandAll(args []string, params map[string]string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = expand(arg, params)
	}
	return out
}
