package handler

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// DockerEngine drives a Docker daemon through the Engine API.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the daemon at host, or the environment's
// default when host is empty.
func NewDockerEngine(host string) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// Run implements Engine: create and start a detached container.
func (e *DockerEngine) Run(ctx context.Context, spec ContainerSpec) (string, error) {
	portBindings := network.PortMap{}
	exposedPorts := network.PortSet{}
	for _, pm := range spec.Ports {
		containerPort, err := network.ParsePort(fmt.Sprintf("%s/%s", pm.ContainerPort, pm.Protocol))
		if err != nil {
			return "", fmt.Errorf("parsing port %s: %w", pm.ContainerPort, err)
		}
		exposedPorts[containerPort] = struct{}{}
		portBindings[containerPort] = []network.PortBinding{
			{
				HostIP:   netip.MustParseAddr("0.0.0.0"),
				HostPort: pm.HostPort,
			},
		}
	}

	resp, err := e.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Cmd,
			Env:          spec.Env,
			ExposedPorts: exposedPorts,
		},
		&container.HostConfig{
			NetworkMode:  container.NetworkMode(spec.Network),
			PortBindings: portBindings,
		},
		nil,
		nil,
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if err := e.cli.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container %s: %w", resp.ID, err)
	}
	return resp.ID, nil
}

// Exec implements Engine: run a command inside a running container.
func (e *DockerEngine) Exec(ctx context.Context, containerName string, cmd []string) error {
	exec, err := e.cli.ContainerExecCreate(ctx, containerName, client.ExecCreateOptions{
		Cmd: cmd,
	})
	if err != nil {
		return fmt.Errorf("creating exec in %s: %w", containerName, err)
	}
	if err := e.cli.ContainerExecStart(ctx, exec.ID, client.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("starting exec in %s: %w", containerName, err)
	}
	return nil
}

// Remove implements Engine: force-remove a container.
func (e *DockerEngine) Remove(ctx context.Context, containerName string) error {
	if err := e.cli.ContainerRemove(ctx, containerName, client.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", containerName, err)
	}
	return nil
}

// Close releases the underlying connection.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}
