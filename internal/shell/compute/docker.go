package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/fleetrunner/internal/core/deployment"
	"github.com/artpar/fleetrunner/internal/shell/docker"
)

// DockerProvisioner runs each sandbox as a container on a single Docker host.
type DockerProvisioner struct {
	client     docker.Client
	publicHost string
	logger     *slog.Logger
}

// NewDockerProvisioner creates a provisioner over client. publicHost is the
// host name under which published container ports are reachable.
func NewDockerProvisioner(client docker.Client, publicHost string, logger *slog.Logger) *DockerProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if publicHost == "" {
		publicHost = "localhost"
	}
	return &DockerProvisioner{
		client:     client,
		publicHost: publicHost,
		logger:     logger.With("component", "compute", "backend", BackendDocker),
	}
}

// Name returns the backend name.
func (p *DockerProvisioner) Name() string {
	return BackendDocker
}

// Provision pulls the image if needed, then creates and starts an idle
// container with the app port published on a random host port.
func (p *DockerProvisioner) Provision(ctx context.Context, spec Spec) (*Handle, error) {
	exists, err := p.client.ImageExists(ctx, spec.Image)
	if err != nil {
		return nil, newComputeError("Provision", spec.Name, true, err)
	}
	if !exists {
		p.logger.Info("pulling sandbox image", "image", spec.Image)
		if err := p.client.PullImage(ctx, spec.Image); err != nil {
			return nil, newComputeError("Provision", spec.Name, !errors.Is(err, docker.ErrImageNotFound), err)
		}
	}

	id, err := p.client.CreateContainer(ctx, docker.ContainerSpec{
		Name:    spec.Name,
		Image:   spec.Image,
		Command: []string{"sleep", "infinity"},
		Labels:  spec.Labels,
		Ports: []docker.PortBinding{
			{ContainerPort: spec.Port, Protocol: "tcp"},
		},
		Resources: docker.ResourceLimits{
			CPULimit:    spec.CPUs,
			MemoryLimit: int64(spec.MemoryMB) * 1024 * 1024,
		},
	})
	if err != nil {
		return nil, newComputeError("Provision", spec.Name, true, err)
	}

	h, err := p.start(ctx, id, spec)
	if err != nil {
		if rmErr := p.client.RemoveContainer(context.WithoutCancel(ctx), id); rmErr != nil && !errors.Is(rmErr, docker.ErrContainerNotFound) {
			p.logger.Warn("failed to remove sandbox after provision error", "sandbox", spec.Name, "error", rmErr)
		}
		return nil, err
	}

	p.logger.Info("sandbox provisioned", "sandbox", spec.Name, "container_id", shortID(id), "endpoint", h.Endpoint)
	return h, nil
}

func (p *DockerProvisioner) start(ctx context.Context, id string, spec Spec) (*Handle, error) {
	if err := p.client.StartContainer(ctx, id); err != nil {
		return nil, newComputeError("Provision", spec.Name, true, err)
	}

	info, err := p.client.InspectContainer(ctx, id)
	if err != nil {
		return nil, newComputeError("Provision", spec.Name, true, err)
	}
	hostPort := info.HostPort(spec.Port)
	if hostPort == 0 {
		return nil, newComputeError("Provision", spec.Name, true, fmt.Errorf("%w: port %d", ErrNoEndpoint, spec.Port))
	}

	return &Handle{
		ID:       id,
		Name:     spec.Name,
		Backend:  BackendDocker,
		Host:     p.publicHost,
		Port:     hostPort,
		Endpoint: deployment.Endpoint(p.publicHost, hostPort),
	}, nil
}

// Exec runs script with sh inside the container.
func (p *DockerProvisioner) Exec(ctx context.Context, h *Handle, script string) (*ExecResult, error) {
	res, err := p.client.Exec(ctx, h.ID, []string{"sh", "-c", script})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newComputeError("Exec", h.Name, !errors.Is(err, docker.ErrContainerNotFound), err)
	}
	return &ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

// Deprovision force-removes the container.
func (p *DockerProvisioner) Deprovision(ctx context.Context, h *Handle) error {
	if h == nil || h.ID == "" {
		return nil
	}
	if err := p.client.RemoveContainer(ctx, h.ID); err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			return nil
		}
		return newComputeError("Deprovision", h.Name, true, err)
	}
	p.logger.Info("sandbox deprovisioned", "sandbox", h.Name, "container_id", shortID(h.ID))
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
