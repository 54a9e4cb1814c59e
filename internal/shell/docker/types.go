package docker

import (
	"context"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Env        map[string]string
	Labels     map[string]string
	Ports      []PortBinding
	WorkingDir string
	Resources  ResourceLimits
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// ResourceLimits defines resource constraints.
type ResourceLimits struct {
	CPULimit    float64 // CPU cores
	MemoryLimit int64   // Bytes
}

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusExited  ContainerStatus = "exited"
	ContainerStatusDead    ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID       string
	Name     string
	Image    string
	Status   ContainerStatus
	Ports    []PortBinding
	Labels   map[string]string
	ExitCode int
}

// HostPort returns the host port published for containerPort, or 0.
func (c *ContainerInfo) HostPort(containerPort int) int {
	for _, p := range c.Ports {
		if p.ContainerPort == containerPort && p.HostPort != 0 {
			return p.HostPort
		}
	}
	return 0
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker client interface.
type Client interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)

	PullImage(ctx context.Context, image string) error
	ImageExists(ctx context.Context, image string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

var _ Client = (*DockerClient)(nil)
