// Package compute acquires, drives and releases the ephemeral sandboxes a
// deployment target runs in.
//
// Two backends are provided: DockerProvisioner runs each sandbox as a
// container on one Docker host, CloudProvisioner creates a cloud instance per
// sandbox and runs the container there over SSH.
package compute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
)

// Backend names.
const (
	BackendDocker = "docker"
)

// Spec describes the sandbox to provision.
type Spec struct {
	Name     string
	Image    string
	MemoryMB int
	CPUs     float64
	Port     int // Port the app listens on inside the sandbox
	Labels   map[string]string
}

// Handle identifies a provisioned sandbox.
type Handle struct {
	ID       string // container ID or provider instance ID
	Name     string
	Backend  string
	Host     string // public host of the endpoint
	Port     int    // public port of the endpoint
	Endpoint string
	Region   string

	container  string // container name on a cloud instance
	privateKey []byte // SSH key for a cloud instance
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns stdout followed by stderr.
func (r *ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Provisioner manages the sandbox lifecycle.
type Provisioner interface {
	// Name returns the backend name.
	Name() string

	// Provision acquires a sandbox with the spec's port reachable from outside.
	// On error no sandbox is left behind.
	Provision(ctx context.Context, spec Spec) (*Handle, error)

	// Exec runs a shell script inside the sandbox. A non-zero exit code is
	// reported in the result, not as an error.
	Exec(ctx context.Context, h *Handle, script string) (*ExecResult, error)

	// Deprovision releases the sandbox. Releasing an already released
	// sandbox is not an error.
	Deprovision(ctx context.Context, h *Handle) error
}

// CredentialMinter issues time-boxed access tokens for a sandbox endpoint.
type CredentialMinter interface {
	Mint(ctx context.Context, h *Handle, ttl time.Duration) (domain.Credential, error)
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoEndpoint is returned when the sandbox port was not published.
	ErrNoEndpoint = errors.New("sandbox endpoint not published")

	// ErrNotReady is returned when a cloud instance never finished booting.
	ErrNotReady = errors.New("sandbox not ready")
)

// ComputeError wraps a backend failure with whether retrying may help.
type ComputeError struct {
	Op        string
	Sandbox   string
	Message   string
	Retryable bool
	Err       error
}

func (e *ComputeError) Error() string {
	if e.Sandbox != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Sandbox, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ComputeError) Unwrap() error {
	return e.Err
}

func newComputeError(op, sandbox string, retryable bool, err error) *ComputeError {
	return &ComputeError{
		Op:        op,
		Sandbox:   sandbox,
		Message:   err.Error(),
		Retryable: retryable,
		Err:       err,
	}
}

// IsRetryable reports whether err is a compute failure worth retrying.
func IsRetryable(err error) bool {
	var ce *ComputeError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// StageError classifies a compute failure for the given pipeline stage.
func StageError(stage domain.Stage, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Timeout(stage, err)
	}
	if IsRetryable(err) {
		return domain.Transient(stage, err)
	}
	return domain.Fatal(stage, err)
}
