package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/fleetrunner/internal/core/deployment"
	"github.com/artpar/fleetrunner/internal/shell/provider"
)

// readyMarker is touched by the instance user data once Docker and git are
// installed.
const readyMarker = "/var/lib/fleetrunner-ready"

// CloudConfig configures a CloudProvisioner.
type CloudConfig struct {
	Backend      string // provider name, used for logging and handles
	Region       string
	Size         string
	SSHUser      string
	ReadyTimeout time.Duration // how long to wait for the instance to boot
	ReadyPoll    time.Duration
}

// CloudProvisioner creates one cloud instance per sandbox and runs the
// sandbox container on it.
type CloudProvisioner struct {
	provider provider.Provider
	runner   remoteRunner
	config   CloudConfig
	logger   *slog.Logger
}

// NewCloudProvisioner creates a provisioner over a cloud provider client.
func NewCloudProvisioner(p provider.Provider, config CloudConfig, logger *slog.Logger) *CloudProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = 10 * time.Minute
	}
	if config.ReadyPoll == 0 {
		config.ReadyPoll = 10 * time.Second
	}
	return &CloudProvisioner{
		provider: p,
		runner:   newSSHRunner(config.SSHUser),
		config:   config,
		logger:   logger.With("component", "compute", "backend", config.Backend),
	}
}

// Name returns the backend name.
func (p *CloudProvisioner) Name() string {
	return p.config.Backend
}

// Provision creates an instance, waits for it to boot and starts the
// sandbox container with the app port published on the same port.
func (p *CloudProvisioner) Provision(ctx context.Context, spec Spec) (*Handle, error) {
	pubKey, privKey, err := generateSSHKeyPair()
	if err != nil {
		return nil, newComputeError("Provision", spec.Name, false, err)
	}

	res, err := p.provider.CreateInstance(ctx, provider.ProvisionRequest{
		InstanceName: spec.Name,
		Region:       p.config.Region,
		Size:         p.config.Size,
		SSHPublicKey: string(pubKey),
		AppPort:      spec.Port,
		Labels:       spec.Labels,
	})
	if err != nil {
		if res != nil && res.ProviderInstanceID != "" {
			p.destroy(ctx, spec.Name, res.ProviderInstanceID)
		}
		return nil, newComputeError("Provision", spec.Name, providerRetryable(err), err)
	}

	h := &Handle{
		ID:         res.ProviderInstanceID,
		Name:       spec.Name,
		Backend:    p.config.Backend,
		Host:       res.PublicIP,
		Port:       spec.Port,
		Endpoint:   deployment.Endpoint(res.PublicIP, spec.Port),
		Region:     p.config.Region,
		container:  "sandbox",
		privateKey: privKey,
	}
	p.logger.Info("instance created", "sandbox", spec.Name, "instance_id", h.ID, "ip", h.Host)

	if err := p.waitReady(ctx, h); err != nil {
		p.destroy(ctx, spec.Name, h.ID)
		return nil, newComputeError("Provision", spec.Name, true, err)
	}

	run := fmt.Sprintf("docker run -d --name %s -p %d:%d --memory %dm --cpus %g %s sleep infinity",
		h.container, spec.Port, spec.Port, spec.MemoryMB, spec.CPUs, deployment.ShellQuote(spec.Image))
	out, err := p.runner.Run(ctx, h.Host, h.privateKey, run)
	if err == nil && out.ExitCode != 0 {
		err = fmt.Errorf("docker run exit status %d: %s", out.ExitCode, deployment.OutputTail(out.Output(), deployment.MaxErrorOutput))
	}
	if err != nil {
		p.destroy(ctx, spec.Name, h.ID)
		return nil, newComputeError("Provision", spec.Name, true, err)
	}

	return h, nil
}

// waitReady polls over SSH until the user data has finished.
func (p *CloudProvisioner) waitReady(ctx context.Context, h *Handle) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.ReadyTimeout)
	defer cancel()

	var lastErr error
	for {
		res, err := p.runner.Run(ctx, h.Host, h.privateKey, "test -f "+readyMarker)
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w: %v", ErrNotReady, lastErr)
			}
			return ErrNotReady
		case <-time.After(p.config.ReadyPoll):
		}
	}
}

// Exec runs script inside the sandbox container via docker exec.
func (p *CloudProvisioner) Exec(ctx context.Context, h *Handle, script string) (*ExecResult, error) {
	cmd := fmt.Sprintf("docker exec %s sh -c %s", h.container, deployment.ShellQuote(script))
	res, err := p.runner.Run(ctx, h.Host, h.privateKey, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newComputeError("Exec", h.Name, true, err)
	}
	return res, nil
}

// Deprovision destroys the instance and its provider-side key.
func (p *CloudProvisioner) Deprovision(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	err := p.provider.DestroyInstance(ctx, provider.DestroyRequest{
		ProviderInstanceID: h.ID,
		InstanceName:       h.Name,
		Region:             h.Region,
	})
	if err != nil {
		return newComputeError("Deprovision", h.Name, providerRetryable(err), err)
	}
	p.logger.Info("sandbox deprovisioned", "sandbox", h.Name, "instance_id", h.ID)
	return nil
}

func (p *CloudProvisioner) destroy(ctx context.Context, name, instanceID string) {
	err := p.provider.DestroyInstance(context.WithoutCancel(ctx), provider.DestroyRequest{
		ProviderInstanceID: instanceID,
		InstanceName:       name,
		Region:             p.config.Region,
	})
	if err != nil {
		p.logger.Warn("failed to destroy instance after provision error", "sandbox", name, "instance_id", instanceID, "error", err)
	}
}

// providerRetryable reports whether a provider error may clear up on retry.
// Credential, quota and configuration errors never do.
func providerRetryable(err error) bool {
	switch {
	case errors.Is(err, provider.ErrUnauthorized),
		errors.Is(err, provider.ErrQuotaExceeded),
		errors.Is(err, provider.ErrInvalidConfig):
		return false
	case errors.Is(err, provider.ErrRateLimited), errors.Is(err, provider.ErrUnavailable):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}
	return !strings.Contains(err.Error(), "invalid")
}
