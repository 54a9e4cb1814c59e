package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// HetznerProvider implements Provider for Hetzner Cloud.
type HetznerProvider struct {
	client       *hcloud.Client
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewHetznerProvider creates a new Hetzner Cloud provider.
func NewHetznerProvider(apiToken string, logger *slog.Logger) *HetznerProvider {
	return &HetznerProvider{
		client:       hcloud.NewClient(hcloud.WithToken(apiToken), hcloud.WithApplication("fleetrunner", "")),
		logger:       logger.With("provider", "hetzner"),
		pollInterval: 5 * time.Second,
	}
}

// CreateInstance provisions a Hetzner Cloud server.
func (p *HetznerProvider) CreateInstance(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	// Upload SSH key (idempotent: delete existing key first if present)
	name := keyName(req.InstanceName)
	if existing, _, _ := p.client.SSHKey.GetByName(ctx, name); existing != nil {
		p.client.SSHKey.Delete(ctx, existing)
	}
	key, _, err := p.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{
		Name:      name,
		PublicKey: req.SSHPublicKey,
		Labels:    req.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload SSH key: %w", classify(err))
	}

	serverType, _, err := p.client.ServerType.GetByName(ctx, req.Size)
	if err != nil || serverType == nil {
		return nil, fmt.Errorf("%w: invalid server type %s: %v", ErrInvalidConfig, req.Size, err)
	}

	location, _, err := p.client.Location.GetByName(ctx, req.Region)
	if err != nil || location == nil {
		return nil, fmt.Errorf("%w: invalid location %s: %v", ErrInvalidConfig, req.Region, err)
	}

	image, _, err := p.client.Image.GetByNameAndArchitecture(ctx, "ubuntu-22.04", hcloud.ArchitectureX86)
	if err != nil || image == nil {
		return nil, fmt.Errorf("failed to find Ubuntu image: %w", classify(err))
	}

	// Create server with Docker user data
	result, _, err := p.client.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:       req.InstanceName,
		ServerType: serverType,
		Image:      image,
		Location:   location,
		SSHKeys:    []*hcloud.SSHKey{key},
		UserData:   dockerInstallScript(),
		Labels:     req.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", classify(err))
	}

	p.logger.Info("Hetzner server created", "server_id", result.Server.ID, "location", req.Region)

	publicIP, err := p.waitForPublicIP(ctx, result.Server.ID)
	if err != nil {
		return &ProvisionResult{ProviderInstanceID: strconv.FormatInt(result.Server.ID, 10)},
			fmt.Errorf("failed waiting for public IP: %w", err)
	}

	return &ProvisionResult{
		ProviderInstanceID: strconv.FormatInt(result.Server.ID, 10),
		PublicIP:           publicIP,
	}, nil
}

func (p *HetznerProvider) waitForPublicIP(ctx context.Context, serverID int64) (string, error) {
	for i := 0; i < 60; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.pollInterval):
		}

		server, _, err := p.client.Server.GetByID(ctx, serverID)
		if err != nil || server == nil {
			continue
		}

		if server.Status == hcloud.ServerStatusRunning && !server.PublicNet.IPv4.IP.IsUnspecified() {
			return server.PublicNet.IPv4.IP.String(), nil
		}
	}
	return "", errors.New("timed out waiting for server public IP")
}

// DestroyInstance deletes a Hetzner Cloud server and cleans up SSH key.
func (p *HetznerProvider) DestroyInstance(ctx context.Context, req DestroyRequest) error {
	if req.ProviderInstanceID != "" {
		serverID, err := strconv.ParseInt(req.ProviderInstanceID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid server ID: %w", err)
		}

		server, _, err := p.client.Server.GetByID(ctx, serverID)
		if err != nil {
			return fmt.Errorf("failed to get server: %w", classify(err))
		}
		if server == nil {
			p.logger.Info("Hetzner server already deleted", "server_id", serverID)
		} else {
			if _, _, err := p.client.Server.DeleteWithResult(ctx, server); err != nil {
				return fmt.Errorf("failed to delete server: %w", classify(err))
			}
			p.logger.Info("Hetzner server deleted", "server_id", serverID)
		}
	}

	// Best-effort cleanup of SSH key
	name := keyName(req.InstanceName)
	if existing, _, _ := p.client.SSHKey.GetByName(ctx, name); existing != nil {
		if _, err := p.client.SSHKey.Delete(ctx, existing); err != nil {
			p.logger.Warn("failed to delete SSH key during destroy", "key_name", name, "error", err)
		}
	}

	return nil
}

// dockerInstallScript returns a cloud-init script for installing Docker and git.
func dockerInstallScript() string {
	return `#!/bin/bash
set -e
apt-get update -y
apt-get install -y ca-certificates curl gnupg git
install -m 0755 -d /etc/apt/keyrings
curl -fsSL https://download.docker.com/linux/ubuntu/gpg | gpg --dearmor -o /etc/apt/keyrings/docker.gpg
chmod a+r /etc/apt/keyrings/docker.gpg
echo "deb [arch=$(dpkg --print-architecture) signed-by=/etc/apt/keyrings/docker.gpg] https://download.docker.com/linux/ubuntu $(. /etc/os-release && echo "$VERSION_CODENAME") stable" | tee /etc/apt/sources.list.d/docker.list > /dev/null
apt-get update -y
apt-get install -y docker-ce docker-ce-cli containerd.io
systemctl enable docker
systemctl start docker
touch /var/lib/fleetrunner-ready
`
}
