package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/digitalocean/godo"
)

// DigitalOceanProvider implements Provider for DigitalOcean.
type DigitalOceanProvider struct {
	client       *godo.Client
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewDigitalOceanProvider creates a new DigitalOcean provider.
func NewDigitalOceanProvider(apiToken string, logger *slog.Logger) *DigitalOceanProvider {
	return &DigitalOceanProvider{
		client:       godo.NewFromToken(apiToken),
		logger:       logger.With("provider", "digitalocean"),
		pollInterval: 5 * time.Second,
	}
}

// CreateInstance provisions a DigitalOcean Droplet.
func (p *DigitalOceanProvider) CreateInstance(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	key, _, err := p.client.Keys.Create(ctx, &godo.KeyCreateRequest{
		Name:      keyName(req.InstanceName),
		PublicKey: req.SSHPublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload SSH key: %w", classify(err))
	}

	droplet, _, err := p.client.Droplets.Create(ctx, &godo.DropletCreateRequest{
		Name:   req.InstanceName,
		Region: req.Region,
		Size:   req.Size,
		Image: godo.DropletCreateImage{
			Slug: "docker-20-04", // DigitalOcean Docker marketplace image
		},
		SSHKeys: []godo.DropletCreateSSHKey{
			{ID: key.ID},
		},
		UserData: "#!/bin/bash\napt-get install -y git\ntouch /var/lib/fleetrunner-ready\n",
		Tags:     dropletTags(req.Labels),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create droplet: %w", classify(err))
	}

	p.logger.Info("droplet created", "droplet_id", droplet.ID, "region", req.Region)

	publicIP, err := p.waitForPublicIP(ctx, droplet.ID)
	if err != nil {
		return &ProvisionResult{ProviderInstanceID: fmt.Sprintf("%d", droplet.ID)},
			fmt.Errorf("failed waiting for public IP: %w", err)
	}

	return &ProvisionResult{
		ProviderInstanceID: fmt.Sprintf("%d", droplet.ID),
		PublicIP:           publicIP,
	}, nil
}

func (p *DigitalOceanProvider) waitForPublicIP(ctx context.Context, dropletID int) (string, error) {
	for i := 0; i < 60; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.pollInterval):
		}

		droplet, _, err := p.client.Droplets.Get(ctx, dropletID)
		if err != nil {
			continue
		}

		if droplet.Status == "active" {
			ip, err := droplet.PublicIPv4()
			if err == nil && ip != "" {
				return ip, nil
			}
		}
	}
	return "", errors.New("timed out waiting for droplet public IP")
}

// DestroyInstance deletes a DigitalOcean Droplet and its SSH key.
func (p *DigitalOceanProvider) DestroyInstance(ctx context.Context, req DestroyRequest) error {
	if req.ProviderInstanceID != "" {
		var dropletID int
		if _, err := fmt.Sscanf(req.ProviderInstanceID, "%d", &dropletID); err != nil {
			return fmt.Errorf("invalid droplet ID: %w", err)
		}

		resp, err := p.client.Droplets.Delete(ctx, dropletID)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				p.logger.Info("droplet already deleted", "droplet_id", dropletID)
			} else {
				return fmt.Errorf("failed to delete droplet: %w", classify(err))
			}
		} else {
			p.logger.Info("droplet deleted", "droplet_id", dropletID)
		}
	}

	// Best-effort cleanup of SSH key
	name := keyName(req.InstanceName)
	keys, _, err := p.client.Keys.List(ctx, &godo.ListOptions{PerPage: 200})
	if err != nil {
		p.logger.Warn("failed to list SSH keys during destroy", "key_name", name, "error", err)
		return nil
	}
	for _, k := range keys {
		if k.Name != name {
			continue
		}
		if _, err := p.client.Keys.DeleteByID(ctx, k.ID); err != nil {
			p.logger.Warn("failed to delete SSH key during destroy", "key_name", name, "error", err)
		}
	}
	return nil
}

// dropletTags flattens labels into DigitalOcean tags, which are plain strings.
func dropletTags(labels map[string]string) []string {
	tags := []string{"fleetrunner"}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, sanitizeTag(k+":"+labels[k]))
	}
	return tags
}

func sanitizeTag(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == ':', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 255 {
		out = out[:255]
	}
	return string(out)
}
