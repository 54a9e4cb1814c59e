// Package provider implements cloud infrastructure provider clients.
// This is part of the Imperative Shell - handles I/O with cloud APIs.
package provider

import (
	"context"
)

// ProvisionRequest contains parameters for creating a cloud instance.
type ProvisionRequest struct {
	InstanceName string
	Region       string
	Size         string
	SSHPublicKey string            // Public key to install on the instance
	AppPort      int               // Port opened to the internet for the deployed app
	Labels       map[string]string // Attached as provider labels/tags
}

// ProvisionResult contains the result of creating a cloud instance.
type ProvisionResult struct {
	ProviderInstanceID string
	PublicIP           string
}

// DestroyRequest contains parameters for destroying a cloud instance.
type DestroyRequest struct {
	ProviderInstanceID string
	InstanceName       string // derives SSH key name: "fleetrunner-{InstanceName}"
	Region             string // AWS needs this to target correct region
}

// Provider defines the interface for cloud infrastructure providers.
type Provider interface {
	// CreateInstance provisions a new cloud instance with Docker installed.
	CreateInstance(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)

	// DestroyInstance terminates a cloud instance and cleans up associated resources.
	DestroyInstance(ctx context.Context, req DestroyRequest) error
}

// keyName derives the provider-side SSH key (and AWS security group) name.
func keyName(instanceName string) string {
	return "fleetrunner-" + instanceName
}
