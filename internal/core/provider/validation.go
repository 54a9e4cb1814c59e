// Package provider contains pure functions for cloud provider logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package provider

import (
	"errors"
)

// Provider type names.
const (
	AWS          = "aws"
	DigitalOcean = "digitalocean"
	Hetzner      = "hetzner"
)

// =============================================================================
// Credential Validation (Pure - no I/O)
// =============================================================================

var (
	ErrAWSAccessKeyRequired = errors.New("AWS access key ID is required")
	ErrAWSSecretKeyRequired = errors.New("AWS secret access key is required")
	ErrDOTokenRequired      = errors.New("DigitalOcean API token is required")
	ErrHetznerTokenRequired = errors.New("Hetzner API token is required")
	ErrUnknownProvider      = errors.New("unknown provider type")
	ErrRegionRequired       = errors.New("region is required")
	ErrSizeRequired         = errors.New("instance size is required")
)

// Credentials holds the secrets for any supported provider. Only the fields
// of the selected provider are read.
type Credentials struct {
	APIToken        string `json:"api_token"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// IsCloud reports whether name is a supported cloud provider.
func IsCloud(name string) bool {
	switch name {
	case AWS, DigitalOcean, Hetzner:
		return true
	}
	return false
}

// ValidateCredentials validates the credential fields for a provider.
func ValidateCredentials(provider string, creds Credentials) error {
	switch provider {
	case AWS:
		if creds.AccessKeyID == "" {
			return ErrAWSAccessKeyRequired
		}
		if creds.SecretAccessKey == "" {
			return ErrAWSSecretKeyRequired
		}
		return nil
	case DigitalOcean:
		if creds.APIToken == "" {
			return ErrDOTokenRequired
		}
		return nil
	case Hetzner:
		if creds.APIToken == "" {
			return ErrHetznerTokenRequired
		}
		return nil
	default:
		return ErrUnknownProvider
	}
}

// ValidatePlacement checks that a region and size were chosen.
func ValidatePlacement(region, size string) error {
	if region == "" {
		return ErrRegionRequired
	}
	if size == "" {
		return ErrSizeRequired
	}
	return nil
}

// DefaultPlacement returns a small default region and size for a provider.
func DefaultPlacement(provider string) (region, size string) {
	switch provider {
	case AWS:
		return "us-east-1", "t3.medium"
	case DigitalOcean:
		return "nyc3", "s-2vcpu-4gb"
	case Hetzner:
		return "fsn1", "cx22"
	}
	return "", ""
}
