package provider

import (
	"fmt"
	"log/slog"

	coreprovider "github.com/artpar/fleetrunner/internal/core/provider"
)

// NewProvider creates a cloud provider client from validated credentials.
func NewProvider(providerType string, creds coreprovider.Credentials, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := coreprovider.ValidateCredentials(providerType, creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	switch providerType {
	case coreprovider.AWS:
		return NewAWSProvider(creds.AccessKeyID, creds.SecretAccessKey, logger), nil
	case coreprovider.DigitalOcean:
		return NewDigitalOceanProvider(creds.APIToken, logger), nil
	case coreprovider.Hetzner:
		return NewHetznerProvider(creds.APIToken, logger), nil
	default:
		return nil, fmt.Errorf("%w: unsupported provider type: %s", ErrInvalidConfig, providerType)
	}
}
