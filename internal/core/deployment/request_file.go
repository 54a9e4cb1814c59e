package deployment

import (
	"fmt"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// ParseRequestFile parses a YAML (or JSON) request submission.
//
// Example file:
//
//	repo_url: https://github.com/acme/game
//	target_count: 3
//	build_command: npm run build
func ParseRequestFile(data []byte, now time.Time) (*domain.DeploymentRequest, error) {
	var spec domain.RequestSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	return domain.NewDeploymentRequest(spec, now)
}
