package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Request Errors
// =============================================================================

var (
	ErrInvalidRepoURL     = errors.New("repository URL is invalid")
	ErrInvalidTargetCount = errors.New("target count is out of range")
	ErrInvalidPort        = errors.New("port is out of range")
	ErrMissingCommand     = errors.New("start command is required")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrClaimHeld          = errors.New("request is claimed and its lease has not expired")
)

// =============================================================================
// Request Defaults
// =============================================================================

const (
	DefaultTargetCount    = 2
	MaxTargetCount        = 50
	DefaultPort           = 3000
	DefaultInstallCommand = "npm ci"
	DefaultBuildCommand   = "npm run build"
)

// DefaultStartCommand serves the static build output on the given port.
func DefaultStartCommand(port int) string {
	return fmt.Sprintf("npx serve -s dist -l %d", port)
}

// =============================================================================
// Request Status
// =============================================================================

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
)

// validRequestTransitions lists the forward-only moves. processing -> processing
// is a lease reclaim.
var validRequestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:    {RequestProcessing},
	RequestProcessing: {RequestProcessing, RequestCompleted},
	RequestCompleted:  {},
}

// ValidateRequestTransition checks if a request status transition is valid.
func ValidateRequestTransition(from, to RequestStatus) error {
	for _, s := range validRequestTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// =============================================================================
// DeploymentRequest
// =============================================================================

// DeploymentRequest is a unit of work on the shared queue: deploy RepoURL to
// TargetCount independent targets.
type DeploymentRequest struct {
	ID             string        `json:"id"`
	RepoURL        string        `json:"repo_url"`
	TargetCount    int           `json:"target_count"`
	InstallCommand string        `json:"install_command"`
	BuildCommand   string        `json:"build_command"`
	StartCommand   string        `json:"start_command"`
	Port           int           `json:"port"`
	Status         RequestStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	ClaimedAt      *time.Time    `json:"claimed_at,omitempty"`
	ClaimedBy      string        `json:"claimed_by,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// RequestSpec holds the caller-supplied fields of a new request. Zero values
// are replaced with defaults.
type RequestSpec struct {
	RepoURL        string `json:"repo_url" yaml:"repo_url"`
	TargetCount    int    `json:"target_count" yaml:"target_count"`
	InstallCommand string `json:"install_command" yaml:"install_command"`
	BuildCommand   string `json:"build_command" yaml:"build_command"`
	StartCommand   string `json:"start_command" yaml:"start_command"`
	Port           int    `json:"port" yaml:"port"`
}

// NewDeploymentRequest creates a pending request from a spec.
func NewDeploymentRequest(spec RequestSpec, now time.Time) (*DeploymentRequest, error) {
	req := &DeploymentRequest{
		ID:             uuid.New().String(),
		RepoURL:        strings.TrimSpace(spec.RepoURL),
		TargetCount:    spec.TargetCount,
		InstallCommand: spec.InstallCommand,
		BuildCommand:   spec.BuildCommand,
		StartCommand:   spec.StartCommand,
		Port:           spec.Port,
		Status:         RequestPending,
		CreatedAt:      now.UTC(),
	}
	req.applyDefaults()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *DeploymentRequest) applyDefaults() {
	if r.TargetCount == 0 {
		r.TargetCount = DefaultTargetCount
	}
	if r.Port == 0 {
		r.Port = DefaultPort
	}
	if r.InstallCommand == "" {
		r.InstallCommand = DefaultInstallCommand
	}
	if r.BuildCommand == "" {
		r.BuildCommand = DefaultBuildCommand
	}
	if r.StartCommand == "" {
		r.StartCommand = DefaultStartCommand(r.Port)
	}
}

// Validate checks the request fields.
func (r *DeploymentRequest) Validate() error {
	if err := ValidateRepoURL(r.RepoURL); err != nil {
		return err
	}
	if r.TargetCount < 1 || r.TargetCount > MaxTargetCount {
		return fmt.Errorf("%w: %d (must be 1-%d)", ErrInvalidTargetCount, r.TargetCount, MaxTargetCount)
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, r.Port)
	}
	if strings.TrimSpace(r.StartCommand) == "" {
		return ErrMissingCommand
	}
	return nil
}

// ValidateRepoURL accepts http(s), git and ssh URLs with a host, plus the
// scp-like git@host:owner/repo form.
func ValidateRepoURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRepoURL)
	}
	if strings.ContainsAny(raw, " \t\n;&|`$") {
		return fmt.Errorf("%w: %q contains shell metacharacters", ErrInvalidRepoURL, raw)
	}
	if strings.HasPrefix(raw, "git@") && strings.Contains(raw, ":") {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRepoURL, err)
	}
	switch u.Scheme {
	case "http", "https", "git", "ssh":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRepoURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidRepoURL)
	}
	return nil
}

// LeaseExpired reports whether a processing request's claim is older than
// lease. A processing request without a claim time has no live lease.
func (r *DeploymentRequest) LeaseExpired(now time.Time, lease time.Duration) bool {
	if r.Status != RequestProcessing {
		return false
	}
	if r.ClaimedAt == nil {
		return true
	}
	return now.Sub(*r.ClaimedAt) > lease
}

// Claimable reports whether an instance may attempt to claim the request.
func (r *DeploymentRequest) Claimable(now time.Time, lease time.Duration) bool {
	return r.Status == RequestPending || r.LeaseExpired(now, lease)
}

// Claim transitions the request to processing on behalf of claimant. A
// processing request is only reclaimed once its lease has expired.
func (r *DeploymentRequest) Claim(claimant string, now time.Time, lease time.Duration) error {
	if err := ValidateRequestTransition(r.Status, RequestProcessing); err != nil {
		return err
	}
	if r.Status == RequestProcessing && !r.LeaseExpired(now, lease) {
		return ErrClaimHeld
	}

	claimedAt := now.UTC()
	r.Status = RequestProcessing
	r.ClaimedAt = &claimedAt
	r.ClaimedBy = claimant
	return nil
}

// Complete marks the request completed. Completion is independent of the
// deployment's overall status.
func (r *DeploymentRequest) Complete(now time.Time) error {
	if err := ValidateRequestTransition(r.Status, RequestCompleted); err != nil {
		return err
	}
	completedAt := now.UTC()
	r.Status = RequestCompleted
	r.CompletedAt = &completedAt
	return nil
}
