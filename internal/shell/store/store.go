package store

import (
	"context"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
)

// =============================================================================
// Store Interfaces
// =============================================================================

// RequestStore is the shared deployment request queue. Claims and completion
// are conditional writes; they are the only coordination between runner
// instances.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *domain.DeploymentRequest) error
	GetRequest(ctx context.Context, id string) (*domain.DeploymentRequest, error)
	ListRequests(ctx context.Context, opts ListOptions) ([]domain.DeploymentRequest, error)

	// ListPendingRequests returns pending requests, oldest first.
	ListPendingRequests(ctx context.Context, limit int) ([]domain.DeploymentRequest, error)

	// ListExpiredClaims returns processing requests claimed before cutoff.
	ListExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]domain.DeploymentRequest, error)

	// ClaimRequest moves a request to processing for claimant if its stored
	// state still matches expect. A mismatch returns domain.ErrClaimConflict.
	ClaimRequest(ctx context.Context, id string, expect ClaimExpectation, claimant string, now time.Time) error

	// CompleteRequest moves a processing request to completed. Completing an
	// already completed request is a no-op.
	CompleteRequest(ctx context.Context, id string, now time.Time) error
}

// ResultStore holds write-once deployment results.
type ResultStore interface {
	// CreateResult inserts result unless one already exists for its request.
	// It reports whether a row was written.
	CreateResult(ctx context.Context, result *domain.DeploymentResult) (bool, error)
	GetResult(ctx context.Context, requestID string) (*domain.DeploymentResult, error)
	ListResults(ctx context.Context, filter ResultFilter) ([]domain.DeploymentResult, error)
}

// Store combines both stores with lifecycle methods.
type Store interface {
	RequestStore
	ResultStore

	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ClaimExpectation is the state a claim expects to find in the store.
type ClaimExpectation struct {
	Status    domain.RequestStatus
	ClaimedAt *time.Time
}

// ExpectationFor returns the expectation matching req as it was read.
func ExpectationFor(req *domain.DeploymentRequest) ClaimExpectation {
	return ClaimExpectation{Status: req.Status, ClaimedAt: req.ClaimedAt}
}

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// ResultFilter narrows ListResults. Zero fields match everything.
type ResultFilter struct {
	Status domain.OverallStatus
	Since  *time.Time
	Until  *time.Time
	ListOptions
}

// =============================================================================
// Time Encoding
// =============================================================================

// timeLayout is fixed width so stored timestamps sort and compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
