package deploy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/artpar/fleetrunner/internal/core/retry"
	"github.com/artpar/fleetrunner/internal/shell/store"
)

// Aggregator persists and serves deployment results.
type Aggregator struct {
	store  store.ResultStore
	retry  retry.Policy
	logger *slog.Logger
}

// NewAggregator creates an aggregator over s. Store outages are retried
// with policy.
func NewAggregator(s store.ResultStore, policy retry.Policy, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:  s,
		retry:  policy,
		logger: logger.With("component", "aggregator"),
	}
}

// Persist writes r keyed by its request ID. A result that already exists is
// left untouched and Persist reports false.
func (a *Aggregator) Persist(ctx context.Context, r *domain.DeploymentResult) (bool, error) {
	var written bool
	err := a.retry.DoIf(ctx, storeUnavailable, func(ctx context.Context, attempt int) error {
		var err error
		written, err = a.store.CreateResult(ctx, r)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		a.logger.Warn("result store unavailable, retrying",
			"request_id", r.RequestID, "attempt", attempt, "retry_in", wait, "error", err)
	})
	if err != nil {
		return false, err
	}

	if !written {
		a.logger.Info("result already persisted, keeping existing", "request_id", r.RequestID)
		return false, nil
	}
	a.logger.Debug("result persisted", "request_id", r.RequestID, "overall_status", r.OverallStatus)
	return true, nil
}

// Get returns the result for requestID.
func (a *Aggregator) Get(ctx context.Context, requestID string) (*domain.DeploymentResult, error) {
	return a.store.GetResult(ctx, requestID)
}

// List returns results matching filter, newest first.
func (a *Aggregator) List(ctx context.Context, filter store.ResultFilter) ([]domain.DeploymentResult, error) {
	filter.ListOptions = filter.ListOptions.Normalize()
	return a.store.ListResults(ctx, filter)
}

func storeUnavailable(err error) bool {
	return errors.Is(err, domain.ErrStoreUnavailable)
}
