package deploy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/artpar/fleetrunner/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyResultStore fails the first writes as unavailable.
type flakyResultStore struct {
	store.ResultStore
	failures int
	calls    int
}

func (f *flakyResultStore) CreateResult(ctx context.Context, r *domain.DeploymentResult) (bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return false, fmt.Errorf("%w: connection reset", domain.ErrStoreUnavailable)
	}
	return f.ResultStore.CreateResult(ctx, r)
}

func testResult(req *domain.DeploymentRequest, executedBy string) *domain.DeploymentResult {
	now := time.Now()
	targets := []domain.TargetResult{
		{TargetIndex: 0, SandboxID: "fleet-a-0", Status: domain.TargetSucceeded, PreviewURL: "http://1.2.3.4:3000?bl_preview_token=t"},
	}
	r := domain.Aggregate(req, targets, now.Add(-time.Minute), now)
	r.ExecutedBy = executedBy
	return r
}

func TestAggregator_PersistIsWriteOnce(t *testing.T) {
	s := setupTestStore(t)
	agg := NewAggregator(s, fastStoreRetry(), nil)
	req := claimedRequest(t, s, 2)

	written, err := agg.Persist(context.Background(), testResult(req, "instance-a"))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = agg.Persist(context.Background(), testResult(req, "instance-b"))
	require.NoError(t, err)
	assert.False(t, written)

	got, err := agg.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, "instance-a", got.ExecutedBy)
	assert.Len(t, got.TargetResults, 2)
}

func TestAggregator_PersistRetriesUnavailableStore(t *testing.T) {
	s := setupTestStore(t)
	flaky := &flakyResultStore{ResultStore: s, failures: 2}
	agg := NewAggregator(flaky, fastStoreRetry(), nil)
	req := claimedRequest(t, s, 1)

	written, err := agg.Persist(context.Background(), testResult(req, "instance-a"))
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, 3, flaky.calls)
}

func TestAggregator_PersistGivesUp(t *testing.T) {
	s := setupTestStore(t)
	flaky := &flakyResultStore{ResultStore: s, failures: 10}
	agg := NewAggregator(flaky, fastStoreRetry(), nil)
	req := claimedRequest(t, s, 1)

	_, err := agg.Persist(context.Background(), testResult(req, "instance-a"))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 3, flaky.calls)
}

func TestAggregator_GetNotFound(t *testing.T) {
	agg := NewAggregator(setupTestStore(t), fastStoreRetry(), nil)
	_, err := agg.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAggregator_List(t *testing.T) {
	s := setupTestStore(t)
	agg := NewAggregator(s, fastStoreRetry(), nil)

	ok := claimedRequest(t, s, 1)
	_, err := agg.Persist(context.Background(), testResult(ok, "instance-a"))
	require.NoError(t, err)

	bad := claimedRequest(t, s, 1)
	failed := domain.Aggregate(bad, nil, time.Now(), time.Now())
	_, err = agg.Persist(context.Background(), failed)
	require.NoError(t, err)

	all, err := agg.List(context.Background(), store.ResultFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyFailed, err := agg.List(context.Background(), store.ResultFilter{Status: domain.OverallFailed})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, bad.ID, onlyFailed[0].RequestID)
}
