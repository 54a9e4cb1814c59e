package workers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/artpar/fleetrunner/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	ctxErrs  []error
	block    chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, req *domain.DeploymentRequest) (*domain.DeploymentResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, req.ID)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return &domain.DeploymentResult{RequestID: req.ID}, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

// downStore fails every read as unavailable while down is set.
type downStore struct {
	store.RequestStore
	mu   sync.Mutex
	down bool
}

func (d *downStore) setDown(down bool) {
	d.mu.Lock()
	d.down = down
	d.mu.Unlock()
}

func (d *downStore) ListPendingRequests(ctx context.Context, limit int) ([]domain.DeploymentRequest, error) {
	d.mu.Lock()
	down := d.down
	d.mu.Unlock()
	if down {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	}
	return d.RequestStore.ListPendingRequests(ctx, limit)
}

func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createRequest(t *testing.T, s store.Store, createdAt time.Time) *domain.DeploymentRequest {
	t.Helper()
	req, err := domain.NewDeploymentRequest(domain.RequestSpec{
		RepoURL:     "https://github.com/acme/game",
		TargetCount: 2,
	}, createdAt)
	require.NoError(t, err)
	require.NoError(t, s.CreateRequest(context.Background(), req))
	return req
}

func newTestPoller(s store.RequestStore, exec RequestExecutor, instance string) *Poller {
	return NewPoller(s, exec, nil, PollerConfig{
		InstanceID:      instance,
		Interval:        10 * time.Millisecond,
		LeaseDuration:   30 * time.Minute,
		BatchSize:       10,
		MaxInFlight:     4,
		StoreBackoffMax: 40 * time.Millisecond,
	}, nil)
}

func waitIdle(t *testing.T, p *Poller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

// =============================================================================
// Configuration
// =============================================================================

func TestNewPoller_DefaultConfig(t *testing.T) {
	p := NewPoller(setupTestStore(t), &fakeExecutor{}, nil, PollerConfig{InstanceID: "a"}, nil)

	assert.Equal(t, 2*time.Second, p.config.Interval)
	assert.Equal(t, 30*time.Minute, p.config.LeaseDuration)
	assert.Equal(t, 10, p.config.BatchSize)
	assert.Equal(t, 30*time.Second, p.config.StoreBackoffMax)
}

// =============================================================================
// Claiming
// =============================================================================

func TestPoller_PollOnce_ClaimsPending(t *testing.T) {
	s := setupTestStore(t)
	exec := &fakeExecutor{}
	p := newTestPoller(s, exec, "instance-a")
	req := createRequest(t, s, time.Now())

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitIdle(t, p)

	assert.Equal(t, []string{req.ID}, exec.executed)
	stored, err := s.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestProcessing, stored.Status)
	assert.Equal(t, "instance-a", stored.ClaimedBy)
}

func TestPoller_PollOnce_OldestFirstWithinCapacity(t *testing.T) {
	s := setupTestStore(t)
	exec := &fakeExecutor{block: make(chan struct{})}
	p := newTestPoller(s, exec, "instance-a")
	p.config.MaxInFlight = 2

	base := time.Now().Add(-time.Hour)
	oldest := createRequest(t, s, base)
	middle := createRequest(t, s, base.Add(time.Second))
	newest := createRequest(t, s, base.Add(2*time.Second))

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, p.InFlight())

	n, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "no capacity left")

	for _, id := range []string{oldest.ID, middle.ID} {
		r, err := s.GetRequest(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.RequestProcessing, r.Status)
	}
	r, err := s.GetRequest(context.Background(), newest.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, r.Status)

	close(exec.block)
	waitIdle(t, p)
	assert.Zero(t, p.InFlight())

	n, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitIdle(t, p)
}

func TestPoller_PollOnce_ReclaimsExpiredLease(t *testing.T) {
	s := setupTestStore(t)
	req := createRequest(t, s, time.Now().Add(-2*time.Hour))
	require.NoError(t, s.ClaimRequest(context.Background(), req.ID, store.ExpectationFor(req), "instance-a", time.Now().Add(-time.Hour)))

	exec := &fakeExecutor{}
	b := newTestPoller(s, exec, "instance-b")

	n, err := b.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitIdle(t, b)

	stored, err := s.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestProcessing, stored.Status)
	assert.Equal(t, "instance-b", stored.ClaimedBy)
	assert.Equal(t, []string{req.ID}, exec.executed)
}

func TestPoller_PollOnce_LeaseNotExpired(t *testing.T) {
	s := setupTestStore(t)
	req := createRequest(t, s, time.Now().Add(-time.Hour))
	require.NoError(t, s.ClaimRequest(context.Background(), req.ID, store.ExpectationFor(req), "instance-a", time.Now().Add(-time.Minute)))

	b := newTestPoller(s, &fakeExecutor{}, "instance-b")
	n, err := b.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := s.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, "instance-a", stored.ClaimedBy)
}

func TestPoller_PollOnce_SkipsCompleted(t *testing.T) {
	s := setupTestStore(t)
	req := createRequest(t, s, time.Now())
	require.NoError(t, s.ClaimRequest(context.Background(), req.ID, store.ExpectationFor(req), "instance-a", time.Now().Add(-time.Hour)))
	require.NoError(t, s.CompleteRequest(context.Background(), req.ID, time.Now()))

	n, err := newTestPoller(s, &fakeExecutor{}, "instance-b").PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "completed requests are never reclaimed")
}

func TestPoller_ConcurrentInstancesClaimOnce(t *testing.T) {
	s := setupTestStore(t)
	createRequest(t, s, time.Now())

	exec := &fakeExecutor{}
	pollers := []*Poller{
		newTestPoller(s, exec, "instance-a"),
		newTestPoller(s, exec, "instance-b"),
		newTestPoller(s, exec, "instance-c"),
	}

	var wg sync.WaitGroup
	for _, p := range pollers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.PollOnce(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	for _, p := range pollers {
		waitIdle(t, p)
	}

	assert.Equal(t, 1, exec.count())
}

// =============================================================================
// Store outages
// =============================================================================

func TestPoller_Poll_BacksOffOnStoreFailure(t *testing.T) {
	ds := &downStore{RequestStore: setupTestStore(t), down: true}
	p := newTestPoller(ds, &fakeExecutor{}, "instance-a")
	ctx := context.Background()

	state := p.poll(ctx, pollState{})
	assert.Equal(t, 1, state.failures)
	assert.Equal(t, 10*time.Millisecond, state.backoff)
	assert.ErrorIs(t, state.lastErr, domain.ErrStoreUnavailable)

	state = p.poll(ctx, state)
	assert.Equal(t, 20*time.Millisecond, state.backoff)

	state = p.poll(ctx, state)
	state = p.poll(ctx, state)
	assert.Equal(t, 4, state.failures)
	assert.Equal(t, 40*time.Millisecond, state.backoff, "capped at store backoff max")

	ds.setDown(false)
	state = p.poll(ctx, state)
	assert.Equal(t, pollState{}, state)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestPoller_StartStop(t *testing.T) {
	s := setupTestStore(t)
	exec := &fakeExecutor{}
	p := newTestPoller(s, exec, "instance-a")
	createRequest(t, s, time.Now())

	p.Start()
	require.Eventually(t, func() bool { return exec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	p.Stop()
	waitIdle(t, p)
}

func TestPoller_StopDoesNotCancelInFlight(t *testing.T) {
	s := setupTestStore(t)
	exec := &fakeExecutor{block: make(chan struct{})}
	p := newTestPoller(s, exec, "instance-a")
	createRequest(t, s, time.Now())

	p.Start()
	require.Eventually(t, func() bool { return p.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)
	p.Stop()
	assert.Equal(t, 1, p.InFlight())

	close(exec.block)
	waitIdle(t, p)
	require.Len(t, exec.ctxErrs, 1)
	assert.NoError(t, exec.ctxErrs[0])
}

func TestPoller_RecoversExecutorPanic(t *testing.T) {
	s := setupTestStore(t)
	p := newTestPoller(s, panickingExecutor{}, "instance-a")
	createRequest(t, s, time.Now())

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitIdle(t, p)
	assert.Zero(t, p.InFlight())
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, *domain.DeploymentRequest) (*domain.DeploymentResult, error) {
	panic("orchestrator bug")
}
