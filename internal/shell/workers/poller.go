// Package workers holds the background loops of a runner instance.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/artpar/fleetrunner/internal/core/retry"
	"github.com/artpar/fleetrunner/internal/shell/metrics"
	"github.com/artpar/fleetrunner/internal/shell/store"
)

// PollerConfig configures the poller worker.
type PollerConfig struct {
	InstanceID      string
	Interval        time.Duration
	LeaseDuration   time.Duration
	BatchSize       int
	MaxInFlight     int
	StoreBackoffMax time.Duration
}

// DefaultPollerConfig returns default configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:        2 * time.Second,
		LeaseDuration:   30 * time.Minute,
		BatchSize:       10,
		MaxInFlight:     4,
		StoreBackoffMax: 30 * time.Second,
	}
}

// RequestExecutor runs a claimed request to completion.
type RequestExecutor interface {
	Execute(ctx context.Context, req *domain.DeploymentRequest) (*domain.DeploymentResult, error)
}

// Poller claims deployment requests from the shared store and hands them to
// the executor. Claims are conditional writes, so any number of pollers can
// share one store.
type Poller struct {
	store    store.RequestStore
	executor RequestExecutor
	metrics  *metrics.Metrics
	config   PollerConfig
	backoff  retry.Policy
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight sync.WaitGroup
	active   atomic.Int64
}

// pollState is owned by the poll loop and carried from one poll to the next.
type pollState struct {
	failures int
	backoff  time.Duration
	lastErr  error
}

// NewPoller creates a new poller worker.
func NewPoller(s store.RequestStore, executor RequestExecutor, m *metrics.Metrics, config PollerConfig, logger *slog.Logger) *Poller {
	defaults := DefaultPollerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaults.LeaseDuration
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.StoreBackoffMax <= 0 {
		config.StoreBackoffMax = defaults.StoreBackoffMax
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		store:    s,
		executor: executor,
		metrics:  m,
		config:   config,
		backoff: retry.Policy{
			BaseDelay:  config.Interval,
			Multiplier: 2,
			MaxDelay:   config.StoreBackoffMax,
		},
		logger: logger.With("component", "poller", "instance_id", config.InstanceID),
		now:    time.Now,
	}
}

// Start begins the poll loop.
func (p *Poller) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.run()
	p.logger.Info("poller started",
		"interval", p.config.Interval,
		"lease_duration", p.config.LeaseDuration,
		"max_in_flight", p.config.MaxInFlight)
}

// Stop ends the poll loop. Requests already dispatched keep running; use
// Wait to block on them.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("poller stopped", "in_flight", p.active.Load())
}

// Wait blocks until every dispatched request has finished or ctx is done.
func (p *Poller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of requests currently executing.
func (p *Poller) InFlight() int {
	return int(p.active.Load())
}

func (p *Poller) run() {
	defer p.wg.Done()

	var state pollState
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}

		state = p.poll(p.ctx, state)
		wait := p.config.Interval
		if state.failures > 0 {
			wait = state.backoff
		}
		timer.Reset(wait)
	}
}

// poll runs one claim cycle and returns the next loop state. Store failures
// grow the backoff; the first success resets it.
func (p *Poller) poll(ctx context.Context, state pollState) pollState {
	_, err := p.PollOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return state
		}
		state.failures++
		state.lastErr = err
		state.backoff = p.backoff.Delay(state.failures)
		p.metrics.StoreError()
		p.logger.Warn("request store unavailable",
			"failures", state.failures, "retry_in", state.backoff, "error", err)
		return state
	}

	if state.failures > 0 {
		p.logger.Info("request store reachable again", "after_failures", state.failures, "last_error", state.lastErr)
	}
	return pollState{}
}

// PollOnce claims up to the free capacity of pending requests, oldest
// first, then requests whose lease expired. It returns how many requests
// were claimed and dispatched.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	capacity := p.capacity()
	if capacity == 0 {
		p.logger.Debug("at max in-flight, leaving requests for other instances")
		return 0, nil
	}

	pending, err := p.store.ListPendingRequests(ctx, capacity)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for i := range pending {
		ok, err := p.claim(ctx, &pending[i], metrics.ClaimClaimed)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed++
		}
	}
	if claimed >= capacity {
		return claimed, nil
	}

	cutoff := p.now().Add(-p.config.LeaseDuration)
	expired, err := p.store.ListExpiredClaims(ctx, cutoff, capacity-claimed)
	if err != nil {
		return claimed, err
	}
	for i := range expired {
		p.logger.Info("reclaiming expired request",
			"request_id", expired[i].ID, "previous_claimant", expired[i].ClaimedBy)
		ok, err := p.claim(ctx, &expired[i], metrics.ClaimReclaimed)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed++
		}
	}
	return claimed, nil
}

func (p *Poller) capacity() int {
	if p.config.MaxInFlight <= 0 {
		return p.config.BatchSize
	}
	free := p.config.MaxInFlight - int(p.active.Load())
	if free <= 0 {
		return 0
	}
	return min(free, p.config.BatchSize)
}

// claim attempts the conditional write for req and dispatches it on success.
// Only store outages are returned as errors; a lost race is skipped.
func (p *Poller) claim(ctx context.Context, req *domain.DeploymentRequest, outcome string) (bool, error) {
	logger := p.logger.With("request_id", req.ID)
	expect := store.ExpectationFor(req)
	now := p.now()

	if err := req.Claim(p.config.InstanceID, now, p.config.LeaseDuration); err != nil {
		logger.Debug("request not claimable", "status", req.Status, "error", err)
		return false, nil
	}

	err := p.store.ClaimRequest(ctx, req.ID, expect, p.config.InstanceID, now)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrClaimConflict):
		p.metrics.Claim(metrics.ClaimConflict)
		logger.Debug("claim lost to another instance")
		return false, nil
	case errors.Is(err, domain.ErrStoreUnavailable):
		p.metrics.Claim(metrics.ClaimError)
		return false, err
	default:
		p.metrics.Claim(metrics.ClaimError)
		logger.Error("failed to claim request", "error", err)
		return false, nil
	}

	p.metrics.Claim(outcome)
	logger.Info("claimed request", "outcome", outcome, "target_count", req.TargetCount)
	p.dispatch(req)
	return true, nil
}

// dispatch executes req on its own goroutine. Execution is not tied to the
// poller's lifetime: stopping the poller does not cancel it.
func (p *Poller) dispatch(req *domain.DeploymentRequest) {
	p.inFlight.Add(1)
	p.metrics.InFlight(int(p.active.Add(1)))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("request execution panicked", "request_id", req.ID, "panic", r)
			}
			p.metrics.InFlight(int(p.active.Add(-1)))
			p.inFlight.Done()
		}()

		if _, err := p.executor.Execute(context.Background(), req); err != nil {
			p.logger.Error("request execution incomplete, lease will expire",
				"request_id", req.ID, "error", err)
		}
	}()
}
