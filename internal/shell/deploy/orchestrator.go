package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/fleetrunner/internal/core/deployment"
	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/artpar/fleetrunner/internal/core/retry"
	"github.com/artpar/fleetrunner/internal/shell/events"
	"github.com/artpar/fleetrunner/internal/shell/metrics"
	"github.com/artpar/fleetrunner/internal/shell/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// OrchestratorConfig configures request fan-out.
type OrchestratorConfig struct {
	InstanceID         string
	TargetTimeout      time.Duration
	MaxParallelTargets int // 0 runs every target at once
	StoreRetry         retry.Policy
}

// DefaultOrchestratorConfig returns default configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		TargetTimeout: 15 * time.Minute,
		StoreRetry: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			Multiplier:  2,
			MaxDelay:    30 * time.Second,
		},
	}
}

// Orchestrator executes a claimed request across its targets.
type Orchestrator struct {
	runner   TargetRunner
	requests store.RequestStore
	results  *Aggregator
	events   *events.Guard
	metrics  *metrics.Metrics
	config   OrchestratorConfig
	logger   *slog.Logger
	now      func() time.Time

	// pipelines still running, including targets abandoned at their timeout
	background sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. A nil guard discards events.
func NewOrchestrator(runner TargetRunner, requests store.RequestStore, results *Aggregator, guard *events.Guard, m *metrics.Metrics, config OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = events.NewGuard(nil, 0, m, logger)
	}
	if config.TargetTimeout <= 0 {
		config.TargetTimeout = DefaultOrchestratorConfig().TargetTimeout
	}
	return &Orchestrator{
		runner:   runner,
		requests: requests,
		results:  results,
		events:   guard,
		metrics:  m,
		config:   config,
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// Execute runs every target of req, persists the aggregated result and
// marks the request completed. Target failures are recorded in the result;
// an error is only returned when the result or completion could not be
// stored, in which case the request stays processing until its lease
// expires.
func (o *Orchestrator) Execute(ctx context.Context, req *domain.DeploymentRequest) (*domain.DeploymentResult, error) {
	logger := o.logger.With("request_id", req.ID, "repo_url", req.RepoURL, "target_count", req.TargetCount)
	logger.Info("executing deployment request")
	started := o.now()

	outcomes := make([]domain.TargetResult, req.TargetCount)
	var g errgroup.Group
	if o.config.MaxParallelTargets > 0 {
		g.SetLimit(o.config.MaxParallelTargets)
	}
	for i := 0; i < req.TargetCount; i++ {
		i := i
		g.Go(func() error {
			outcomes[i] = o.runTarget(ctx, req, i, logger)
			return nil
		})
	}
	_ = g.Wait()

	result := domain.Aggregate(req, outcomes, started, o.now())
	result.ExecutedBy = o.config.InstanceID

	if _, err := o.results.Persist(ctx, result); err != nil {
		logger.Error("failed to persist result", "error", err)
		return result, fmt.Errorf("persist result: %w", err)
	}
	if err := o.complete(ctx, req.ID, logger); err != nil {
		logger.Error("failed to complete request", "error", err)
		return result, fmt.Errorf("complete request: %w", err)
	}

	returnCode := 0
	if result.OverallStatus == domain.OverallFailed {
		returnCode = 1
	}
	o.events.Log(ctx, domain.NewEvent(domain.EventDeploymentComplete, "", req.ID, req.RepoURL, returnCode, o.now()).
		With(domain.ExtRequestID, req.ID).
		With(domain.ExtSuccessful, strconv.Itoa(result.SuccessfulCount)))
	o.metrics.RequestCompleted(string(result.OverallStatus))

	logger.Info("deployment finished",
		"overall_status", result.OverallStatus,
		"successful", result.SuccessfulCount,
		"endpoints", result.Endpoints(),
		"duration", result.TotalDuration)
	if err := result.Err(); err != nil {
		logger.Warn("no target succeeded", "error", err)
	}
	return result, nil
}

// runTarget runs one target under the target timeout. When the timeout
// fires first the target is reported as timed out at its active stage and
// the pipeline is left to wind down on its cancelled context.
func (o *Orchestrator) runTarget(ctx context.Context, req *domain.DeploymentRequest, index int, logger *slog.Logger) domain.TargetResult {
	sandbox := deployment.SandboxName(req.ID, index, sandboxSuffix())
	jobID := uuid.NewString()
	logger = logger.With("target_index", index, "sandbox_id", sandbox, "job_id", jobID)

	// The target timeout covers event delivery too.
	targetCtx, cancel := context.WithTimeout(ctx, o.config.TargetTimeout)

	o.events.Log(ctx, domain.NewEvent(domain.EventDeploymentStart, sandbox, jobID, req.RepoURL, 0, o.now()).
		With(domain.ExtRequestID, req.ID).
		With(domain.ExtTargetIndex, strconv.Itoa(index)))
	logger.Info("target started")

	progress := NewProgress()
	done := make(chan domain.TargetResult, 1)

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer cancel()
		done <- o.runner.Run(targetCtx, Target{Request: req, Index: index, Sandbox: sandbox}, progress)
	}()

	var result domain.TargetResult
	select {
	case result = <-done:
	case <-targetCtx.Done():
		select {
		case result = <-done:
		default:
			stage, durations := progress.Snapshot()
			err := domain.Timeout(stage, fmt.Errorf("target exceeded %s: %w", o.config.TargetTimeout, targetCtx.Err()))
			result = domain.FailedTarget(index, sandbox, stage, err, durations)
			logger.Warn("target timed out, abandoning pipeline", "stage", stage)
		}
	}

	ext := strconv.Itoa(index)
	if result.Succeeded() {
		o.events.Log(ctx, domain.NewEvent(domain.EventDeploymentSuccess, sandbox, jobID, req.RepoURL, 0, o.now()).
			With(domain.ExtRequestID, req.ID).
			With(domain.ExtTargetIndex, ext).
			With(domain.ExtPreviewURL, result.PreviewURL))
		logger.Info("target succeeded", "endpoint", result.Endpoint)
	} else {
		o.events.Log(ctx, domain.NewEvent(domain.EventDeploymentFailure, sandbox, jobID, req.RepoURL, 1, o.now()).
			With(domain.ExtRequestID, req.ID).
			With(domain.ExtTargetIndex, ext).
			With(domain.ExtStage, string(result.FailedStage)).
			With(domain.ExtError, result.Error))
		logger.Warn("target failed", "stage", result.FailedStage, "kind", result.ErrorKind, "error", result.Error)
	}
	return result
}

func (o *Orchestrator) complete(ctx context.Context, requestID string, logger *slog.Logger) error {
	return o.config.StoreRetry.DoIf(ctx, storeUnavailable, func(ctx context.Context, attempt int) error {
		return o.requests.CompleteRequest(ctx, requestID, o.now())
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("request store unavailable, retrying completion", "attempt", attempt, "retry_in", wait, "error", err)
	})
}

// Wait blocks until every pipeline started by Execute has returned,
// including pipelines abandoned at their target timeout.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sandboxSuffix() string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	return s[:6]
}
