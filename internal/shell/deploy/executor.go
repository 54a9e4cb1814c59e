// Package deploy runs deployment requests: the Executor drives one target
// through its pipeline, the Orchestrator fans a request out to its targets
// and the Aggregator stores the combined result.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/artpar/fleetrunner/internal/core/deployment"
	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/artpar/fleetrunner/internal/core/retry"
	"github.com/artpar/fleetrunner/internal/shell/compute"
	"github.com/artpar/fleetrunner/internal/shell/metrics"
	"github.com/hashicorp/go-retryablehttp"
)

// =============================================================================
// Configuration
// =============================================================================

// VerifyConfig bounds the verify stage probes.
type VerifyConfig struct {
	Attempts int
	Interval time.Duration
	Timeout  time.Duration // per probe
}

// ExecutorConfig configures the target pipeline.
type ExecutorConfig struct {
	Image         string
	MemoryMB      int
	CPUs          float64
	StageTimeouts map[domain.Stage]time.Duration
	Retry         retry.Policy
	SettleDelay   time.Duration
	CredentialTTL time.Duration
	TokenParam    string
	Verify        VerifyConfig
}

// DefaultStageTimeouts returns the per-stage deadlines.
func DefaultStageTimeouts() map[domain.Stage]time.Duration {
	return map[domain.Stage]time.Duration{
		domain.StageProvision:      10 * time.Minute,
		domain.StageClone:          2 * time.Minute,
		domain.StageInstall:        5 * time.Minute,
		domain.StageBuild:          5 * time.Minute,
		domain.StageStart:          time.Minute,
		domain.StageMintCredential: 30 * time.Second,
		domain.StageVerify:         2 * time.Minute,
	}
}

// DefaultExecutorConfig returns default configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Image:         "node:20-bookworm",
		MemoryMB:      4096,
		CPUs:          2,
		StageTimeouts: DefaultStageTimeouts(),
		Retry:         retry.DefaultPolicy(),
		SettleDelay:   10 * time.Second,
		CredentialTTL: compute.DefaultCredentialTTL,
		TokenParam:    deployment.DefaultTokenParam,
		Verify: VerifyConfig{
			Attempts: 5,
			Interval: 2 * time.Second,
			Timeout:  10 * time.Second,
		},
	}
}

func (c ExecutorConfig) stageTimeout(stage domain.Stage) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	return DefaultStageTimeouts()[stage]
}

// cleanupTimeout bounds the best-effort deprovision of a failed target.
const cleanupTimeout = 5 * time.Minute

// =============================================================================
// Progress
// =============================================================================

// Progress tracks the active stage and finished stage durations of a
// running target. It is read by the orchestrator when a target overruns.
type Progress struct {
	mu        sync.Mutex
	stage     domain.Stage
	durations map[domain.Stage]time.Duration
}

// NewProgress returns an empty progress tracker positioned at provision.
func NewProgress() *Progress {
	return &Progress{
		stage:     domain.StageProvision,
		durations: make(map[domain.Stage]time.Duration),
	}
}

func (p *Progress) enter(stage domain.Stage) {
	p.mu.Lock()
	p.stage = stage
	p.mu.Unlock()
}

func (p *Progress) record(stage domain.Stage, d time.Duration) {
	p.mu.Lock()
	p.durations[stage] = d
	p.mu.Unlock()
}

// Snapshot returns the active stage and a copy of the recorded durations.
func (p *Progress) Snapshot() (domain.Stage, map[domain.Stage]time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	durations := make(map[domain.Stage]time.Duration, len(p.durations))
	for k, v := range p.durations {
		durations[k] = v
	}
	return p.stage, durations
}

// =============================================================================
// Executor
// =============================================================================

// Target is one unit of fan-out: a request and the index being deployed.
type Target struct {
	Request *domain.DeploymentRequest
	Index   int
	Sandbox string
}

// TargetRunner runs a target pipeline to completion. It always returns a
// result, never an error.
type TargetRunner interface {
	Run(ctx context.Context, t Target, progress *Progress) domain.TargetResult
}

// Executor runs the provision, clone, install, build, start, mint_credential
// and verify stages for a target.
type Executor struct {
	compute compute.Provisioner
	minter  compute.CredentialMinter
	metrics *metrics.Metrics
	config  ExecutorConfig
	probe   *retryablehttp.Client
	logger  *slog.Logger
}

var _ TargetRunner = (*Executor)(nil)

// NewExecutor creates an executor on top of a compute backend.
func NewExecutor(p compute.Provisioner, minter compute.CredentialMinter, m *metrics.Metrics, config ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.StageTimeouts == nil {
		config.StageTimeouts = DefaultStageTimeouts()
	}
	if config.CredentialTTL <= 0 {
		config.CredentialTTL = compute.DefaultCredentialTTL
	}
	if config.TokenParam == "" {
		config.TokenParam = deployment.DefaultTokenParam
	}
	if config.Verify.Attempts <= 0 {
		config.Verify.Attempts = 1
	}
	config.Retry = config.Retry.Normalize()

	logger = logger.With("component", "executor")
	return &Executor{
		compute: p,
		minter:  minter,
		metrics: m,
		config:  config,
		probe:   newProbeClient(config.Verify, logger),
		logger:  logger,
	}
}

// newProbeClient builds the verify client. Connection errors and 4xx/5xx
// responses are retried at a fixed interval; redirects are not followed.
func newProbeClient(cfg VerifyConfig, logger *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.Attempts - 1
	c.RetryWaitMin = cfg.Interval
	c.RetryWaitMax = cfg.Interval
	c.Backoff = func(wait, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return wait
	}
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return resp.StatusCode >= 400, nil
	}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = logger.With("stage", domain.StageVerify)
	if cfg.Timeout > 0 {
		c.HTTPClient.Timeout = cfg.Timeout
	}
	c.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return c
}

// Run executes the pipeline for t. Stage failures and panics become a
// failed result; a failed target's sandbox is released before returning.
func (e *Executor) Run(ctx context.Context, t Target, progress *Progress) (result domain.TargetResult) {
	if progress == nil {
		progress = NewProgress()
	}
	logger := e.logger.With("request_id", t.Request.ID, "target_index", t.Index, "sandbox_id", t.Sandbox)

	var handle *compute.Handle
	defer func() {
		if r := recover(); r != nil {
			stage, durations := progress.Snapshot()
			err := domain.Fatal(stage, fmt.Errorf("panic: %v", r))
			logger.Error("target pipeline panicked", "stage", stage, "panic", r)
			e.release(ctx, handle, logger)
			result = domain.FailedTarget(t.Index, t.Sandbox, stage, err, durations)
		}
		e.metrics.Target(string(result.Status), string(result.FailedStage))
	}()

	fail := func(err error) domain.TargetResult {
		stage, durations := progress.Snapshot()
		if s, ok := domain.StageOf(err); ok {
			stage = s
		}
		logger.Warn("target failed", "stage", stage, "kind", domain.KindOf(err), "error", err)
		e.release(ctx, handle, logger)
		return domain.FailedTarget(t.Index, t.Sandbox, stage, err, durations)
	}

	req := t.Request
	plan := deployment.BuildPlan(req)
	spec := compute.Spec{
		Name:     t.Sandbox,
		Image:    e.config.Image,
		MemoryMB: e.config.MemoryMB,
		CPUs:     e.config.CPUs,
		Port:     req.Port,
		Labels:   deployment.Labels(req.ID, t.Index, t.Sandbox),
	}

	// provision
	err := e.runStage(ctx, domain.StageProvision, progress, logger, func(ctx context.Context) error {
		h, err := e.compute.Provision(ctx, spec)
		if err != nil {
			return compute.StageError(domain.StageProvision, err)
		}
		handle = h
		return nil
	})
	if err != nil {
		return fail(err)
	}
	logger = logger.With("endpoint", handle.Endpoint)

	// clone, install, build
	for _, cmd := range []deployment.Command{plan.Clone, plan.Install, plan.Build} {
		if err := e.runStage(ctx, cmd.Stage, progress, logger, e.execStage(handle, cmd.Stage, cmd.Script)); err != nil {
			return fail(err)
		}
	}

	// start
	start := e.execStage(handle, domain.StageStart, deployment.BackgroundScript(plan.Start.Script))
	err = e.runStage(ctx, domain.StageStart, progress, logger, func(ctx context.Context) error {
		if err := start(ctx); err != nil {
			return err
		}
		return settle(ctx, e.config.SettleDelay)
	})
	if err != nil {
		return fail(err)
	}

	// mint_credential
	var cred domain.Credential
	var previewURL string
	err = e.runStage(ctx, domain.StageMintCredential, progress, logger, func(ctx context.Context) error {
		c, err := e.minter.Mint(ctx, handle, e.config.CredentialTTL)
		if err != nil {
			return domain.Fatal(domain.StageMintCredential, err)
		}
		u, err := deployment.PreviewURL(handle.Endpoint, e.config.TokenParam, c.Token)
		if err != nil {
			return domain.Fatal(domain.StageMintCredential, err)
		}
		cred, previewURL = c, u
		return nil
	})
	if err != nil {
		return fail(err)
	}

	// verify
	err = e.runStage(ctx, domain.StageVerify, progress, logger, func(ctx context.Context) error {
		return e.verify(ctx, handle.Endpoint, previewURL)
	})
	if err != nil {
		return fail(err)
	}

	_, durations := progress.Snapshot()
	expiry := cred.ExpiresAt
	logger.Info("target live", "credential_expiry", expiry)
	return domain.TargetResult{
		TargetIndex:      t.Index,
		SandboxID:        t.Sandbox,
		Status:           domain.TargetSucceeded,
		Endpoint:         handle.Endpoint,
		PreviewURL:       previewURL,
		Credential:       cred.Token,
		CredentialExpiry: &expiry,
		StageDurations:   durations,
	}
}

// runStage runs op under the stage deadline with the retry policy and
// returns a classified error.
func (e *Executor) runStage(ctx context.Context, stage domain.Stage, progress *Progress, logger *slog.Logger, op func(ctx context.Context) error) error {
	progress.enter(stage)
	timeout := e.config.stageTimeout(stage)
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Debug("stage started", "stage", stage, "timeout", timeout)
	started := time.Now()
	attempts := 0
	err := e.config.Retry.Do(stageCtx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		return op(ctx)
	}, func(attempt int, err error, wait time.Duration) {
		e.metrics.StageRetry(string(stage))
		logger.Warn("stage failed, retrying", "stage", stage, "attempt", attempt, "retry_in", wait, "error", err)
	})
	elapsed := time.Since(started)
	progress.record(stage, elapsed)
	e.metrics.StageDuration(string(stage), elapsed)

	if err == nil {
		logger.Debug("stage finished", "stage", stage, "duration", elapsed)
		return nil
	}

	switch {
	case ctx.Err() != nil:
		return domain.Timeout(stage, ctx.Err())
	case stageCtx.Err() != nil:
		return domain.Timeout(stage, fmt.Errorf("stage exceeded %s", timeout))
	case domain.IsTransient(err):
		var se *domain.StageError
		if errors.As(err, &se) {
			err = se.Err
		}
		return domain.Fatal(stage, fmt.Errorf("gave up after %d attempts: %w", attempts, err))
	}
	if _, ok := domain.StageOf(err); ok {
		return err
	}
	return domain.Fatal(stage, err)
}

// execStage returns an operation that runs script in the sandbox and
// classifies its exit status.
func (e *Executor) execStage(h *compute.Handle, stage domain.Stage, script string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		res, err := e.compute.Exec(ctx, h, script)
		if err != nil {
			return compute.StageError(stage, err)
		}
		return deployment.ClassifyExec(stage, res.ExitCode, res.Output())
	}
}

func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return domain.Timeout(domain.StageStart, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// verify probes the preview URL. Errors name the endpoint only so the
// credential stays out of logs.
func (e *Executor) verify(ctx context.Context, endpoint, previewURL string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, previewURL, nil)
	if err != nil {
		return domain.Fatal(domain.StageVerify, fmt.Errorf("build probe for %s: %w", endpoint, err))
	}

	resp, err := e.probe.Do(req)
	if err != nil {
		return domain.Fatal(domain.StageVerify, fmt.Errorf("probe %s: %s", endpoint, redactURL(err, previewURL, endpoint)))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return domain.Fatal(domain.StageVerify, fmt.Errorf("probe %s returned %d after %d attempts",
			endpoint, resp.StatusCode, e.config.Verify.Attempts))
	}
	return nil
}

func redactURL(err error, previewURL, endpoint string) string {
	return strings.ReplaceAll(err.Error(), previewURL, endpoint)
}

// release deprovisions h, logging failures.
func (e *Executor) release(ctx context.Context, h *compute.Handle, logger *slog.Logger) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := e.compute.Deprovision(ctx, h); err != nil {
		logger.Error("failed to deprovision sandbox", "sandbox_id", h.Name, "error", err)
		return
	}
	logger.Info("sandbox deprovisioned", "sandbox_id", h.Name)
}
