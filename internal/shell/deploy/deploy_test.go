package deploy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/artpar/fleetrunner/internal/core/deployment"
	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/artpar/fleetrunner/internal/core/retry"
	"github.com/artpar/fleetrunner/internal/shell/compute"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fake compute backend
// =============================================================================

// fakeCompute hands out sandboxes whose endpoint is a local test server.
// Hooks decide per target index how provision and exec behave.
type fakeCompute struct {
	endpoint  string
	provision func(index, attempt int) error
	exec      func(ctx context.Context, index int, stage domain.Stage) (*compute.ExecResult, error)

	mu            sync.Mutex
	attempts      map[int]int
	execs         map[int][]domain.Stage
	deprovisioned []string
}

func newFakeCompute(endpoint string) *fakeCompute {
	return &fakeCompute{
		endpoint: endpoint,
		attempts: make(map[int]int),
		execs:    make(map[int][]domain.Stage),
	}
}

func (f *fakeCompute) Name() string { return "fake" }

func (f *fakeCompute) Provision(_ context.Context, spec compute.Spec) (*compute.Handle, error) {
	index, _ := strconv.Atoi(spec.Labels[deployment.LabelTargetIndex])

	f.mu.Lock()
	f.attempts[index]++
	attempt := f.attempts[index]
	f.mu.Unlock()

	if f.provision != nil {
		if err := f.provision(index, attempt); err != nil {
			return nil, err
		}
	}
	return &compute.Handle{
		ID:       "id-" + spec.Name,
		Name:     spec.Name,
		Backend:  "fake",
		Endpoint: f.endpoint,
		Region:   strconv.Itoa(index),
	}, nil
}

func (f *fakeCompute) Exec(ctx context.Context, h *compute.Handle, script string) (*compute.ExecResult, error) {
	index, _ := strconv.Atoi(h.Region)
	stage := stageOf(script)

	f.mu.Lock()
	f.execs[index] = append(f.execs[index], stage)
	f.mu.Unlock()

	if f.exec != nil {
		return f.exec(ctx, index, stage)
	}
	return &compute.ExecResult{ExitCode: 0}, nil
}

func (f *fakeCompute) Deprovision(_ context.Context, h *compute.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deprovisioned = append(f.deprovisioned, h.Name)
	return nil
}

func (f *fakeCompute) execCount(index int, stage domain.Stage) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.execs[index] {
		if s == stage {
			n++
		}
	}
	return n
}

func (f *fakeCompute) released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deprovisioned...)
}

func stageOf(script string) domain.Stage {
	switch {
	case strings.Contains(script, "nohup"):
		return domain.StageStart
	case strings.Contains(script, "git clone"):
		return domain.StageClone
	case strings.Contains(script, "npm ci"):
		return domain.StageInstall
	case strings.Contains(script, "npm run build"):
		return domain.StageBuild
	}
	return ""
}

type panickingMinter struct{}

func (panickingMinter) Mint(context.Context, *compute.Handle, time.Duration) (domain.Credential, error) {
	panic("signing key vanished")
}

var errQuota = errors.New("quota exceeded")

// =============================================================================
// Helpers
// =============================================================================

// previewServer accepts requests carrying a preview token.
func previewServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get(deployment.DefaultTokenParam) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testExecutorConfig() ExecutorConfig {
	timeouts := DefaultStageTimeouts()
	for stage := range timeouts {
		timeouts[stage] = 5 * time.Second
	}
	return ExecutorConfig{
		Image:         "node:20-bookworm",
		MemoryMB:      512,
		CPUs:          1,
		StageTimeouts: timeouts,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Multiplier:  1,
			MaxDelay:    time.Millisecond,
		},
		CredentialTTL: time.Hour,
		Verify: VerifyConfig{
			Attempts: 2,
			Interval: 5 * time.Millisecond,
			Timeout:  time.Second,
		},
	}
}

func newTestExecutor(t *testing.T, fc *fakeCompute, config ExecutorConfig) *Executor {
	t.Helper()
	minter, err := compute.NewJWTMinter("test-secret")
	require.NoError(t, err)
	return NewExecutor(fc, minter, nil, config, nil)
}

func newTestRequest(t *testing.T, targets int) *domain.DeploymentRequest {
	t.Helper()
	req, err := domain.NewDeploymentRequest(domain.RequestSpec{
		RepoURL:     "https://github.com/acme/game",
		TargetCount: targets,
	}, time.Now())
	require.NoError(t, err)
	return req
}

func testTarget(req *domain.DeploymentRequest, index int) Target {
	return Target{
		Request: req,
		Index:   index,
		Sandbox: deployment.SandboxName(req.ID, index, "test"),
	}
}
