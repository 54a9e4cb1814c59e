package deploy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artpar/fleetrunner/internal/core/deployment"
	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/artpar/fleetrunner/internal/shell/compute"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Run_Success(t *testing.T) {
	srv := previewServer(t)
	fc := newFakeCompute(srv.URL)
	e := newTestExecutor(t, fc, testExecutorConfig())
	req := newTestRequest(t, 1)

	result := e.Run(context.Background(), testTarget(req, 0), nil)

	require.True(t, result.Succeeded(), result.Error)
	assert.Equal(t, 0, result.TargetIndex)
	assert.Equal(t, srv.URL, result.Endpoint)
	assert.True(t, strings.HasPrefix(result.PreviewURL, srv.URL+"?"+deployment.DefaultTokenParam+"="))
	assert.NotEmpty(t, result.Credential)
	require.NotNil(t, result.CredentialExpiry)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *result.CredentialExpiry, 5*time.Second)
	assert.Empty(t, result.FailedStage)
	for _, stage := range domain.Stages {
		assert.Contains(t, result.StageDurations, stage)
	}
	assert.Empty(t, fc.released(), "a live sandbox is kept")
}

func TestExecutor_Run_BuildGivesUpAfterRetries(t *testing.T) {
	srv := previewServer(t)
	fc := newFakeCompute(srv.URL)
	fc.exec = func(_ context.Context, _ int, stage domain.Stage) (*compute.ExecResult, error) {
		if stage == domain.StageBuild {
			return &compute.ExecResult{ExitCode: 1, Stderr: "vite: build failed"}, nil
		}
		return &compute.ExecResult{}, nil
	}
	e := newTestExecutor(t, fc, testExecutorConfig())
	req := newTestRequest(t, 1)

	result := e.Run(context.Background(), testTarget(req, 0), nil)

	assert.False(t, result.Succeeded())
	assert.Equal(t, domain.StageBuild, result.FailedStage)
	assert.Equal(t, domain.KindFatal, result.ErrorKind)
	assert.Contains(t, result.Error, "gave up after 3 attempts")
	assert.Contains(t, result.Error, "vite: build failed")
	assert.Equal(t, 3, fc.execCount(0, domain.StageBuild))
	assert.Len(t, fc.released(), 1)
	assert.Contains(t, result.StageDurations, domain.StageInstall)
}

func TestExecutor_Run_CloneNotFoundIsFatal(t *testing.T) {
	fc := newFakeCompute("http://127.0.0.1:1")
	fc.exec = func(_ context.Context, _ int, stage domain.Stage) (*compute.ExecResult, error) {
		return &compute.ExecResult{ExitCode: 128, Stderr: "remote: Repository not found."}, nil
	}
	e := newTestExecutor(t, fc, testExecutorConfig())

	result := e.Run(context.Background(), testTarget(newTestRequest(t, 1), 0), nil)

	assert.Equal(t, domain.StageClone, result.FailedStage)
	assert.Equal(t, domain.KindFatal, result.ErrorKind)
	assert.Equal(t, 1, fc.execCount(0, domain.StageClone))
	assert.Zero(t, fc.execCount(0, domain.StageInstall))
}

func TestExecutor_Run_InstallNetworkErrorRetried(t *testing.T) {
	srv := previewServer(t)
	fc := newFakeCompute(srv.URL)
	calls := 0
	fc.exec = func(_ context.Context, _ int, stage domain.Stage) (*compute.ExecResult, error) {
		if stage == domain.StageInstall {
			calls++
			if calls == 1 {
				return &compute.ExecResult{ExitCode: 1, Stderr: "npm ERR! network ETIMEDOUT"}, nil
			}
		}
		return &compute.ExecResult{}, nil
	}
	e := newTestExecutor(t, fc, testExecutorConfig())

	result := e.Run(context.Background(), testTarget(newTestRequest(t, 1), 0), nil)

	assert.True(t, result.Succeeded(), result.Error)
	assert.Equal(t, 2, fc.execCount(0, domain.StageInstall))
}

func TestExecutor_Run_ProvisionFatal(t *testing.T) {
	fc := newFakeCompute("http://127.0.0.1:1")
	fc.provision = func(int, int) error {
		return &compute.ComputeError{Op: "provision", Message: errQuota.Error(), Err: errQuota}
	}
	e := newTestExecutor(t, fc, testExecutorConfig())

	result := e.Run(context.Background(), testTarget(newTestRequest(t, 1), 0), nil)

	assert.Equal(t, domain.StageProvision, result.FailedStage)
	assert.Equal(t, domain.KindFatal, result.ErrorKind)
	assert.Contains(t, result.Error, "quota exceeded")
	assert.Empty(t, fc.released(), "nothing was provisioned")
}

func TestExecutor_Run_ProvisionRateLimitedRetried(t *testing.T) {
	srv := previewServer(t)
	fc := newFakeCompute(srv.URL)
	fc.provision = func(_, attempt int) error {
		if attempt == 1 {
			return &compute.ComputeError{Op: "provision", Message: "rate limited", Retryable: true}
		}
		return nil
	}
	e := newTestExecutor(t, fc, testExecutorConfig())

	result := e.Run(context.Background(), testTarget(newTestRequest(t, 1), 0), nil)

	assert.True(t, result.Succeeded(), result.Error)
}

func TestExecutor_Run_VerifyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	fc := newFakeCompute(srv.URL)
	e := newTestExecutor(t, fc, testExecutorConfig())

	result := e.Run(context.Background(), testTarget(newTestRequest(t, 1), 0), nil)

	assert.Equal(t, domain.StageVerify, result.FailedStage)
	assert.Equal(t, domain.KindFatal, result.ErrorKind)
	assert.Contains(t, result.Error, "502")
	assert.NotContains(t, result.Error, deployment.DefaultTokenParam, "credential is not leaked")
	assert.Len(t, fc.released(), 1)
}

func TestExecutor_Run_VerifyAcceptsRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer srv.Close()
	e := newTestExecutor(t, newFakeCompute(srv.URL), testExecutorConfig())

	result := e.Run(context.Background(), testTarget(newTestRequest(t, 1), 0), nil)

	assert.True(t, result.Succeeded(), result.Error)
}

func TestExecutor_Run_StageTimeout(t *testing.T) {
	fc := newFakeCompute("http://127.0.0.1:1")
	fc.exec = func(ctx context.Context, _ int, stage domain.Stage) (*compute.ExecResult, error) {
		if stage == domain.StageInstall {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &compute.ExecResult{}, nil
	}
	config := testExecutorConfig()
	config.StageTimeouts[domain.StageInstall] = 50 * time.Millisecond
	e := newTestExecutor(t, fc, config)

	start := time.Now()
	result := e.Run(context.Background(), testTarget(newTestRequest(t, 1), 0), nil)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.StageInstall, result.FailedStage)
	assert.Equal(t, domain.KindTimeout, result.ErrorKind)
	assert.Len(t, fc.released(), 1)
}

func TestExecutor_Run_StartSettles(t *testing.T) {
	srv := previewServer(t)
	config := testExecutorConfig()
	config.SettleDelay = 30 * time.Millisecond
	e := newTestExecutor(t, newFakeCompute(srv.URL), config)

	result := e.Run(context.Background(), testTarget(newTestRequest(t, 1), 0), nil)

	require.True(t, result.Succeeded(), result.Error)
	assert.GreaterOrEqual(t, result.StageDurations[domain.StageStart], 30*time.Millisecond)
}

func TestExecutor_Run_RecoversPanic(t *testing.T) {
	fc := newFakeCompute("http://127.0.0.1:1")
	e := NewExecutor(fc, panickingMinter{}, nil, testExecutorConfig(), nil)

	var result domain.TargetResult
	require.NotPanics(t, func() {
		result = e.Run(context.Background(), testTarget(newTestRequest(t, 1), 0), nil)
	})

	assert.Equal(t, domain.StageMintCredential, result.FailedStage)
	assert.Equal(t, domain.KindFatal, result.ErrorKind)
	assert.Contains(t, result.Error, "signing key vanished")
	assert.Len(t, fc.released(), 1)
}

func TestProgress_Snapshot(t *testing.T) {
	p := NewProgress()
	stage, durations := p.Snapshot()
	assert.Equal(t, domain.StageProvision, stage)
	assert.Empty(t, durations)

	p.record(domain.StageProvision, time.Second)
	p.enter(domain.StageClone)

	stage, durations = p.Snapshot()
	assert.Equal(t, domain.StageClone, stage)
	assert.Equal(t, time.Second, durations[domain.StageProvision])

	durations[domain.StageClone] = time.Hour
	_, again := p.Snapshot()
	assert.NotContains(t, again, domain.StageClone, "snapshot is a copy")
}
