package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Request Creation Tests
// =============================================================================

func TestNewDeploymentRequest_Defaults(t *testing.T) {
	req, err := NewDeploymentRequest(RequestSpec{RepoURL: "https://github.com/acme/game"}, testNow)
	require.NoError(t, err)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, RequestPending, req.Status)
	assert.Equal(t, DefaultTargetCount, req.TargetCount)
	assert.Equal(t, DefaultPort, req.Port)
	assert.Equal(t, DefaultInstallCommand, req.InstallCommand)
	assert.Equal(t, DefaultBuildCommand, req.BuildCommand)
	assert.Equal(t, "npx serve -s dist -l 3000", req.StartCommand)
	assert.Equal(t, testNow, req.CreatedAt)
	assert.Nil(t, req.ClaimedAt)
}

func TestNewDeploymentRequest_Overrides(t *testing.T) {
	req, err := NewDeploymentRequest(RequestSpec{
		RepoURL:      "https://github.com/acme/api",
		TargetCount:  5,
		BuildCommand: "make",
		StartCommand: "./bin/api",
		Port:         8080,
	}, testNow)
	require.NoError(t, err)

	assert.Equal(t, 5, req.TargetCount)
	assert.Equal(t, "make", req.BuildCommand)
	assert.Equal(t, "./bin/api", req.StartCommand)
	assert.Equal(t, 8080, req.Port)
}

func TestNewDeploymentRequest_DefaultStartFollowsPort(t *testing.T) {
	req, err := NewDeploymentRequest(RequestSpec{RepoURL: "https://github.com/acme/game", Port: 5000}, testNow)
	require.NoError(t, err)
	assert.Equal(t, "npx serve -s dist -l 5000", req.StartCommand)
}

func TestNewDeploymentRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		spec RequestSpec
		err  error
	}{
		{"empty repo", RequestSpec{}, ErrInvalidRepoURL},
		{"bad scheme", RequestSpec{RepoURL: "ftp://example.com/repo"}, ErrInvalidRepoURL},
		{"no host", RequestSpec{RepoURL: "https:///repo"}, ErrInvalidRepoURL},
		{"shell injection", RequestSpec{RepoURL: "https://x.com/a; rm -rf /"}, ErrInvalidRepoURL},
		{"too many targets", RequestSpec{RepoURL: "https://x.com/a", TargetCount: 51}, ErrInvalidTargetCount},
		{"negative targets", RequestSpec{RepoURL: "https://x.com/a", TargetCount: -1}, ErrInvalidTargetCount},
		{"port too large", RequestSpec{RepoURL: "https://x.com/a", Port: 70000}, ErrInvalidPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDeploymentRequest(tt.spec, testNow)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestValidateRepoURL_SCPForm(t *testing.T) {
	assert.NoError(t, ValidateRepoURL("git@github.com:acme/game.git"))
	assert.NoError(t, ValidateRepoURL("ssh://git@github.com/acme/game.git"))
}

// =============================================================================
// Status Transition Tests
// =============================================================================

func TestValidateRequestTransition(t *testing.T) {
	tests := []struct {
		from, to RequestStatus
		ok       bool
	}{
		{RequestPending, RequestProcessing, true},
		{RequestProcessing, RequestProcessing, true},
		{RequestProcessing, RequestCompleted, true},
		{RequestPending, RequestCompleted, false},
		{RequestProcessing, RequestPending, false},
		{RequestCompleted, RequestProcessing, false},
		{RequestCompleted, RequestPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateRequestTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestDeploymentRequest_ClaimPending(t *testing.T) {
	req := createPendingRequest()

	err := req.Claim("runner-a", testNow, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, RequestProcessing, req.Status)
	assert.Equal(t, "runner-a", req.ClaimedBy)
	require.NotNil(t, req.ClaimedAt)
	assert.Equal(t, testNow, *req.ClaimedAt)
}

func TestDeploymentRequest_ClaimHeldLease(t *testing.T) {
	req := createPendingRequest()
	require.NoError(t, req.Claim("runner-a", testNow, time.Minute))

	err := req.Claim("runner-b", testNow.Add(30*time.Second), time.Minute)
	assert.ErrorIs(t, err, ErrClaimHeld)
	assert.Equal(t, "runner-a", req.ClaimedBy)
}

func TestDeploymentRequest_ReclaimExpiredLease(t *testing.T) {
	req := createPendingRequest()
	require.NoError(t, req.Claim("runner-a", testNow, time.Minute))

	later := testNow.Add(2 * time.Minute)
	assert.True(t, req.LeaseExpired(later, time.Minute))
	assert.True(t, req.Claimable(later, time.Minute))

	require.NoError(t, req.Claim("runner-b", later, time.Minute))
	assert.Equal(t, RequestProcessing, req.Status)
	assert.Equal(t, "runner-b", req.ClaimedBy)
	assert.Equal(t, later, *req.ClaimedAt)
}

func TestDeploymentRequest_ProcessingWithoutClaimTimeIsExpired(t *testing.T) {
	req := createPendingRequest()
	req.Status = RequestProcessing

	assert.True(t, req.LeaseExpired(testNow, time.Hour))
	require.NoError(t, req.Claim("runner-b", testNow, time.Hour))
	assert.Equal(t, "runner-b", req.ClaimedBy)

	assert.False(t, createPendingRequest().LeaseExpired(testNow, time.Hour))
}

func TestDeploymentRequest_CompleteIsTerminal(t *testing.T) {
	req := createPendingRequest()
	require.NoError(t, req.Claim("runner-a", testNow, time.Minute))
	require.NoError(t, req.Complete(testNow.Add(time.Minute)))

	assert.Equal(t, RequestCompleted, req.Status)
	require.NotNil(t, req.CompletedAt)

	assert.ErrorIs(t, req.Claim("runner-b", testNow.Add(time.Hour), time.Minute), ErrInvalidTransition)
	assert.False(t, req.Claimable(testNow.Add(time.Hour), time.Minute))
}

func TestDeploymentRequest_CompleteRequiresProcessing(t *testing.T) {
	req := createPendingRequest()
	assert.ErrorIs(t, req.Complete(testNow), ErrInvalidTransition)
}

// =============================================================================
// Helpers
// =============================================================================

func createPendingRequest() *DeploymentRequest {
	return &DeploymentRequest{
		ID:           "req-1",
		RepoURL:      "https://github.com/acme/game",
		TargetCount:  2,
		StartCommand: "npx serve -s dist -l 3000",
		Port:         3000,
		Status:       RequestPending,
		CreatedAt:    testNow.Add(-time.Minute),
	}
}
