package deployment

import (
	"testing"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SandboxName Tests
// =============================================================================

func TestSandboxName_Simple(t *testing.T) {
	got := SandboxName("550e8400-e29b-41d4-a716-446655440000", 1, "a1b2c3")
	assert.Equal(t, "fleet-550e8400-1-a1b2c3", got)
}

func TestSandboxName_ShortID(t *testing.T) {
	got := SandboxName("abc", 0, "")
	assert.Equal(t, "fleet-abc-0", got)
}

func TestSandboxName_Lowercases(t *testing.T) {
	got := SandboxName("ABCDEF12345", 2, "FF")
	assert.Equal(t, "fleet-abcdef12-2-ff", got)
}

func TestLabels(t *testing.T) {
	labels := Labels("req-1", 3, "fleet-req1-3")
	assert.Equal(t, ManagedByValue, labels[LabelManagedBy])
	assert.Equal(t, "req-1", labels[LabelRequestID])
	assert.Equal(t, "3", labels[LabelTargetIndex])
	assert.Equal(t, "fleet-req1-3", labels[LabelSandbox])
}

// =============================================================================
// BuildPlan Tests
// =============================================================================

func TestBuildPlan_Defaults(t *testing.T) {
	req, err := domain.NewDeploymentRequest(domain.RequestSpec{RepoURL: "https://github.com/acme/game"}, time.Now())
	require.NoError(t, err)

	plan := BuildPlan(req)

	assert.Equal(t, "rm -rf /app && git clone --depth 1 'https://github.com/acme/game' /app", plan.Clone.Script)
	assert.Equal(t, "cd /app && npm ci", plan.Install.Script)
	assert.Equal(t, "cd /app && npm run build", plan.Build.Script)
	assert.Equal(t, "cd /app && npx serve -s dist -l 3000", plan.Start.Script)
	assert.True(t, plan.Start.Background)
	assert.False(t, plan.Build.Background)
}

func TestBuildPlan_StageOrder(t *testing.T) {
	req, err := domain.NewDeploymentRequest(domain.RequestSpec{RepoURL: "https://github.com/acme/game"}, time.Now())
	require.NoError(t, err)

	var stages []domain.Stage
	for _, c := range BuildPlan(req).Commands() {
		stages = append(stages, c.Stage)
	}
	assert.Equal(t, []domain.Stage{domain.StageClone, domain.StageInstall, domain.StageBuild, domain.StageStart}, stages)
}

func TestBackgroundScript_QuotesScript(t *testing.T) {
	got := BackgroundScript("cd /app && echo 'hi'")
	assert.Equal(t, `nohup sh -c 'cd /app && echo '"'"'hi'"'"'' > /tmp/fleetrunner-start.log 2>&1 &`, got)
}

// =============================================================================
// PreviewURL Tests
// =============================================================================

func TestPreviewURL_AppendsToken(t *testing.T) {
	got, err := PreviewURL("http://1.2.3.4:3000", DefaultTokenParam, "abc")
	require.NoError(t, err)
	assert.Equal(t, "http://1.2.3.4:3000?bl_preview_token=abc", got)
}

func TestPreviewURL_KeepsExistingQuery(t *testing.T) {
	got, err := PreviewURL("https://preview.example.com/app?x=1", "token", "abc")
	require.NoError(t, err)
	assert.Equal(t, "https://preview.example.com/app?token=abc&x=1", got)
}

func TestPreviewURL_DefaultParam(t *testing.T) {
	got, err := PreviewURL("http://h:1", "", "t")
	require.NoError(t, err)
	assert.Equal(t, "http://h:1?bl_preview_token=t", got)
}

func TestPreviewURL_InvalidEndpoint(t *testing.T) {
	_, err := PreviewURL("not a url", DefaultTokenParam, "t")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "http://10.0.0.5:3000", Endpoint("10.0.0.5", 3000))
}

// =============================================================================
// ParseRequestFile Tests
// =============================================================================

func TestParseRequestFile_YAML(t *testing.T) {
	data := []byte(`
repo_url: https://github.com/acme/game
target_count: 3
build_command: npm run build:prod
`)
	req, err := ParseRequestFile(data, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/game", req.RepoURL)
	assert.Equal(t, 3, req.TargetCount)
	assert.Equal(t, "npm run build:prod", req.BuildCommand)
	assert.Equal(t, domain.RequestPending, req.Status)
}

func TestParseRequestFile_JSON(t *testing.T) {
	req, err := ParseRequestFile([]byte(`{"repo_url": "https://github.com/acme/game", "port": 8080}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 8080, req.Port)
}

func TestParseRequestFile_Invalid(t *testing.T) {
	_, err := ParseRequestFile([]byte(`repo_url: [`), time.Now())
	assert.Error(t, err)

	_, err = ParseRequestFile([]byte(`target_count: 2`), time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidRepoURL)
}
