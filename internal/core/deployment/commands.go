package deployment

import (
	"fmt"
	"strings"

	"github.com/artpar/fleetrunner/internal/core/domain"
)

// =============================================================================
// Stage Command Plan
// =============================================================================

// AppDir is where the repository is cloned inside the sandbox.
const AppDir = "/app"

// Command is a shell command run inside a sandbox.
type Command struct {
	Stage      domain.Stage
	Script     string
	Background bool
}

// Plan holds the commands for the stages that run inside the sandbox.
type Plan struct {
	Clone   Command
	Install Command
	Build   Command
	Start   Command
}

// Commands returns the plan in execution order.
func (p Plan) Commands() []Command {
	return []Command{p.Clone, p.Install, p.Build, p.Start}
}

// BuildPlan builds the in-sandbox commands for a request.
//
// Example:
//
//	BuildPlan(req).Install.Script // "cd /app && npm ci"
func BuildPlan(req *domain.DeploymentRequest) Plan {
	return Plan{
		Clone: Command{
			Stage:  domain.StageClone,
			Script: fmt.Sprintf("rm -rf %s && git clone --depth 1 %s %s", AppDir, ShellQuote(req.RepoURL), AppDir),
		},
		Install: Command{
			Stage:  domain.StageInstall,
			Script: inAppDir(req.InstallCommand),
		},
		Build: Command{
			Stage:  domain.StageBuild,
			Script: inAppDir(req.BuildCommand),
		},
		Start: Command{
			Stage:      domain.StageStart,
			Script:     inAppDir(req.StartCommand),
			Background: true,
		},
	}
}

func inAppDir(cmd string) string {
	return fmt.Sprintf("cd %s && %s", AppDir, cmd)
}

// BackgroundScript wraps script so it keeps running after the exec session
// returns, with output appended to a log file in the sandbox.
func BackgroundScript(script string) string {
	return fmt.Sprintf("nohup sh -c %s > /tmp/fleetrunner-start.log 2>&1 &", ShellQuote(script))
}

// ShellQuote wraps s in single quotes for sh.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
