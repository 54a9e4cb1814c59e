package deployment

import (
	"fmt"
	"strings"

	"github.com/artpar/fleetrunner/internal/core/domain"
)

// =============================================================================
// Stage Failure Classification (Pure - no I/O)
// =============================================================================

// MaxErrorOutput caps how much command output is carried in a stage error.
const MaxErrorOutput = 512

// networkPatterns appear in output when a fetch failed for reasons that may
// clear up on their own.
var networkPatterns = []string{
	"ENOTFOUND",
	"ETIMEDOUT",
	"ECONNRESET",
	"ECONNREFUSED",
	"EAI_AGAIN",
	"socket hang up",
	"network timeout",
	"Could not resolve host",
	"Connection timed out",
	"Connection reset",
	"early EOF",
	"RPC failed",
	"TLS handshake timeout",
}

// manifestPatterns mean the repository itself is broken for install.
var manifestPatterns = []string{
	"npm ci can only install",
	"can only install with an existing package-lock.json",
	"ENOLOCK",
	"EUSAGE",
	"ERESOLVE",
	"EJSONPARSE",
	"no such file or directory, open '/app/package.json'",
	"Could not read package.json",
}

// cloneFatalPatterns mean the repository cannot be fetched as given.
var cloneFatalPatterns = []string{
	"Repository not found",
	"not found",
	"could not read Username",
	"Authentication failed",
	"does not appear to be a git repository",
	"Permission denied",
}

// ClassifyExec turns the exit code and output of an in-sandbox stage command
// into a stage error. It returns nil when the command succeeded.
//
// Example:
//
//	ClassifyExec(domain.StageInstall, 1, "npm ERR! code ENOTFOUND") // transient
//	ClassifyExec(domain.StageInstall, 1, "npm ERR! code EUSAGE")    // fatal
func ClassifyExec(stage domain.Stage, exitCode int, output string) error {
	if exitCode == 0 {
		return nil
	}
	err := fmt.Errorf("exit status %d: %s", exitCode, OutputTail(output, MaxErrorOutput))

	switch stage {
	case domain.StageClone:
		if containsAny(output, cloneFatalPatterns) {
			return domain.Fatal(stage, err)
		}
		if containsAny(output, networkPatterns) {
			return domain.Transient(stage, err)
		}
		return domain.Fatal(stage, err)
	case domain.StageInstall:
		if containsAny(output, manifestPatterns) {
			return domain.Fatal(stage, err)
		}
		return domain.Transient(stage, err)
	case domain.StageBuild:
		// Retried; the executor turns an exhausted retry budget into a fatal error.
		return domain.Transient(stage, err)
	default:
		return domain.Fatal(stage, err)
	}
}

// OutputTail returns at most n bytes from the end of s, trimmed of
// surrounding whitespace.
func OutputTail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
