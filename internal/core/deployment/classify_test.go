package deployment

import (
	"strings"
	"testing"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassifyExec(t *testing.T) {
	tests := []struct {
		name   string
		stage  domain.Stage
		code   int
		output string
		want   domain.ErrorKind
	}{
		{"clone network", domain.StageClone, 128, "fatal: unable to access: Could not resolve host: github.com", domain.KindTransient},
		{"clone missing repo", domain.StageClone, 128, "remote: Repository not found.", domain.KindFatal},
		{"clone private", domain.StageClone, 128, "fatal: could not read Username for 'https://github.com'", domain.KindFatal},
		{"clone unknown", domain.StageClone, 1, "something odd", domain.KindFatal},
		{"install network", domain.StageInstall, 1, "npm ERR! code ENOTFOUND", domain.KindTransient},
		{"install reset", domain.StageInstall, 1, "npm ERR! errno ECONNRESET", domain.KindTransient},
		{"install no lockfile", domain.StageInstall, 1, "npm ERR! The `npm ci` command can only install with an existing package-lock.json", domain.KindFatal},
		{"install ci usage", domain.StageInstall, 1, "npm ERR! code EUSAGE\nnpm ci can only install packages when your package.json and package-lock.json are in sync", domain.KindFatal},
		{"install eresolve", domain.StageInstall, 1, "npm ERR! code ERESOLVE", domain.KindFatal},
		{"install unknown", domain.StageInstall, 1, "killed", domain.KindTransient},
		{"build", domain.StageBuild, 2, "error TS2304", domain.KindTransient},
		{"start", domain.StageStart, 127, "sh: npx: not found", domain.KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyExec(tt.stage, tt.code, tt.output)
			if assert.Error(t, err) {
				assert.Equal(t, tt.want, domain.KindOf(err))
				stage, ok := domain.StageOf(err)
				assert.True(t, ok)
				assert.Equal(t, tt.stage, stage)
			}
		})
	}
}

func TestClassifyExec_Success(t *testing.T) {
	for _, stage := range domain.Stages {
		assert.NoError(t, ClassifyExec(stage, 0, "npm ERR! code ENOTFOUND"))
	}
}

func TestClassifyExec_MessageCarriesExitCodeAndTail(t *testing.T) {
	output := strings.Repeat("x", 2000) + "the real error"
	err := ClassifyExec(domain.StageBuild, 2, output)
	assert.Contains(t, err.Error(), "exit status 2")
	assert.Contains(t, err.Error(), "the real error")
	assert.Less(t, len(err.Error()), 700)
}

func TestOutputTail(t *testing.T) {
	assert.Equal(t, "abc", OutputTail("  abc\n", 10))
	assert.Equal(t, "...def", OutputTail("abcdef", 3))
	assert.Equal(t, "abcdef", OutputTail("abcdef", 0))
}
