package install

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/deployd/internal/config"
	"github.com/mattjoyce/deployd/internal/deployment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceDir(t *testing.T, markers ...string) deployment.Deployment {
	t.Helper()
	dir := t.TempDir()
	for _, m := range markers {
		require.NoError(t, os.WriteFile(filepath.Join(dir, m), []byte("{}"), 0o644))
	}
	return deployment.Deployment{ID: "demo", Suffix: "demo", ResourceType: deployment.ResourcePackage, SourcePath: dir}
}

func bashStep(marker, script string) config.InstallStep {
	return config.InstallStep{Marker: marker, Command: []string{"bash", "-c", script}}
}

func TestInstallRunsStepsForPresentMarkers(t *testing.T) {
	d := sourceDir(t, "package.json")
	d.Env = []deployment.EnvVar{{Name: "TOKEN", Value: 42}}
	inst := NewCommandInstaller(config.InstallConfig{
		Timeout: 10 * time.Second,
		Steps: []config.InstallStep{
			bashStep("package.json", `printf '%s' "$TOKEN" > node.done`),
			bashStep("requirements.txt", `touch py.done`),
		},
	})

	require.NoError(t, inst.Install(context.Background(), d))

	got, err := os.ReadFile(filepath.Join(d.SourcePath, "node.done"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(got), "install runs in the source path with the deployment env")
	assert.NoFileExists(t, filepath.Join(d.SourcePath, "py.done"))
}

func TestInstallErrors(t *testing.T) {
	tests := []struct {
		name       string
		deployment func(t *testing.T) deployment.Deployment
		step       config.InstallStep
		timeout    time.Duration
		wantKind   Kind
		wantStatus int
		wantOutput string
	}{
		{
			name: "missing source path",
			deployment: func(t *testing.T) deployment.Deployment {
				d := sourceDir(t)
				d.SourcePath = filepath.Join(d.SourcePath, "gone")
				return d
			},
			step:       bashStep("package.json", "true"),
			wantKind:   KindInvalidSource,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "source path is a file",
			deployment: func(t *testing.T) deployment.Deployment {
				d := sourceDir(t, "package.json")
				d.SourcePath = filepath.Join(d.SourcePath, "package.json")
				return d
			},
			step:       bashStep("package.json", "true"),
			wantKind:   KindInvalidSource,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "tool not on PATH",
			deployment: func(t *testing.T) deployment.Deployment { return sourceDir(t, "package.json") },
			step:       config.InstallStep{Marker: "package.json", Command: []string{"deployd-no-such-tool", "install"}},
			wantKind:   KindMissingTool,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "command fails",
			deployment: func(t *testing.T) deployment.Deployment { return sourceDir(t, "package.json") },
			step:       bashStep("package.json", "echo boom; exit 1"),
			wantKind:   KindCommandFailed,
			wantStatus: http.StatusInternalServerError,
			wantOutput: "boom",
		},
		{
			name:       "command times out",
			deployment: func(t *testing.T) deployment.Deployment { return sourceDir(t, "package.json") },
			step:       bashStep("package.json", "exec sleep 5"),
			timeout:    100 * time.Millisecond,
			wantKind:   KindTimeout,
			wantStatus: http.StatusGatewayTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timeout := tt.timeout
			if timeout == 0 {
				timeout = 10 * time.Second
			}
			inst := NewCommandInstaller(config.InstallConfig{Timeout: timeout, Steps: []config.InstallStep{tt.step}})

			err := inst.Install(context.Background(), tt.deployment(t))

			var ie *Error
			require.True(t, errors.As(err, &ie), "want *install.Error, got %v", err)
			assert.Equal(t, tt.wantKind, ie.Kind)
			assert.Equal(t, tt.wantStatus, ie.StatusCode())
			assert.Equal(t, "demo", ie.DeploymentID)
			if tt.wantOutput != "" {
				assert.Contains(t, ie.Output, tt.wantOutput)
			}
		})
	}
}

func TestInstallNoMarkersIsNoop(t *testing.T) {
	inst := NewCommandInstaller(config.InstallConfig{Timeout: time.Second})
	assert.NoError(t, inst.Install(context.Background(), sourceDir(t)))
}

func TestCappedBuffer(t *testing.T) {
	var c cappedBuffer
	chunk := strings.Repeat("x", 1000)
	for i := 0; i < 100; i++ {
		n, err := c.Write([]byte(chunk))
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
	}
	assert.Equal(t, maxOutputBytes, c.buf.Len())
	assert.True(t, strings.HasSuffix(c.String(), "[output truncated]"))
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.Install(context.Background(), deployment.Deployment{}))
}
