// Package install prepares a deployment's dependencies before its worker is
// spawned.
package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/deployd/internal/config"
	"github.com/mattjoyce/deployd/internal/deployment"
	"github.com/mattjoyce/deployd/internal/environ"
	"github.com/mattjoyce/deployd/internal/log"
)

//go:generate mockgen -destination=mocks/mock_installer.go -package=mocks github.com/mattjoyce/deployd/internal/install Installer

// maxOutputBytes caps the command output kept for diagnostics.
const maxOutputBytes = 64 * 1024

// Installer installs the dependencies of a deployment.
type Installer interface {
	Install(ctx context.Context, d deployment.Deployment) error
}

// Kind classifies an install failure.
type Kind string

const (
	KindInvalidSource Kind = "invalid_source"
	KindMissingTool   Kind = "missing_tool"
	KindCommandFailed Kind = "command_failed"
	KindTimeout       Kind = "timeout"
)

// Error is an install failure for one deployment.
type Error struct {
	Kind         Kind
	DeploymentID string
	Step         string
	Output       string
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("install dependencies for %q failed (%s)", e.DeploymentID, e.Kind)
	if e.Step != "" {
		msg += " at " + e.Step
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps timeouts to 504 and everything else to 500.
func (e *Error) StatusCode() int {
	if e.Kind == KindTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Noop skips installation.
type Noop struct{}

func (Noop) Install(context.Context, deployment.Deployment) error { return nil }

// CommandInstaller runs a package manager for each marker file present in the
// source path.
type CommandInstaller struct {
	steps    []config.InstallStep
	timeout  time.Duration
	lookPath func(string) (string, error)
	logger   *slog.Logger
}

// NewCommandInstaller builds an installer from the install config section.
func NewCommandInstaller(cfg config.InstallConfig) *CommandInstaller {
	steps := cfg.Steps
	if len(steps) == 0 {
		steps = config.DefaultInstallSteps()
	}
	return &CommandInstaller{
		steps:    steps,
		timeout:  cfg.Timeout,
		lookPath: exec.LookPath,
		logger:   log.WithComponent("install"),
	}
}

// Install runs every applicable step in order and stops at the first failure.
// The timeout covers all steps together.
func (i *CommandInstaller) Install(ctx context.Context, d deployment.Deployment) error {
	logger := i.logger.With("deployment_id", d.ID)

	info, err := os.Stat(d.SourcePath)
	if err != nil {
		return &Error{Kind: KindInvalidSource, DeploymentID: d.ID, Err: err}
	}
	if !info.IsDir() {
		return &Error{Kind: KindInvalidSource, DeploymentID: d.ID, Err: fmt.Errorf("%s is not a directory", d.SourcePath)}
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	env := environ.ToList(environ.Sanitize(environ.Ambient(), d.Env))

	for _, step := range i.steps {
		if _, err := os.Stat(filepath.Join(d.SourcePath, step.Marker)); err != nil {
			continue
		}
		name := strings.Join(step.Command, " ")
		if len(step.Command) == 0 {
			continue
		}
		if _, err := i.lookPath(step.Command[0]); err != nil {
			return &Error{Kind: KindMissingTool, DeploymentID: d.ID, Step: name, Err: err}
		}

		logger.Info("installing dependencies", "marker", step.Marker, "command", name)
		start := time.Now()
		out, err := run(ctx, d.SourcePath, env, step.Command)
		if err != nil {
			kind := KindCommandFailed
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = KindTimeout
			}
			logger.Error("dependency install failed", "command", name, "error", err, "output", out)
			return &Error{Kind: kind, DeploymentID: d.ID, Step: name, Output: out, Err: err}
		}
		logger.Info("dependencies installed", "command", name, "duration", time.Since(start))
		logger.Debug("install output", "command", name, "output", out)
	}
	return nil
}

func run(ctx context.Context, dir string, env, argv []string) (string, error) {
	var out cappedBuffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 5 * time.Second
	err := cmd.Run()
	return out.String(), err
}

// cappedBuffer keeps the first maxOutputBytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := maxOutputBytes - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n[output truncated]"
	}
	return c.buf.String()
}
