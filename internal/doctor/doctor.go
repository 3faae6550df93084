// Package doctor checks a deployd configuration against the host it will run
// on: tools on PATH, state placement, listener posture.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/deployd/internal/config"
	"github.com/mattjoyce/deployd/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg      *config.Config
	source   []byte
	lookPath func(string) (string, error)
	checkFS  func(string) error
	getenv   func(string) string
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		checkFS:  storage.CheckLocalFilesystem,
		getenv:   os.Getenv,
	}
}

// WithSource attaches the raw config text so ${VAR} references that were
// unset at load time can be reported.
func (d *Doctor) WithSource(raw []byte) *Doctor {
	d.source = raw
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateWorker(r)
	d.validateState(r)
	d.validateAPI(r)
	d.warnInstallTools(r)
	d.warnDispatch(r)
	d.warnServicePosture(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateWorker(r *Result) {
	w := d.cfg.Worker
	if strings.TrimSpace(w.Command) == "" {
		d.addError(r, "worker", "worker.command", "worker.command is required")
		return
	}
	if _, err := d.lookPath(w.Command); err != nil {
		d.addError(r, "worker", "worker.command", fmt.Sprintf("worker command %q not found: %v", w.Command, err))
	}
	if w.ChannelEnv == "" {
		d.addWarning(r, "worker", "worker.channel_env",
			"channel_env is empty; the worker runtime must find the IPC channel on fd 3 by itself")
	}
	if w.TerminationGrace == 0 {
		d.addWarning(r, "worker", "worker.termination_grace",
			"termination_grace is 0; workers are killed without a chance to exit cleanly")
	}
}

func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}
	if err := d.checkFS(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

func (d *Doctor) validateAPI(r *Result) {
	host, port, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if port == "" {
		d.addError(r, "api", "api.listen", "listen address has no port")
	}
	if !isLoopback(host) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on %q without authentication; restrict access at the network edge", d.cfg.API.Listen))
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (d *Doctor) warnInstallTools(r *Result) {
	if !d.cfg.Install.Enabled {
		return
	}
	for i, step := range d.cfg.Install.Steps {
		if len(step.Command) == 0 {
			continue
		}
		if _, err := d.lookPath(step.Command[0]); err != nil {
			d.addWarning(r, "install", fmt.Sprintf("install.steps[%d].command", i),
				fmt.Sprintf("%q not on PATH; deployments containing %s will fail to install", step.Command[0], step.Marker))
		}
	}
}

func (d *Doctor) warnDispatch(r *Result) {
	if d.cfg.Dispatch.ReadyTimeout > 0 && d.cfg.Dispatch.ReadyTimeout < time.Second {
		d.addWarning(r, "dispatch", "dispatch.ready_timeout",
			fmt.Sprintf("ready_timeout %s is very short (< 1s)", d.cfg.Dispatch.ReadyTimeout))
	}
	if d.cfg.Dispatch.WaitReady && d.cfg.Install.Enabled && d.cfg.Dispatch.ReadyTimeout > d.cfg.Install.Timeout {
		d.addWarning(r, "dispatch", "dispatch.wait_ready",
			"wait_ready holds the deploy request open for longer than install.timeout")
	}
}

func (d *Doctor) warnServicePosture(r *Result) {
	if d.cfg.Production() && strings.EqualFold(d.cfg.Service.LogLevel, "debug") {
		d.addWarning(r, "service", "service.log_level", "debug logging in production")
	}
}

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func (d *Doctor) warnMissingEnvVars(r *Result) {
	if len(d.source) == 0 {
		return
	}
	seen := make(map[string]bool)
	for _, m := range envRefRe.FindAllStringSubmatch(string(d.source), -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if d.getenv(name) == "" {
			d.addWarning(r, "env_vars", "", fmt.Sprintf("environment variable ${%s} not set", name))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, is Issue) {
	if is.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, is.Category, is.Field, is.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, is.Category, is.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
