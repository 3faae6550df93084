package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mattjoyce/deployd/internal/apperror"
	"github.com/mattjoyce/deployd/internal/apps"
	"github.com/mattjoyce/deployd/internal/deployment"
	"github.com/mattjoyce/deployd/internal/environ"
	"github.com/mattjoyce/deployd/internal/events"
	"github.com/mattjoyce/deployd/internal/install"
	"github.com/mattjoyce/deployd/internal/log"
	"github.com/mattjoyce/deployd/internal/metrics"
	"github.com/mattjoyce/deployd/internal/protocol"
	"github.com/mattjoyce/deployd/internal/worker"
)

// APIVersion is reported in every deploy response.
const APIVersion = "v1"

// DeployRequest is the body of a deploy call. Only Suffix selects the
// deployment; the other fields are recorded for the log.
type DeployRequest struct {
	Suffix       string   `json:"suffix"`
	ResourceType string   `json:"resourceType,omitempty"`
	Release      string   `json:"release,omitempty"`
	Env          []string `json:"env,omitempty"`
	Plan         string   `json:"plan,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// DeployResult acknowledges an accepted deploy.
type DeployResult struct {
	Prefix  string `json:"prefix"`
	Suffix  string `json:"suffix"`
	Version string `json:"version"`

	WorkerID string `json:"-"`
	PID      int    `json:"-"`
}

// Options tune the coordinator.
type Options struct {
	// HostID is returned as the response prefix. Defaults to the hostname.
	HostID string
	// ChannelEnv names the variable that tells the worker its channel fd.
	ChannelEnv string
	// ReadyTimeout bounds how long a worker may take to report metadata.
	ReadyTimeout time.Duration
	// WaitReady makes Deploy block until the worker is ready.
	WaitReady bool
}

// Deps are the collaborators a Coordinator drives. Events and Metrics may be nil.
type Deps struct {
	Deployments deployment.Registry
	Installer   install.Installer
	Supervisor  *worker.Supervisor
	Apps        *apps.Registry
	Events      *events.Hub
	Metrics     *metrics.Collector

	// Ambient supplies the base environment. Defaults to the process env.
	Ambient func() map[string]string
}

// Coordinator orchestrates deploys.
type Coordinator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	watchers sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New builds a Coordinator.
func New(deps Deps, opts Options) *Coordinator {
	if deps.Installer == nil {
		deps.Installer = install.Noop{}
	}
	if deps.Apps == nil {
		deps.Apps = apps.NewRegistry()
	}
	if deps.Ambient == nil {
		deps.Ambient = environ.Ambient
	}
	if opts.HostID == "" {
		opts.HostID, _ = os.Hostname()
	}
	return &Coordinator{
		deps:   deps,
		opts:   opts,
		logger: log.WithComponent("dispatch"),
	}
}

// HostID returns the identifier used as the response prefix.
func (c *Coordinator) HostID() string { return c.opts.HostID }

// Deploy starts a worker for the deployment stored under req.Suffix.
func (c *Coordinator) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, apperror.New(http.StatusServiceUnavailable, "Server is shutting down")
	}

	logger := c.logger.With("suffix", req.Suffix)

	dep, err := c.deps.Deployments.Lookup(ctx, req.Suffix)
	if errors.Is(err, deployment.ErrNotFound) {
		logger.Warn("deploy rejected, unknown suffix")
		c.recordOutcome(metrics.OutcomeRejected)
		c.publish(events.DeployRejected, map[string]any{"suffix": req.Suffix})
		return nil, apperror.Newf(http.StatusBadRequest, "Invalid deployment id: %s", req.Suffix)
	}
	if err != nil {
		c.recordOutcome(metrics.OutcomeFailed)
		return nil, fmt.Errorf("lookup deployment: %w", err)
	}
	logger = logger.With("deployment_id", dep.ID)
	logger.Info("deploy requested", "resource_type", dep.ResourceType, "version", dep.Version, "plan", dep.Plan)

	start := time.Now()
	err = c.deps.Installer.Install(ctx, dep)
	if c.deps.Metrics != nil {
		c.deps.Metrics.InstallDuration(time.Since(start), err)
	}
	if err != nil {
		logger.Error("dependency install failed", "error", err)
		c.recordOutcome(metrics.OutcomeFailed)
		return nil, err
	}

	h, err := c.spawn(ctx, dep)
	if err != nil {
		c.recordOutcome(metrics.OutcomeFailed)
		return nil, err
	}

	if err := h.Send(protocol.NewLoad(dep)); err != nil {
		logger.Error("failed to send load message", "pid", h.PID, "error", err)
		go h.Stop(c.deps.Supervisor.TerminationGrace())
		c.recordOutcome(metrics.OutcomeFailed)
		return nil, apperror.Wrap(err, http.StatusInternalServerError, "Failed to send load message to worker")
	}

	if c.opts.WaitReady {
		if err := c.awaitReady(ctx, h); err != nil {
			return nil, err
		}
	}

	logger.Info("deploy accepted", "pid", h.PID, "worker_id", h.ID)
	c.recordOutcome(metrics.OutcomeAccepted)
	c.publish(events.DeployAccepted, map[string]any{
		"suffix":        req.Suffix,
		"deployment_id": dep.ID,
		"worker_id":     h.ID,
		"pid":           h.PID,
	})

	return &DeployResult{
		Prefix:   c.opts.HostID,
		Suffix:   dep.ID,
		Version:  APIVersion,
		WorkerID: h.ID,
		PID:      h.PID,
	}, nil
}

// spawn starts and watches a worker unless Shutdown has begun. The read lock
// is held until the watcher is registered so Shutdown sees every worker.
func (c *Coordinator) spawn(ctx context.Context, dep deployment.Deployment) (*worker.Handle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, apperror.New(http.StatusServiceUnavailable, "Server is shutting down")
	}

	h, err := c.deps.Supervisor.Spawn(ctx, dep, c.workerEnv(dep))
	if err != nil {
		return nil, err
	}
	c.watch(h, dep)
	return h, nil
}

func (c *Coordinator) awaitReady(ctx context.Context, h *worker.Handle) error {
	var timeout <-chan time.Time
	if c.opts.ReadyTimeout > 0 {
		timer := time.NewTimer(c.opts.ReadyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-h.Ready():
		return nil
	case <-h.Done():
		c.recordOutcome(metrics.OutcomeFailed)
		return apperror.Newf(http.StatusInternalServerError, "Worker for deployment %s exited before reporting ready", h.DeploymentID)
	case <-timeout:
		c.recordOutcome(metrics.OutcomeTimeout)
		return apperror.Newf(http.StatusGatewayTimeout, "Worker for deployment %s did not become ready within %s", h.DeploymentID, c.opts.ReadyTimeout)
	case <-ctx.Done():
		c.recordOutcome(metrics.OutcomeFailed)
		return ctx.Err()
	}
}

// workerEnv is the ambient env with the deployment's overrides and the channel
// variable applied, in that order.
func (c *Coordinator) workerEnv(dep deployment.Deployment) map[string]string {
	overrides := make([]deployment.EnvVar, 0, len(dep.Env)+1)
	overrides = append(overrides, dep.Env...)
	if c.opts.ChannelEnv != "" {
		overrides = append(overrides, deployment.EnvVar{Name: c.opts.ChannelEnv, Value: strconv.Itoa(worker.ChannelFD)})
	}
	return environ.Sanitize(c.deps.Ambient(), overrides)
}

// watch consumes the worker's messages until it exits.
func (c *Coordinator) watch(h *worker.Handle, dep deployment.Deployment) {
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		logger := log.WithWorker(h.PID, dep.ID).With("component", "dispatch")

		var timeout <-chan time.Time
		if c.opts.ReadyTimeout > 0 {
			timer := time.NewTimer(c.opts.ReadyTimeout)
			defer timer.Stop()
			timeout = timer.C
		}
		ready := h.Ready()
		msgs := h.Messages()

		for msgs != nil {
			select {
			case msg, ok := <-msgs:
				if !ok {
					msgs = nil
					continue
				}
				c.handleMessage(logger, h, msg)
			case <-ready:
				ready, timeout = nil, nil
			case <-timeout:
				timeout = nil
				c.expireReady(logger, h)
			}
		}

		<-h.Done()
		if removed := c.deps.Apps.RemoveOwnedBy(h.ID); len(removed) > 0 {
			logger.Info("worker exited, applications removed", "applications", removed)
			for _, name := range removed {
				c.publish(events.AppRemoved, map[string]any{"name": name, "worker_id": h.ID, "reason": "worker_exited"})
			}
			c.updateAppGauge()
		}
	}()
}

// expireReady stops h when its ready timer fires, unless metadata won the race.
func (c *Coordinator) expireReady(logger *slog.Logger, h *worker.Handle) bool {
	if h.State() == worker.StateReady {
		return false
	}
	logger.Warn("worker did not report metadata in time, stopping", "ready_timeout", c.opts.ReadyTimeout)
	go h.Stop(c.deps.Supervisor.TerminationGrace())
	return true
}

func (c *Coordinator) handleMessage(logger *slog.Logger, h *worker.Handle, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeMetadata:
		names := c.deps.Apps.Apply(msg.Metadata, owner{h})
		logger.Info("applications registered", "applications", names)
		for _, name := range names {
			c.publish(events.AppRegistered, map[string]any{
				"name":          name,
				"language_id":   msg.Metadata[name].LanguageID,
				"worker_id":     h.ID,
				"deployment_id": h.DeploymentID,
			})
		}
		c.updateAppGauge()
	case protocol.TypeError:
		logger.Warn("worker reported error", "message", msg.Error.Message, "code", msg.Error.Code)
		c.publish(events.WorkerError, map[string]any{
			"worker_id": h.ID,
			"message":   msg.Error.Message,
			"code":      msg.Error.Code,
		})
	default:
		logger.Debug("ignoring worker message", "type", msg.Type)
	}
}

// Undeploy stops the worker serving name and removes the application.
func (c *Coordinator) Undeploy(ctx context.Context, name string) error {
	entry, ok := c.deps.Apps.Get(name)
	if !ok {
		return apperror.Newf(http.StatusNotFound, "Unknown application: %s", name)
	}

	if h, ok := c.deps.Supervisor.Get(entry.Owner.ID()); ok {
		stopped := make(chan struct{})
		go func() {
			h.Stop(c.deps.Supervisor.TerminationGrace())
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, ok := c.deps.Apps.Remove(name); ok {
		c.publish(events.AppRemoved, map[string]any{"name": name, "worker_id": entry.Owner.ID(), "reason": "undeploy"})
		c.updateAppGauge()
	}
	c.logger.Info("application undeployed", "name", name, "worker_id", entry.Owner.ID())
	return nil
}

// AppView is an application entry joined with its worker's live state.
type AppView struct {
	Name         string       `json:"name"`
	LanguageID   string       `json:"language_id"`
	Path         string       `json:"path"`
	Scripts      []string     `json:"scripts"`
	WorkerID     string       `json:"worker_id"`
	PID          int          `json:"pid"`
	DeploymentID string       `json:"deployment_id"`
	State        worker.State `json:"state"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Applications lists registered applications with their owner's state. An
// owner that has already exited is reported as terminated.
func (c *Coordinator) Applications() []AppView {
	entries := c.deps.Apps.All()
	out := make([]AppView, 0, len(entries))
	for _, e := range entries {
		v := AppView{
			Name:       e.Name,
			LanguageID: e.Application.LanguageID,
			Path:       e.Application.Path,
			Scripts:    e.Application.Scripts,
			State:      worker.StateTerminated,
			UpdatedAt:  e.UpdatedAt,
		}
		if e.Owner != nil {
			v.WorkerID = e.Owner.ID()
			v.PID = e.Owner.PID()
			v.DeploymentID = e.Owner.DeploymentID()
			if h, ok := c.deps.Supervisor.Get(e.Owner.ID()); ok {
				v.State = h.State()
			}
		}
		out = append(out, v)
	}
	return out
}

// Workers lists live worker handles.
func (c *Coordinator) Workers() []*worker.Handle {
	return c.deps.Supervisor.Workers()
}

// Shutdown refuses new deploys, stops every worker and waits for the watchers.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if err := c.deps.Supervisor.StopAll(ctx); err != nil {
		return fmt.Errorf("stop workers: %w", err)
	}

	done := make(chan struct{})
	go func() {
		c.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) publish(eventType string, data any) {
	if c.deps.Events != nil {
		c.deps.Events.Publish(eventType, data)
	}
}

func (c *Coordinator) recordOutcome(outcome string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.DeployRequest(outcome)
	}
}

func (c *Coordinator) updateAppGauge() {
	if c.deps.Metrics != nil {
		c.deps.Metrics.Applications(c.deps.Apps.Len())
	}
}

// owner adapts a worker handle to apps.Owner.
type owner struct{ h *worker.Handle }

func (o owner) ID() string           { return o.h.ID }
func (o owner) PID() int             { return o.h.PID }
func (o owner) DeploymentID() string { return o.h.DeploymentID }
