// Package worker spawns and supervises one OS process per deployment. Each
// worker gets a structured duplex channel on fd 3 in addition to stdout and
// stderr, which are forwarded to the log tagged with pid and deployment.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/deployd/internal/deployment"
	"github.com/mattjoyce/deployd/internal/environ"
	"github.com/mattjoyce/deployd/internal/log"
	"github.com/mattjoyce/deployd/internal/protocol"
)

const (
	// ChannelFD is the descriptor number the structured channel has in the child.
	ChannelFD = 3

	// DefaultTerminationGrace is the time between SIGTERM and SIGKILL.
	DefaultTerminationGrace = 5 * time.Second

	// streamDrainTimeout bounds how long output is read after the process
	// exits. Grandchildren that inherited a descriptor cannot hold a handle open.
	streamDrainTimeout = 2 * time.Second

	messageBuffer = 64
)

// Observer is notified of worker lifecycle changes and channel traffic. Calls
// arrive from supervisor goroutines and must not block.
type Observer interface {
	Transition(h *Handle, from, to State)
	Received(h *Handle, t protocol.MessageType)
	Dropped(h *Handle, err error)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) Transition(*Handle, State, State)       {}
func (NopObserver) Received(*Handle, protocol.MessageType) {}
func (NopObserver) Dropped(*Handle, error)                 {}

// SpawnError reports that the OS could not create the worker process.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StatusCode maps spawn failures to a server error.
func (e *SpawnError) StatusCode() int { return http.StatusInternalServerError }

// Config describes how workers are launched.
type Config struct {
	Command          string
	Args             []string
	TerminationGrace time.Duration
	MaxLineBytes     int
	Observer         Observer
}

// Supervisor owns every live worker handle.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = DefaultTerminationGrace
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = protocol.DefaultMaxLineBytes
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  log.WithComponent("worker"),
		handles: make(map[string]*Handle),
	}
}

// Spawn starts a worker for dep with exactly env as its environment and
// dep.SourcePath as its working directory. The process outlives ctx, which
// only guards the start itself.
func (s *Supervisor) Spawn(ctx context.Context, dep deployment.Deployment, env map[string]string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parent, child, err := newChannel()
	if err != nil {
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(parent, child)
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(parent, child, outR, outW)
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = dep.SourcePath
	cmd.Env = environ.ToList(env)
	cmd.Stdin = nil
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.ExtraFiles = []*os.File{child}
	cmd.SysProcAttr = processAttr()

	if err := cmd.Start(); err != nil {
		closeAll(parent, child, outR, outW, errR, errW)
		s.logger.Error("failed to spawn worker", "deployment_id", dep.ID, "command", s.cfg.Command, "error", err)
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}
	// The child holds its own copies now.
	closeAll(child, outW, errW)

	h := &Handle{
		ID:           uuid.NewString(),
		PID:          cmd.Process.Pid,
		DeploymentID: dep.ID,
		StartedAt:    time.Now().UTC(),
		cmd:          cmd,
		conn:         parent,
		enc:          protocol.NewEncoder(parent),
		messages:     make(chan protocol.Message, messageBuffer),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		observer:     s.cfg.Observer,
		logger:       log.WithWorker(cmd.Process.Pid, dep.ID).With("component", "worker"),
	}

	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()

	h.logger.Info("worker spawned", "command", s.cfg.Command, "dir", dep.SourcePath, "worker_id", h.ID)
	h.transition(StateSpawned)

	var streams sync.WaitGroup
	streams.Add(3)
	go func() {
		defer streams.Done()
		h.readChannel(s.cfg.MaxLineBytes)
	}()
	go func() {
		defer streams.Done()
		forwardOutput(h.logger, "stdout", outR)
	}()
	go func() {
		defer streams.Done()
		forwardOutput(h.logger, "stderr", errR)
	}()

	go s.monitor(h, &streams, outR, errR)

	return h, nil
}

// monitor waits for the process, drains its streams, and retires the handle.
func (s *Supervisor) monitor(h *Handle, streams *sync.WaitGroup, outR, errR *os.File) {
	waitErr := h.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		streams.Wait()
		close(drained)
	}()

	timer := time.NewTimer(streamDrainTimeout)
	select {
	case <-drained:
	case <-timer.C:
		h.logger.Debug("worker streams still open after exit, closing")
		closeAll(h.conn, outR, errR)
		<-drained
	}
	timer.Stop()
	closeAll(h.conn, outR, errR)

	close(h.messages)
	h.finish(waitErr)

	s.mu.Lock()
	delete(s.handles, h.ID)
	s.mu.Unlock()

	close(h.done)
}

// Get returns a live handle by id.
func (s *Supervisor) Get(id string) (*Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	return h, ok
}

// Workers lists live handles, oldest first.
func (s *Supervisor) Workers() []*Handle {
	s.mu.RLock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].PID < out[j].PID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// StopAll stops every live worker concurrently and waits for them, or for ctx.
func (s *Supervisor) StopAll(ctx context.Context) error {
	handles := s.Workers()
	if len(handles) == 0 {
		return nil
	}
	s.logger.Info("stopping workers", "count", len(handles))

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.Stop(s.cfg.TerminationGrace)
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TerminationGrace returns the configured SIGTERM to SIGKILL delay.
func (s *Supervisor) TerminationGrace() time.Duration { return s.cfg.TerminationGrace }

// maxOutputLine caps one logged stdout/stderr line. Longer lines are logged
// truncated and the rest is read and discarded.
const maxOutputLine = 64 * 1024

// forwardOutput logs r line by line until it is closed. It never stops
// reading early, so a chatty worker cannot block on a full pipe.
func forwardOutput(logger *slog.Logger, stream string, r io.Reader) {
	br := bufio.NewReaderSize(r, 4096)
	var line []byte
	truncated := false
	for {
		chunk, err := br.ReadSlice('\n')
		if room := maxOutputLine - len(line); room > 0 {
			if len(chunk) > room {
				chunk, truncated = chunk[:room], true
			}
			line = append(line, chunk...)
		} else if len(chunk) > 0 {
			truncated = true
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if text := strings.TrimRight(string(line), "\r\n"); text != "" || truncated {
			if truncated {
				logger.Info("worker output", "stream", stream, "line", text, "truncated", true)
			} else {
				logger.Info("worker output", "stream", stream, "line", text)
			}
		}
		line, truncated = line[:0], false
		if err != nil {
			return
		}
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
