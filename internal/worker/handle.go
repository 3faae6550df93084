package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/deployd/internal/protocol"
)

// ErrClosed is returned by Send once the worker has exited.
var ErrClosed = errors.New("worker channel closed")

// Handle is the supervisor's record of one spawned worker process.
type Handle struct {
	ID           string
	PID          int
	DeploymentID string
	StartedAt    time.Time

	cmd      *exec.Cmd
	conn     *os.File
	enc      *protocol.Encoder
	messages chan protocol.Message
	ready    chan struct{}
	done     chan struct{}
	observer Observer
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	exitErr       error
	stopRequested bool
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Send writes msg to the worker's structured channel.
func (h *Handle) Send(msg protocol.Message) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	return h.enc.Encode(msg)
}

// Messages yields well-formed inbound messages in arrival order and is closed
// after the worker exits. It has a single consumer, which must keep draining
// it until it is closed.
func (h *Handle) Messages() <-chan protocol.Message { return h.messages }

// Ready is closed when the worker reports its first Metadata.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// Done is closed once the process has exited and its streams are drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr returns the process exit error. Valid after Done.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Stop sends SIGTERM to the worker's process group, then SIGKILL if it is
// still running after grace. It returns once the worker is done.
func (h *Handle) Stop(grace time.Duration) {
	select {
	case <-h.done:
		return
	default:
	}

	h.mu.Lock()
	h.stopRequested = true
	h.mu.Unlock()

	h.logger.Info("stopping worker", "grace", grace)
	if err := signalGroup(h.PID, syscall.SIGTERM); err != nil {
		h.logger.Error("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		h.logger.Info("worker exited after SIGTERM")
	case <-timer.C:
		h.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if err := signalGroup(h.PID, syscall.SIGKILL); err != nil {
			h.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-h.done
	}
}

func (h *Handle) transition(to State) bool {
	h.mu.Lock()
	from := h.state
	if !canTransition(from, to) {
		h.mu.Unlock()
		return false
	}
	h.state = to
	h.mu.Unlock()

	if to == StateReady {
		close(h.ready)
	}
	h.logger.Debug("worker state changed", "from", from, "to", to)
	h.observer.Transition(h, from, to)
	return true
}

// readChannel decodes the structured channel until EOF. The first Metadata
// message moves the worker to Ready before it is forwarded.
func (h *Handle) readChannel(maxLine int) {
	r := protocol.NewReader(h.conn, maxLine)
	for {
		msg, err := r.Next()
		if err != nil {
			if protocol.Recoverable(err) {
				h.logger.Warn("dropping worker message", "error", err)
				h.observer.Dropped(h, err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.logger.Warn("worker channel read failed", "error", err)
			}
			return
		}

		h.observer.Received(h, msg.Type)
		if msg.Type == protocol.TypeMetadata {
			h.transition(StateReady)
		}
		h.messages <- msg
	}
}

// finish records the exit and moves the worker to its terminal state.
func (h *Handle) finish(waitErr error) {
	h.mu.Lock()
	h.exitErr = waitErr
	clean := waitErr == nil || h.stopRequested
	h.mu.Unlock()

	final := StateFailed
	if clean && h.State() == StateReady {
		final = StateTerminated
	}
	h.transition(final)

	attrs := []any{"state", final}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		attrs = append(attrs, "exit_code", exitErr.ExitCode())
	} else if waitErr != nil {
		attrs = append(attrs, "error", waitErr)
	}
	if final == StateFailed {
		h.logger.Warn("worker exited", attrs...)
	} else {
		h.logger.Info("worker exited", attrs...)
	}
}

func (h *Handle) String() string {
	return fmt.Sprintf("worker %s (pid %d, deployment %s)", h.ID, h.PID, h.DeploymentID)
}
