package dispatch

import (
	"github.com/mattjoyce/deployd/internal/events"
	"github.com/mattjoyce/deployd/internal/metrics"
	"github.com/mattjoyce/deployd/internal/protocol"
	"github.com/mattjoyce/deployd/internal/worker"
)

// LifecycleObserver forwards worker lifecycle changes to the event hub and
// the metrics collector. Either may be nil.
type LifecycleObserver struct {
	Events  *events.Hub
	Metrics *metrics.Collector
}

var _ worker.Observer = LifecycleObserver{}

var transitionEvents = map[worker.State]string{
	worker.StateSpawned:    events.WorkerSpawned,
	worker.StateReady:      events.WorkerReady,
	worker.StateTerminated: events.WorkerTerminated,
	worker.StateFailed:     events.WorkerFailed,
}

func (o LifecycleObserver) Transition(h *worker.Handle, from, to worker.State) {
	if o.Metrics != nil {
		o.Metrics.WorkerTransition(from.String(), to.String(), to == worker.StateSpawned, to.Terminal())
	}
	if o.Events == nil {
		return
	}
	eventType, ok := transitionEvents[to]
	if !ok {
		return
	}
	data := map[string]any{
		"worker_id":     h.ID,
		"pid":           h.PID,
		"deployment_id": h.DeploymentID,
		"from":          from.String(),
	}
	if to.Terminal() {
		if err := h.ExitErr(); err != nil {
			data["exit"] = err.Error()
		}
	}
	o.Events.Publish(eventType, data)
}

func (o LifecycleObserver) Received(_ *worker.Handle, t protocol.MessageType) {
	if o.Metrics != nil {
		o.Metrics.MessageReceived(string(t))
	}
}

func (o LifecycleObserver) Dropped(*worker.Handle, error) {
	if o.Metrics != nil {
		o.Metrics.MessageDropped()
	}
}
