// Package metrics exposes control-plane counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deploy outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
)

// Collector holds every metric the control plane records.
type Collector struct {
	deployRequests   *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	activeWorkers    prometheus.Gauge
	applications     prometheus.Gauge
	messages         *prometheus.CounterVec
	droppedMessages  prometheus.Counter
	installDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewCollector creates a Collector with its own registry. Runtime collectors
// are included when withRuntime is set.
func NewCollector(namespace string, withRuntime bool) *Collector {
	if namespace == "" {
		namespace = "deployd"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.deployRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_requests_total",
			Help:      "Total number of deploy requests by outcome",
		},
		[]string{"outcome"},
	)

	c.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_state_transitions_total",
			Help:      "Total number of worker state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Number of worker processes that have not exited",
		},
	)

	c.applications = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "applications_registered",
			Help:      "Number of applications in the registry",
		},
	)

	c.messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_messages_total",
			Help:      "Total number of well-formed messages received from workers",
		},
		[]string{"type"},
	)

	c.droppedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_messages_dropped_total",
			Help:      "Total number of malformed or unknown worker messages dropped",
		},
	)

	c.installDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "install_duration_seconds",
			Help:      "Duration of dependency installation",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	c.registry.MustRegister(
		c.deployRequests,
		c.stateTransitions,
		c.activeWorkers,
		c.applications,
		c.messages,
		c.droppedMessages,
		c.installDuration,
	)
	if withRuntime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// DeployRequest counts one deploy by outcome.
func (c *Collector) DeployRequest(outcome string) {
	c.deployRequests.WithLabelValues(outcome).Inc()
}

// WorkerTransition records a state change and keeps the active gauge in step.
func (c *Collector) WorkerTransition(from, to string, spawned, terminal bool) {
	c.stateTransitions.WithLabelValues(from, to).Inc()
	switch {
	case spawned:
		c.activeWorkers.Inc()
	case terminal:
		c.activeWorkers.Dec()
	}
}

// MessageReceived counts a well-formed inbound message.
func (c *Collector) MessageReceived(msgType string) {
	c.messages.WithLabelValues(msgType).Inc()
}

// MessageDropped counts a discarded inbound message.
func (c *Collector) MessageDropped() {
	c.droppedMessages.Inc()
}

// InstallDuration records how long installation took.
func (c *Collector) InstallDuration(d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.installDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Applications sets the registered application count.
func (c *Collector) Applications(n int) {
	c.applications.Set(float64(n))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
