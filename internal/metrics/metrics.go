// Package metrics exposes Prometheus counters describing supervision activity.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vibeguild"

// Metrics holds the supervisor counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs             *prometheus.CounterVec
	pauses           prometheus.Counter
	alignmentRounds  prometheus.Counter
	remediations     prometheus.Counter
	silentRetries    prometheus.Counter
	repoResolutions  *prometheus.CounterVec
	workerInvocation *prometheus.HistogramVec
}

// New creates counters registered with a dedicated registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Supervised task runs by final outcome.",
		}, []string{"outcome"}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pauses_total",
			Help:      "Pause signals consumed while a worker was running.",
		}),
		alignmentRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alignment_rounds_total",
			Help:      "Alignment rounds that received an operator answer.",
		}),
		remediations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Remediation invocations issued for runs without evidence of work.",
		}),
		silentRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silent_exit_retries_total",
			Help:      "Retries after a silent successful exit with capabilities attached.",
		}),
		repoResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repo_resolutions_total",
			Help:      "Repository resolutions by the step that produced the handle.",
		}, []string{"source"}),
		workerInvocation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_invocation_seconds",
			Help:      "Wall-clock duration of worker process invocations.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600},
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.runs,
		m.pauses,
		m.alignmentRounds,
		m.remediations,
		m.silentRetries,
		m.repoResolutions,
		m.workerInvocation,
	)
	return m
}

// Registry returns the registry holding every counter
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PauseConsumed() {
	if m == nil {
		return
	}
	m.pauses.Inc()
}

func (m *Metrics) AlignmentRound() {
	if m == nil {
		return
	}
	m.alignmentRounds.Inc()
}

func (m *Metrics) Remediation() {
	if m == nil {
		return
	}
	m.remediations.Inc()
}

func (m *Metrics) SilentExitRetry() {
	if m == nil {
		return
	}
	m.silentRetries.Inc()
}

// RepoResolved counts a resolution by source (memo, exact, reuse, org, user)
func (m *Metrics) RepoResolved(source string) {
	if m == nil {
		return
	}
	m.repoResolutions.WithLabelValues(source).Inc()
}

// WorkerInvocation observes one worker process lifetime
func (m *Metrics) WorkerInvocation(result string, seconds float64) {
	if m == nil {
		return
	}
	m.workerInvocation.WithLabelValues(result).Observe(seconds)
}

// WriteTextfile writes every metric in the text exposition format, for
// node_exporter's textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
