package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerd",
			Subsystem: "supervisor",
			Name:      "spawns_total",
			Help:      "Number of processes spawned and adopted.",
		}, []string{"subsystem"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerd",
			Subsystem: "supervisor",
			Name:      "spawn_failures_total",
			Help:      "Number of failed spawn attempts.",
		}, []string{"subsystem"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerd",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of spawns that replaced a process which exited on its own.",
		}, []string{"subsystem"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerd",
			Subsystem: "supervisor",
			Name:      "exits_total",
			Help:      "Number of owned process exits.",
		}, []string{"subsystem"},
	)
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerd",
			Subsystem: "probe",
			Name:      "results_total",
			Help:      "Port probe outcomes (free, healthy, unhealthy).",
		}, []string{"subsystem", "result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerd",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"subsystem", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peerd",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"subsystem", "state"},
	)
	shutdownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "peerd",
			Subsystem: "shutdown",
			Name:      "duration_seconds",
			Help:      "Time taken by the shutdown sequence.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{spawns, spawnFailures, restarts, exits, probes, stateTransitions, currentStates, shutdownDuration, resourceCPU, resourceMemory, resourceThreads}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registry: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer; used when a private registry is in play.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has been called.

func IncSpawn(subsystem string) {
	if regOK.Load() {
		spawns.WithLabelValues(subsystem).Inc()
	}
}

func IncSpawnFailure(subsystem string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(subsystem).Inc()
	}
}

func IncRestart(subsystem string) {
	if regOK.Load() {
		restarts.WithLabelValues(subsystem).Inc()
	}
}

func IncExit(subsystem string) {
	if regOK.Load() {
		exits.WithLabelValues(subsystem).Inc()
	}
}

func RecordProbe(subsystem, result string) {
	if regOK.Load() {
		probes.WithLabelValues(subsystem, result).Inc()
	}
}

// RecordStateTransition counts the transition and flips the current_state gauge.
func RecordStateTransition(subsystem, from, to string) {
	if !regOK.Load() || from == to {
		return
	}
	stateTransitions.WithLabelValues(subsystem, from, to).Inc()
	if from != "" {
		currentStates.WithLabelValues(subsystem, from).Set(0)
	}
	currentStates.WithLabelValues(subsystem, to).Set(1)
}

func ObserveShutdown(seconds float64) {
	if regOK.Load() {
		shutdownDuration.Observe(seconds)
	}
}
