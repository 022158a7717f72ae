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

	workerStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		},
	)
	workerStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker stops (graceful or crash).",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "worker",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	installs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "artifact",
			Name:      "installs_total",
			Help:      "Number of artifact installs by outcome.",
		}, []string{"outcome"},
	)
	installDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "artifact",
			Name:      "install_duration_seconds",
			Help:      "Time spent resolving and downloading an artifact.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	consoleChunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "console",
			Name:      "chunks_total",
			Help:      "Number of console output chunks broadcast.",
		},
	)
	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "console",
			Name:      "subscribers",
			Help:      "Current number of live console subscribers.",
		},
	)
	droppedSubscribers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "console",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers dropped because their delivery queue stayed full.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerStops, stateTransitions, currentState,
		installs, installDuration, consoleChunks, subscribers, droppedSubscribers,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		workerStarts.Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		workerStops.Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		currentState.WithLabelValues(state).Set(v)
	}
}

func IncInstall(outcome string) {
	if regOK.Load() {
		installs.WithLabelValues(outcome).Inc()
	}
}

func ObserveInstallDuration(seconds float64) {
	if regOK.Load() {
		installDuration.Observe(seconds)
	}
}

func IncConsoleChunk() {
	if regOK.Load() {
		consoleChunks.Inc()
	}
}

func SetSubscribers(n int) {
	if regOK.Load() {
		subscribers.Set(float64(n))
	}
}

func IncDroppedSubscriber() {
	if regOK.Load() {
		droppedSubscribers.Inc()
	}
}
