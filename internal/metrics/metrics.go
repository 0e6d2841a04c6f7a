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

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker launches.",
		}, []string{"name"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker stops (graceful or forced).",
		}, []string{"name"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of successful supervised restarts.",
		}, []string{"name"},
	)
	restartDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "restart",
			Name:      "denials_total",
			Help:      "Restart attempts refused by the restart policy, by reason.",
		}, []string{"name", "reason"},
	)
	maintenanceWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "restart",
			Name:      "maintenance_waits_total",
			Help:      "Number of maintenance waits entered after the restart budget was exhausted.",
		}, []string{"name"},
	)
	livenessAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watchdog",
			Subsystem: "liveness",
			Name:      "age_seconds",
			Help:      "Seconds since the worker last wrote its liveness record (-1 when absent).",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watchdog",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	degradationActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watchdog",
			Subsystem: "degradation",
			Name:      "active",
			Help:      "1 while the degradation policy suppresses normal activity.",
		}, []string{"policy"},
	)
	degradationTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "degradation",
			Name:      "triggers_total",
			Help:      "Number of degradation activations, including re-activations.",
		}, []string{"policy"},
	)
)

var (
	workerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watchdog",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage of the worker process as sampled by the supervisor.",
		}, []string{"name"},
	)
	workerRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watchdog",
			Subsystem: "worker",
			Name:      "rss_bytes",
			Help:      "Resident memory of the worker process.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerStops, workerRestarts, restartDenials, maintenanceWaits,
		livenessAge, stateTransitions, currentStates, degradationActive, degradationTriggers,
		workerCPU, workerRSS,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

func IncStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		workerStops.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(name).Inc()
	}
}

func IncRestartDenied(name, reason string) {
	if regOK.Load() {
		restartDenials.WithLabelValues(name, reason).Inc()
	}
}

func IncMaintenance(name string) {
	if regOK.Load() {
		maintenanceWaits.WithLabelValues(name).Inc()
	}
}

// SetLivenessAge records the heartbeat age; pass a negative value when no record exists.
func SetLivenessAge(name string, seconds float64) {
	if regOK.Load() {
		livenessAge.WithLabelValues(name).Set(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func SetDegraded(policy string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		degradationActive.WithLabelValues(policy).Set(value)
	}
}

func IncDegradationTrigger(policy string) {
	if regOK.Load() {
		degradationTriggers.WithLabelValues(policy).Inc()
	}
}

// SetWorkerUsage records the latest resource sample of the worker.
func SetWorkerUsage(name string, cpuPercent float64, rssBytes uint64) {
	if regOK.Load() {
		workerCPU.WithLabelValues(name).Set(cpuPercent)
		workerRSS.WithLabelValues(name).Set(float64(rssBytes))
	}
}
