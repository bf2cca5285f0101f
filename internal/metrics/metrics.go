package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procwatch"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"process"},
	)
	processErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "errors_total",
			Help:      "Number of process errors by reason.",
		}, []string{"process", "reason"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of automatic restart attempts.",
		}, []string{"process"},
	)
	healthDegradations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "health_degradations_total",
			Help:      "Number of health checks that left a process below the low-health threshold.",
		}, []string{"process"},
	)
	healthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "health_score",
			Help:      "Last reported health score per process (0-100).",
		}, []string{"process"},
	)

	systemStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "status",
			Help:      "Current aggregate system status (1 = active status, 0 = inactive).",
		}, []string{"status"},
	)
	systemProcesses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "processes",
			Help:      "Process counts from the last system status event.",
		}, []string{"state"},
	)
	systemRestarts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "restarts",
			Help:      "Total restarts reported by the last system status event.",
		},
	)

	watchdogAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "alerts_total",
			Help:      "Number of watchdog alerts by type and severity.",
		}, []string{"type", "severity"},
	)
	watchdogScores = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "score",
			Help:      "Watchdog performance and stability scores (0-100).",
		}, []string{"kind"},
	)
	watchdogErrorRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "error_rate_percent",
			Help:      "Share of processes not up in the last mirrored status.",
		},
	)
	watchdogMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "memory_mb",
			Help:      "Latest sampled resident memory of the supervisor.",
		},
	)
	watchdogLeak = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "memory_leak",
			Help:      "1 while the memory-leak heuristic holds.",
		},
	)
)

var systemStatuses = []string{"healthy", "degraded", "critical"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processErrors, processRestarts, healthDegradations, healthScore,
		systemStatus, systemProcesses, systemRestarts,
		watchdogAlerts, watchdogScores, watchdogErrorRate, watchdogMemory, watchdogLeak,
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers. They no-op if Register hasn't been called.

func IncStart(process string) {
	if regOK.Load() {
		processStarts.WithLabelValues(process).Inc()
	}
}

func IncError(process, reason string) {
	if regOK.Load() {
		processErrors.WithLabelValues(process, reason).Inc()
	}
}

func IncRestart(process string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(process).Inc()
	}
}

func IncHealthDegradation(process string) {
	if regOK.Load() {
		healthDegradations.WithLabelValues(process).Inc()
	}
}

func SetHealthScore(process string, score int) {
	if regOK.Load() {
		healthScore.WithLabelValues(process).Set(float64(score))
	}
}

// SetSystemStatus marks status as the active aggregate status.
func SetSystemStatus(status string) {
	if !regOK.Load() {
		return
	}
	for _, s := range systemStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		systemStatus.WithLabelValues(s).Set(v)
	}
}

func SetSystemCounts(total, running, healthy, restarts int) {
	if !regOK.Load() {
		return
	}
	systemProcesses.WithLabelValues("total").Set(float64(total))
	systemProcesses.WithLabelValues("running").Set(float64(running))
	systemProcesses.WithLabelValues("healthy").Set(float64(healthy))
	systemRestarts.Set(float64(restarts))
}

func IncAlert(alertType, severity string) {
	if regOK.Load() {
		watchdogAlerts.WithLabelValues(alertType, severity).Inc()
	}
}

// SetWatchdogScores exports the watchdog's latest computation.
func SetWatchdogScores(performance, stability int, errorRate, memoryMB float64, leak bool) {
	if !regOK.Load() {
		return
	}
	watchdogScores.WithLabelValues("performance").Set(float64(performance))
	watchdogScores.WithLabelValues("stability").Set(float64(stability))
	watchdogErrorRate.Set(errorRate)
	watchdogMemory.Set(memoryMB)
	v := 0.0
	if leak {
		v = 1
	}
	watchdogLeak.Set(v)
}
