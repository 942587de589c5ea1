// Package metrics exposes the broker's Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushTotal       *prometheus.CounterVec
	pushDuration    *prometheus.HistogramVec
	pullTotal       *prometheus.CounterVec
	pullDuration    *prometheus.HistogramVec
	cacheHitsTotal  *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	pluginsByState  *prometheus.GaugeVec
	monitorRunning  prometheus.Gauge
	pluginLoadTotal *prometheus.CounterVec

	metricsOnce       sync.Once
	metricsRegistered bool
)

// Recorder records broker metrics. The zero value is usable; nothing is
// recorded until Init has run.
type Recorder struct{}

// New returns a Recorder.
func New() *Recorder {
	return &Recorder{}
}

// Init registers all metrics with the default registry. Safe to call more
// than once.
func Init() {
	metricsOnce.Do(func() {
		pushTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsbroker_push_total",
				Help: "Push attempts per plugin by result (success, failure, skipped)",
			},
			[]string{"plugin", "status"},
		)

		pushDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dsbroker_push_duration_seconds",
				Help:    "Duration of plugin push calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"plugin"},
		)

		pullTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsbroker_pull_total",
				Help: "Reverse-flow pulls per plugin by result (success, unchanged, failure)",
			},
			[]string{"plugin", "status"},
		)

		pullDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dsbroker_pull_duration_seconds",
				Help:    "Duration of plugin pull calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"plugin"},
		)

		cacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsbroker_cache_hits_total",
				Help: "Pushes suppressed because the destination already holds the value",
			},
			[]string{"plugin"},
		)

		eventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsbroker_events_total",
				Help: "Change notifications received by result (dispatched, unresolved, invalid)",
			},
			[]string{"result"},
		)

		pluginsByState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dsbroker_plugins",
				Help: "Number of known plugins by load state",
			},
			[]string{"state"},
		)

		monitorRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dsbroker_push_monitor_running",
				Help: "Push-flow monitor state (1=subscribed, 0=stopped)",
			},
		)

		pluginLoadTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsbroker_plugin_loads_total",
				Help: "Plugin load attempts by result (success, failure)",
			},
			[]string{"plugin", "result"},
		)

		metricsRegistered = true
	})
}

// RecordPush records one mapping push outcome.
func (r *Recorder) RecordPush(pluginName, status string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	pushTotal.WithLabelValues(pluginName, status).Inc()
	if status != "skipped" {
		pushDuration.WithLabelValues(pluginName).Observe(durationSeconds)
	}
}

// RecordCacheHit records a push suppressed by the credential cache.
func (r *Recorder) RecordCacheHit(pluginName string) {
	if !metricsRegistered {
		return
	}
	cacheHitsTotal.WithLabelValues(pluginName).Inc()
}

// RecordPull records one reverse-flow pull outcome.
func (r *Recorder) RecordPull(pluginName, status string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	pullTotal.WithLabelValues(pluginName, status).Inc()
	pullDuration.WithLabelValues(pluginName).Observe(durationSeconds)
}

// RecordEvent records a change notification.
func (r *Recorder) RecordEvent(result string) {
	if !metricsRegistered {
		return
	}
	eventsTotal.WithLabelValues(result).Inc()
}

// RecordPluginLoad records a plugin load attempt.
func (r *Recorder) RecordPluginLoad(pluginName string, ok bool) {
	if !metricsRegistered {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	pluginLoadTotal.WithLabelValues(pluginName, result).Inc()
}

// SetPluginStates replaces the per-state plugin counts.
func (r *Recorder) SetPluginStates(counts map[string]int) {
	if !metricsRegistered {
		return
	}
	pluginsByState.Reset()
	for state, n := range counts {
		pluginsByState.WithLabelValues(state).Set(float64(n))
	}
}

// SetMonitorRunning records the push-flow monitor state.
func (r *Recorder) SetMonitorRunning(running bool) {
	if !metricsRegistered {
		return
	}
	value := 0.0
	if running {
		value = 1.0
	}
	monitorRunning.Set(value)
}
