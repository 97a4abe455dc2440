// Package metrics holds the Prometheus collectors for the processing loop,
// persistence and messaging. Every Record method is safe on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rfwatch"

type Metrics struct {
	registry *prometheus.Registry

	signalsIngested prometheus.Counter
	signalsRejected prometheus.Counter
	windowSignals   prometheus.Gauge

	tickDuration prometheus.Histogram
	tickErrors   *prometheus.CounterVec
	stageOutput  *prometheus.GaugeVec // filtered, grid_cells, clusters, interpolation_points
	staleResults *prometheus.CounterVec

	activeDrones   *prometheus.GaugeVec // by type
	lostDrones     prometheus.Counter
	alertsTotal    *prometheus.CounterVec // by type
	patternsTotal  *prometheus.CounterVec // by type
	activePatterns prometheus.Gauge

	detectionsStored *prometheus.CounterVec // by kind, status
	kafkaMessages    *prometheus.CounterVec // by status
	mqttPublished    *prometheus.CounterVec // by status

	httpLatency *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := newWith(reg)
	m.registry = reg
	return m
}

func newWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		signalsIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_ingested_total",
			Help:      "Signal records accepted into the processing window",
		}),
		signalsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_rejected_total",
			Help:      "Signal records dropped by validation",
		}),
		windowSignals: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_signals",
			Help:      "Signal records currently held in the processing window",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one processing tick",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		tickErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Processing failures by stage",
		}, []string{"stage"}),
		stageOutput: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_output",
			Help:      "Number of items produced by each stage in the latest tick",
		}, []string{"stage"}),
		staleResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Offloaded results discarded because a newer request superseded them",
		}, []string{"stage"}),
		activeDrones: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_drones",
			Help:      "Currently tracked drones by type",
		}, []string{"type"}),
		lostDrones: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lost_drones_total",
			Help:      "Drones moved from active to lost",
		}),
		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by type",
		}, []string{"type"}),
		patternsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patterns_total",
			Help:      "Patterns detected by type",
		}, []string{"type"}),
		activePatterns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_patterns",
			Help:      "Patterns younger than the active window",
		}),
		detectionsStored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_stored_total",
			Help:      "Detection writes by kind and outcome",
		}, []string{"kind", "status"}),
		kafkaMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka signal messages by outcome",
		}, []string{"status"}),
		mqttPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_published_total",
			Help:      "MQTT alert publishes by outcome",
		}, []string{"status"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and custom exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

func (m *Metrics) RecordIngest(accepted, rejected, window int) {
	if m == nil {
		return
	}
	m.signalsIngested.Add(float64(accepted))
	m.signalsRejected.Add(float64(rejected))
	m.windowSignals.Set(float64(window))
}

func (m *Metrics) RecordTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordTickError(stage string) {
	if m == nil {
		return
	}
	m.tickErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordStageOutput(stage string, n int) {
	if m == nil {
		return
	}
	m.stageOutput.WithLabelValues(stage).Set(float64(n))
}

func (m *Metrics) RecordStale(stage string) {
	if m == nil {
		return
	}
	m.staleResults.WithLabelValues(stage).Inc()
}

// RecordDrones replaces the per-type active gauge.
func (m *Metrics) RecordDrones(byType map[string]int, lost int) {
	if m == nil {
		return
	}
	m.activeDrones.Reset()
	for typ, n := range byType {
		m.activeDrones.WithLabelValues(typ).Set(float64(n))
	}
	m.lostDrones.Add(float64(lost))
}

func (m *Metrics) RecordAlert(alertType string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(alertType).Inc()
}

func (m *Metrics) RecordPattern(patternType string) {
	if m == nil {
		return
	}
	m.patternsTotal.WithLabelValues(patternType).Inc()
}

func (m *Metrics) RecordActivePatterns(n int) {
	if m == nil {
		return
	}
	m.activePatterns.Set(float64(n))
}

func (m *Metrics) RecordDetectionStored(kind string, err error) {
	if m == nil {
		return
	}
	m.detectionsStored.WithLabelValues(kind, status(err)).Inc()
}

func (m *Metrics) RecordKafkaMessage(err error) {
	if m == nil {
		return
	}
	m.kafkaMessages.WithLabelValues(status(err)).Inc()
}

func (m *Metrics) RecordMQTTPublish(err error) {
	if m == nil {
		return
	}
	m.mqttPublished.WithLabelValues(status(err)).Inc()
}

func (m *Metrics) RecordHTTP(route string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpLatency.WithLabelValues(route).Observe(d.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
