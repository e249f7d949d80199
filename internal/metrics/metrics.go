// Package metrics provides Prometheus metrics collection for the sentinel
// gate. It defines the verification, inference, feature selection and
// transport metrics exposed on the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentinel"

// Metrics holds all Prometheus metrics of the service.
type Metrics struct {
	// Trust gate
	Verifications    *prometheus.CounterVec // verification outcomes by source
	MalformedRecords prometheus.Counter     // envelopes rejected before verification

	// Inference
	Predictions       *prometheus.CounterVec // predictions by model
	InferenceFailures *prometheus.CounterVec // failed predictions by model
	Anomalies         *prometheus.CounterVec // anomalous verdicts by model
	PredictionLatency prometheus.Histogram   // scale + mask + classify latency
	BatchSize         prometheus.Histogram   // records per batch call

	// Feature selection
	SelectorGenerationBest prometheus.Histogram // per-generation best CV accuracy
	SelectorBestScore      prometheus.Gauge     // best score of the last run
	SelectorFallbacks      prometheus.Counter   // runs that fell back to variance ranking

	// Transport
	HTTPRequests      *prometheus.CounterVec // API requests by route and status
	StreamConnections prometheus.Gauge       // open websocket streams

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Signature verifications by resolved source",
		}, []string{"source"}),
		MalformedRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_records_total",
			Help:      "Signed records rejected as malformed",
		}),
		Predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions made by model",
		}, []string{"model"}),
		InferenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_failures_total",
			Help:      "Failed predictions by model",
		}, []string{"model"}),
		Anomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Records classified as anomalous by model",
		}, []string{"model"}),
		PredictionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_latency_seconds",
			Help:      "Inference latency in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Records per batch call",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		SelectorGenerationBest: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "selector_generation_best",
			Help:      "Best cross-validated accuracy per selector generation",
			Buckets:   prometheus.LinearBuckets(0.5, 0.05, 11),
		}),
		SelectorBestScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "selector_best_score",
			Help:      "Best cross-validated accuracy of the last selector run",
		}),
		SelectorFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selector_fallbacks_total",
			Help:      "Selector runs that fell back to variance ranking",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code",
		}, []string{"route", "code"}),
		StreamConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connections",
			Help:      "Open websocket streams",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors encountered",
		}),
	}
}
