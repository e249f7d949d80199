package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Interfaces for metrics to avoid circular imports
type MetricsCounter interface {
	Inc()
}

type MetricsGauge interface {
	Set(float64)
	Add(float64)
}

type MetricsHistogram interface {
	Observe(float64)
}

// MetricsWrapper adapts Metrics to the narrow interfaces consumed by the
// dispatcher, the selector and the secure service.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) PredictionsInc(model string) {
	w.m.Predictions.WithLabelValues(model).Inc()
}

func (w *MetricsWrapper) InferenceFailuresInc(model string) {
	w.m.InferenceFailures.WithLabelValues(model).Inc()
}

func (w *MetricsWrapper) AnomaliesInc(model string) {
	w.m.Anomalies.WithLabelValues(model).Inc()
}

func (w *MetricsWrapper) PredictionLatencyObserve(seconds float64) {
	w.m.PredictionLatency.Observe(seconds)
}

func (w *MetricsWrapper) BatchSizeObserve(n int) {
	w.m.BatchSize.Observe(float64(n))
}

func (w *MetricsWrapper) SelectorGenerationObserve(best float64) {
	w.m.SelectorGenerationBest.Observe(best)
}

func (w *MetricsWrapper) SelectorBestScoreSet(score float64) {
	w.m.SelectorBestScore.Set(score)
}

func (w *MetricsWrapper) SelectorFallbackInc() {
	w.m.SelectorFallbacks.Inc()
}

func (w *MetricsWrapper) VerificationsInc(source string) {
	w.m.Verifications.WithLabelValues(source).Inc()
}

func (w *MetricsWrapper) MalformedRecordsInc() {
	w.m.MalformedRecords.Inc()
}

func (w *MetricsWrapper) HTTPRequestsInc(route string, code int) {
	w.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (w *MetricsWrapper) StreamConnections() MetricsGauge {
	return &GaugeWrapper{w.m.StreamConnections}
}

func (w *MetricsWrapper) ErrorsTotal() MetricsCounter {
	return &CounterWrapper{w.m.ErrorsTotal}
}

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}

type GaugeWrapper struct {
	g prometheus.Gauge
}

func (gw *GaugeWrapper) Set(v float64) {
	gw.g.Set(v)
}

func (gw *GaugeWrapper) Add(v float64) {
	gw.g.Add(v)
}

type HistogramWrapper struct {
	h prometheus.Histogram
}

func (hw *HistogramWrapper) Observe(v float64) {
	hw.h.Observe(v)
}
