package ml

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"sentinel-ids/internal/trust"
	"sentinel-ids/internal/workpool"
)

// MetricsInterface defines metrics methods needed by the dispatcher
type MetricsInterface interface {
	PredictionsInc(model string)
	InferenceFailuresInc(model string)
	AnomaliesInc(model string)
	PredictionLatencyObserve(seconds float64)
	BatchSizeObserve(n int)
}

// Prediction is the outcome of one inference. Trusted and Source are filled
// in by the caller that verified the record.
type Prediction struct {
	Label       int     `json:"label"`
	Probability float64 `json:"probability"`
	ModelID     string  `json:"model_id"`
	Anomalous   bool    `json:"anomalous"`
	Trusted     bool    `json:"trusted"`
	Source      string  `json:"source,omitempty"`
}

// BatchItem is one entry of a batch call.
type BatchItem struct {
	Vector  []float64
	ModelID string
}

// BatchResult pairs a batch entry with its outcome. Exactly one of
// Prediction and Err is set.
type BatchResult struct {
	Index      int
	Prediction *Prediction
	Err        error
}

// Dispatcher applies the stored scaler and feature mask and runs a
// registered classifier. The artifact bundle is swapped atomically on
// reload; each prediction sees exactly one bundle. Safe for concurrent use.
type Dispatcher struct {
	artifacts atomic.Pointer[Artifacts]
	drift     atomic.Pointer[DriftMonitor]
	metrics   MetricsInterface
	workers   int

	driftWindow    int
	driftThreshold float64
}

// NewDispatcher wires loaded artifacts to a metrics sink. metrics may be nil.
func NewDispatcher(a *Artifacts, metrics MetricsInterface, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{metrics: metrics, workers: workers}
	d.artifacts.Store(a)
	return d
}

// EnableDrift starts monitoring the served feature distribution over a
// sliding window of the given size. Call it before serving.
func (d *Dispatcher) EnableDrift(window int, threshold float64) {
	d.driftWindow, d.driftThreshold = window, threshold
	if window > 0 {
		d.drift.Store(NewDriftMonitor(d.Artifacts().Mask.Names, window, threshold))
	}
}

// Drift returns the active drift monitor, or nil when disabled.
func (d *Dispatcher) Drift() *DriftMonitor {
	return d.drift.Load()
}

// Artifacts exposes the loaded artifacts for read-only inspection.
func (d *Dispatcher) Artifacts() *Artifacts {
	return d.artifacts.Load()
}

// Swap installs a and returns the bundle it replaces. The drift monitor,
// if enabled, restarts against the new feature set.
func (d *Dispatcher) Swap(a *Artifacts) *Artifacts {
	old := d.artifacts.Swap(a)
	if d.driftWindow > 0 {
		d.drift.Store(NewDriftMonitor(a.Mask.Names, d.driftWindow, d.driftThreshold))
	}
	return old
}

// Models lists the ids accepted by Predict.
func (d *Dispatcher) Models() []string {
	return d.Artifacts().Registry.IDs()
}

// Predict standardizes raw, selects the masked columns in trained order and
// runs model id on them.
func (d *Dispatcher) Predict(raw []float64, id string) (Prediction, error) {
	start := time.Now()
	a := d.Artifacts()

	model, err := a.Registry.Get(id)
	if err != nil {
		return Prediction{}, d.failure(id, err)
	}
	if width := a.Scaler.Width(); len(raw) != width {
		return Prediction{}, d.failure(id, fmt.Errorf("%w: got %d values, expected %d", ErrFeatureCount, len(raw), width))
	}
	for j, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Prediction{}, d.failure(id, fmt.Errorf("%w: feature %d is %v", ErrMalformedPayload, j, v))
		}
	}

	x := a.Mask.Apply(a.Scaler.Transform(raw))
	label, prob := model.Predict(x)
	if m := d.drift.Load(); m != nil {
		m.Observe(x)
	}

	if d.metrics != nil {
		d.metrics.PredictionsInc(id)
		d.metrics.PredictionLatencyObserve(time.Since(start).Seconds())
		if label == 1 {
			d.metrics.AnomaliesInc(id)
		}
	}
	return Prediction{Label: label, Probability: prob, ModelID: id, Anomalous: label == 1}, nil
}

// PredictPayload maps a named feature payload onto the raw vector and
// predicts it.
func (d *Dispatcher) PredictPayload(payload map[string]float64, id string) (Prediction, error) {
	raw, err := d.VectorFromPayload(payload)
	if err != nil {
		return Prediction{}, d.failure(id, err)
	}
	return d.Predict(raw, id)
}

// VectorFromPayload orders payload values by the scaler's feature names.
// Keys are matched in NFC form, the form the signature covers. Missing
// names are ErrFeatureCount, unknown extra keys are ignored.
func (d *Dispatcher) VectorFromPayload(payload map[string]float64) ([]float64, error) {
	payload, err := trust.NormalizeKeys(payload)
	if err != nil {
		return nil, err
	}
	scaler := d.Artifacts().Scaler
	names := scaler.Features
	if len(names) != scaler.Width() {
		return nil, fmt.Errorf("%w: artifacts carry no feature names", ErrFeatureCount)
	}

	raw := make([]float64, len(names))
	var missing []string
	for j, name := range names {
		v, ok := payload[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		raw[j] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d of %d features missing (first %q)", ErrFeatureCount, len(missing), len(names), missing[0])
	}
	if extra := len(payload) - len(names); extra > 0 {
		log.Debug().Int("extra", extra).Msg("ignoring payload keys outside the feature set")
	}
	return raw, nil
}

// BatchPredict predicts every item concurrently and returns results in
// input order. A failing item carries its error without affecting the
// others. Cancelling ctx stops handing out further items; those report the
// context error.
func (d *Dispatcher) BatchPredict(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	if d.metrics != nil {
		d.metrics.BatchSizeObserve(len(items))
	}

	workpool.Run(ctx, len(items), d.workers, func(_ context.Context, i int) {
		results[i].Index = i
		pred, err := d.Predict(items[i].Vector, items[i].ModelID)
		if err != nil {
			results[i].Err = err
			return
		}
		results[i].Prediction = &pred
	}, func(i int, err error) {
		results[i] = BatchResult{Index: i, Err: err}
	})

	return results
}

func (d *Dispatcher) failure(id string, err error) error {
	if d.metrics != nil {
		d.metrics.InferenceFailuresInc(id)
	}
	log.Error().Err(err).Str("model", id).Msg("inference failed")
	return err
}
