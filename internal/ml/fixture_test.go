package ml

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

const testWidth = 6

var testFeatures = []string{"Mean", "Rate", "Sport", "Dport", "SrcBytes", "Idle"}

// separableData draws n rows where anomalies sit high on columns 1 and 3.
func separableData(n int, seed int64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	y := make([]int, n)
	for i := range X {
		label := i % 2
		row := make([]float64, testWidth)
		for j := range row {
			row[j] = rng.NormFloat64() * 10
		}
		if label == 1 {
			row[1] += 80
			row[3] += 60
		}
		X[i] = row
		y[i] = label
	}
	return X, y
}

// writeTestBundle trains all four classifiers on separable data and saves
// them to a temp dir.
func writeTestBundle(t *testing.T, version string) string {
	t.Helper()
	dir := t.TempDir()
	saveTestBundle(t, dir, version)
	return dir
}

// saveTestBundle writes a bundle stamped version into dir.
func saveTestBundle(t *testing.T, dir, version string) {
	t.Helper()
	X, y := separableData(200, 7)

	scaler, err := FitScaler(X, testFeatures, version)
	require.NoError(t, err)
	mask := FeatureMask{Version: version, Indices: []int{1, 3, 4}}
	Xm := mask.ApplyAll(scaler.TransformAll(X))

	nb, err := FitGaussianNB(Xm, y)
	require.NoError(t, err)
	dt, err := FitDecisionTree(Xm, y, 12, 1)
	require.NoError(t, err)
	knn, err := FitKNN(Xm, y, 5, 0)
	require.NoError(t, err)
	lr, err := FitLogisticRegression(Xm, y, 200, 0.1)
	require.NoError(t, err)

	require.NoError(t, SaveBundle(dir, Bundle{
		Scaler: scaler,
		Mask:   mask,
		Models: map[string]Classifier{"nb": nb, "dt": dt, "knn": knn, "lr": lr},
		Comparison: map[string]ModelMetrics{
			"nb": Evaluate(nb, Xm, y),
		},
	}))
}

func newTestDispatcher(t *testing.T, metrics MetricsInterface) *Dispatcher {
	t.Helper()
	a, err := LoadArtifacts(writeTestBundle(t, "test-v1"), testWidth)
	require.NoError(t, err)
	return NewDispatcher(a, metrics, 4)
}

func normalRow() []float64   { return []float64{0, 0, 1, 2, 3, 4} }
func anomalousRow() []float64 { return []float64{0, 85, 1, 62, 3, 4} }

func payloadOf(row []float64) map[string]float64 {
	p := make(map[string]float64, len(row))
	for j, v := range row {
		p[testFeatures[j]] = v
	}
	return p
}
