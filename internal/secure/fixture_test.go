package secure

import (
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/ml"
	"sentinel-ids/internal/storage"
	"sentinel-ids/internal/traffic"
	"sentinel-ids/internal/trust"
)

const sensor = "sensor-01"

var (
	keyCacheMu sync.Mutex
	keyCache   = map[string]*trust.KeyPair{}
)

func testKeyPair(t *testing.T, name string) *trust.KeyPair {
	t.Helper()
	keyCacheMu.Lock()
	defer keyCacheMu.Unlock()

	if kp, ok := keyCache[name]; ok {
		return kp
	}
	kp, err := trust.GenerateKeyPair(sensor, 0)
	require.NoError(t, err)
	keyCache[name] = kp
	return kp
}

// testDispatcher fits naive Bayes and a tree on generated traffic and
// serves them from a temp artifact dir.
func testDispatcher(t *testing.T) *ml.Dispatcher {
	t.Helper()
	gen := traffic.NewGenerator(3)
	var X [][]float64
	var y []int
	for i := 0; i < 300; i++ {
		sev := traffic.Normal
		switch i % 4 {
		case 1:
			sev = traffic.Moderate
		case 3:
			sev = traffic.Severe
		}
		X = append(X, gen.Vector(sev))
		y = append(y, sev.Label())
	}

	const version = "secure-test"
	scaler, err := ml.FitScaler(X, traffic.FeatureNames(), version)
	require.NoError(t, err)
	mask := ml.FeatureMask{Version: version, Indices: []int{0, 3, 6, 9, 11, 13}}
	Xm := mask.ApplyAll(scaler.TransformAll(X))

	nb, err := ml.FitGaussianNB(Xm, y)
	require.NoError(t, err)
	dt, err := ml.FitDecisionTree(Xm, y, common.DefaultTreeMaxDepth, common.DefaultTreeMinLeaf)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, ml.SaveBundle(dir, ml.Bundle{
		Scaler: scaler,
		Mask:   mask,
		Models: map[string]ml.Classifier{"nb": nb, "dt": dt},
	}))
	a, err := ml.LoadArtifacts(dir, common.RawFeatureWidth)
	require.NoError(t, err)
	return ml.NewDispatcher(a, nil, 2)
}

type mockMetrics struct {
	mu            sync.Mutex
	verifications map[string]int
	malformed     int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{verifications: map[string]int{}}
}

func (m *mockMetrics) VerificationsInc(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications[source]++
}

func (m *mockMetrics) MalformedRecordsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.malformed++
}

type memoryAudit struct {
	mu        sync.Mutex
	decisions []storage.Decision
}

func (a *memoryAudit) RecordDecision(d storage.Decision) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append(a.decisions, d)
	return nil
}

func (a *memoryAudit) all() []storage.Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]storage.Decision(nil), a.decisions...)
}

type fixture struct {
	svc     *Service
	legit   *trust.KeyPair
	metrics *mockMetrics
	audit   *memoryAudit
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	legit := testKeyPair(t, "legit")
	gate := trust.NewGate(trust.NewRegistry(map[string]*rsa.PublicKey{sensor: legit.Public}))
	f := fixture{legit: legit, metrics: newMockMetrics(), audit: &memoryAudit{}}
	f.svc = New(gate, testDispatcher(t),
		WithMetrics(f.metrics),
		WithAudit(f.audit),
		WithDefaultModel("nb"),
		WithWorkers(4),
	)
	return f
}
