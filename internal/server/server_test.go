package server

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/metrics"
	"sentinel-ids/internal/ml"
	"sentinel-ids/internal/secure"
	"sentinel-ids/internal/storage"
	"sentinel-ids/internal/traffic"
	"sentinel-ids/internal/trust"
)

const sensor = "sensor-01"

var (
	keyOnce  sync.Once
	legitKey *trust.KeyPair
	otherKey *trust.KeyPair
)

func testKeys(t *testing.T) (*trust.KeyPair, *trust.KeyPair) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		legitKey, err = trust.GenerateKeyPair(sensor, 0)
		if err == nil {
			otherKey, err = trust.GenerateKeyPair(sensor, 0)
		}
		require.NoError(t, err)
	})
	require.NotNil(t, otherKey)
	return legitKey, otherKey
}

func testDispatcher(t *testing.T) *ml.Dispatcher {
	t.Helper()
	dir := t.TempDir()
	writeBundle(t, dir, "server-test")
	a, err := ml.LoadArtifacts(dir, common.RawFeatureWidth)
	require.NoError(t, err)
	return ml.NewDispatcher(a, nil, 2)
}

// writeBundle trains naive Bayes on generated traffic and saves it to dir
// stamped version.
func writeBundle(t *testing.T, dir, version string) {
	t.Helper()
	gen := traffic.NewGenerator(3)
	var X [][]float64
	var y []int
	for i := 0; i < 200; i++ {
		sev := traffic.Normal
		if i%2 == 1 {
			sev = traffic.Severe
		}
		X = append(X, gen.Vector(sev))
		y = append(y, sev.Label())
	}

	scaler, err := ml.FitScaler(X, traffic.FeatureNames(), version)
	require.NoError(t, err)
	mask := ml.FeatureMask{Version: version, Indices: []int{0, 3, 9, 11}, Names: []string{"Mean", "SrcPkts", "SrcLoad", "Rate"}}
	Xm := mask.ApplyAll(scaler.TransformAll(X))
	nb, err := ml.FitGaussianNB(Xm, y)
	require.NoError(t, err)

	require.NoError(t, ml.SaveBundle(dir, ml.Bundle{
		Scaler:     scaler,
		Mask:       mask,
		Models:     map[string]ml.Classifier{"nb": nb},
		Manifest:   ml.Manifest{BestModel: "nb"},
		Comparison: map[string]ml.ModelMetrics{"nb": ml.Evaluate(nb, Xm, y)},
	}))
}

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	legit   *trust.KeyPair
	other   *trust.KeyPair
	metrics *metrics.Metrics
	store   *storage.Store
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	legit, other := testKeys(t)

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(registry)
	mw := metrics.NewWrapper(m)

	gate := trust.NewGate(trust.NewRegistry(map[string]*rsa.PublicKey{sensor: legit.Public}))
	svc := secure.New(gate, testDispatcher(t),
		secure.WithAudit(store),
		secure.WithMetrics(mw),
		secure.WithDefaultModel("nb"),
	)
	srv := New(svc, WithStore(store), WithMetrics(mw), WithGatherer(registry), WithTimeout(2*time.Second))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return testEnv{srv: srv, ts: ts, legit: legit, other: other, metrics: m, store: store}
}

func signed(t *testing.T, kp *trust.KeyPair, sev traffic.Severity, seed int64) trust.SignedRecord {
	t.Helper()
	rec, err := trust.SignRecord(kp, traffic.NewGenerator(seed).Sample(sev))
	require.NoError(t, err)
	return rec
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestPredict_Trusted(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/v1/predict", SubmitRequest{SignedRecord: signed(t, env.legit, traffic.Severe, 1)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decode[secure.Result](t, resp)
	assert.True(t, res.Trusted)
	assert.Equal(t, trust.SourceTrusted, res.Source)
	require.NotNil(t, res.Prediction)
	assert.Equal(t, common.LabelAnomalous, res.Prediction.Label)
	assert.Equal(t, "nb", res.Prediction.ModelID)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Verifications.WithLabelValues(common.SourceTrusted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("/v1/predict", "200")))
}

func TestPredict_Untrusted(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/v1/predict", SubmitRequest{SignedRecord: signed(t, env.other, traffic.Normal, 2)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decode[secure.Result](t, resp)
	assert.False(t, res.Trusted)
	assert.Equal(t, trust.SourceUntrusted, res.Source)
	assert.Nil(t, res.Prediction)
}

func TestPredict_ErrorStatus(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing signature", SubmitRequest{SignedRecord: trust.SignedRecord{Identity: sensor, Payload: trust.Payload{"Mean": 1}}}, http.StatusBadRequest},
		{"unknown model", SubmitRequest{SignedRecord: signed(t, env.legit, traffic.Normal, 3), Model: "svm"}, http.StatusNotFound},
		{"short payload", func() SubmitRequest {
			rec, err := trust.SignRecord(env.legit, trust.Payload{"Mean": 1})
			require.NoError(t, err)
			return SubmitRequest{SignedRecord: rec}
		}(), http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, env.ts.URL+"/v1/predict", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
			res := decode[secure.Result](t, resp)
			assert.NotEmpty(t, res.Error)
			assert.Nil(t, res.Prediction)
		})
	}

	resp, err := http.Post(env.ts.URL+"/v1/predict", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 3.0, testutil.ToFloat64(env.metrics.ErrorsTotal))
}

func TestPredictBatch_PreservesOrder(t *testing.T) {
	env := newTestEnv(t)

	recs := []trust.SignedRecord{
		signed(t, env.legit, traffic.Severe, 4),
		signed(t, env.other, traffic.Severe, 5),
		signed(t, env.legit, traffic.Normal, 6),
		{Identity: sensor},
	}
	resp := postJSON(t, env.ts.URL+"/v1/predict/batch", BatchRequest{Records: recs})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode[BatchResponse](t, resp)
	require.Len(t, out.Results, 4)
	require.NotNil(t, out.Results[0].Prediction)
	assert.Equal(t, common.LabelAnomalous, out.Results[0].Prediction.Label)
	assert.False(t, out.Results[1].Trusted)
	require.NotNil(t, out.Results[2].Prediction)
	assert.Equal(t, common.LabelNormal, out.Results[2].Prediction.Label)
	assert.NotEmpty(t, out.Results[3].Error)

	empty := postJSON(t, env.ts.URL+"/v1/predict/batch", BatchRequest{})
	require.Equal(t, http.StatusOK, empty.StatusCode)
	assert.Empty(t, decode[BatchResponse](t, empty).Results)
}

func TestModelInfoAndHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/v1/model")
	require.NoError(t, err)
	defer resp.Body.Close()
	info := decode[ModelInfo](t, resp)
	assert.Equal(t, "server-test", info.Version)
	assert.Equal(t, common.RawFeatureWidth, info.RawWidth)
	assert.Equal(t, []int{0, 3, 9, 11}, info.Indices)
	assert.Equal(t, []string{"Mean", "SrcPkts", "SrcLoad", "Rate"}, info.Features)
	assert.Equal(t, []string{"nb"}, info.Models)
	assert.Equal(t, "nb", info.BestModel)
	assert.Contains(t, info.Comparison, "nb")

	hresp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer hresp.Body.Close()
	assert.Equal(t, http.StatusOK, hresp.StatusCode)
	h := decode[Health](t, hresp)
	assert.True(t, h.Healthy)
	assert.Equal(t, 1, h.Identities)
}

func TestDecisions(t *testing.T) {
	env := newTestEnv(t)
	postJSON(t, env.ts.URL+"/v1/predict", SubmitRequest{SignedRecord: signed(t, env.legit, traffic.Severe, 7)})
	postJSON(t, env.ts.URL+"/v1/predict", SubmitRequest{SignedRecord: signed(t, env.other, traffic.Normal, 8)})

	resp, err := http.Get(env.ts.URL + "/v1/decisions?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode[DecisionsResponse](t, resp)
	assert.Equal(t, 2, out.Stats.Total)
	assert.Equal(t, 1, out.Stats.Trusted)
	assert.Equal(t, 1, out.Stats.Untrusted)
	assert.Equal(t, 1, out.Stats.Anomalies)
	assert.Len(t, out.Decisions, 1)

	bad, err := http.Get(env.ts.URL + "/v1/decisions?limit=zero")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	postJSON(t, env.ts.URL+"/v1/predict", SubmitRequest{SignedRecord: signed(t, env.legit, traffic.Normal, 9)})

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "sentinel_verifications_total")
}

func TestStream(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/stream"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(SubmitRequest{SignedRecord: signed(t, env.legit, traffic.Severe, 10)}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{garbage")))
	require.NoError(t, conn.WriteJSON(SubmitRequest{SignedRecord: signed(t, env.other, traffic.Severe, 11)}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first, second, third StreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	require.NoError(t, conn.ReadJSON(&third))

	require.NotNil(t, first.Result)
	assert.True(t, first.Result.Trusted)
	require.NotNil(t, first.Result.Prediction)
	assert.Equal(t, common.LabelAnomalous, first.Result.Prediction.Label)

	assert.Nil(t, second.Result)
	assert.Contains(t, second.Error, "invalid frame")

	require.NotNil(t, third.Result)
	assert.False(t, third.Result.Trusted)
	assert.Nil(t, third.Result.Prediction)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.StreamConnections))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(ml.ErrDimensionMismatch))
}
