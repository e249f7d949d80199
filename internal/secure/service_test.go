package secure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/ml"
	"sentinel-ids/internal/storage"
	"sentinel-ids/internal/traffic"
	"sentinel-ids/internal/trust"
)

func TestSubmit_VerifiedRecordIsClassified(t *testing.T) {
	f := newFixture(t)
	gen := traffic.NewGenerator(10)

	rec, err := trust.SignRecord(f.legit, gen.Sample(traffic.Severe))
	require.NoError(t, err)

	res, err := f.svc.Submit(context.Background(), rec, "")
	require.NoError(t, err)
	assert.True(t, res.Trusted)
	assert.Equal(t, trust.SourceTrusted, res.Source)
	assert.Equal(t, trust.StateVerified, res.State)
	assert.NotEmpty(t, res.RequestID)
	require.NotNil(t, res.Prediction)
	assert.Equal(t, "nb", res.Prediction.ModelID, "empty model id selects the default")
	assert.Equal(t, common.LabelAnomalous, res.Prediction.Label)
	assert.True(t, res.Prediction.Trusted)
	assert.Equal(t, common.SourceTrusted, res.Prediction.Source)

	decisions := f.audit.all()
	require.Len(t, decisions, 1)
	assert.Equal(t, res.RequestID, decisions[0].RequestID)
	require.NotNil(t, decisions[0].Label)
	assert.Equal(t, common.LabelAnomalous, *decisions[0].Label)
	assert.Equal(t, "nb", decisions[0].ModelID)
	assert.Equal(t, 1, f.metrics.verifications[common.SourceTrusted])
}

func TestSubmit_ExplicitModel(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.SecurePredict(context.Background(), f.legit, traffic.NewGenerator(1).Sample(traffic.Normal), "dt")
	require.NoError(t, err)
	require.NotNil(t, res.Prediction)
	assert.Equal(t, "dt", res.Prediction.ModelID)
	assert.Equal(t, common.LabelNormal, res.Prediction.Label)
}

func TestSubmit_RejectedRecordNeverReachesInference(t *testing.T) {
	f := newFixture(t)
	impostor := testKeyPair(t, "impostor")

	rec, err := trust.SignRecord(impostor, traffic.NewGenerator(2).Sample(traffic.Normal))
	require.NoError(t, err)

	// an unknown model would fail inference, so a nil error proves it never ran
	res, err := f.svc.Submit(context.Background(), rec, "no-such-model")
	require.NoError(t, err)
	assert.False(t, res.Trusted)
	assert.Equal(t, trust.SourceUntrusted, res.Source)
	assert.Equal(t, trust.StateRejected, res.State)
	assert.Nil(t, res.Prediction)

	decisions := f.audit.all()
	require.Len(t, decisions, 1)
	assert.Nil(t, decisions[0].Label)
	assert.False(t, decisions[0].Valid)
	assert.Equal(t, 1, f.metrics.verifications[common.SourceUntrusted])
}

func TestSubmit_MalformedEnvelope(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Submit(context.Background(), trust.SignedRecord{Identity: sensor, Payload: trust.Payload{"Mean": 1}}, "")
	assert.ErrorIs(t, err, trust.ErrMalformedPayload)
	assert.ErrorIs(t, res.Err, ml.ErrMalformedPayload)
	assert.False(t, res.Trusted)
	assert.Nil(t, res.Prediction)
	assert.Equal(t, 1, f.metrics.malformed)
	assert.Len(t, f.audit.all(), 1)
}

func TestSubmit_InferenceErrorsAfterVerification(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SecurePredict(context.Background(), f.legit, trust.Payload{"Mean": 1}, "")
	assert.ErrorIs(t, err, ml.ErrFeatureCount)

	res, err := f.svc.SecurePredict(context.Background(), f.legit, traffic.NewGenerator(4).Sample(traffic.Normal), "svm")
	assert.ErrorIs(t, err, ml.ErrUnknownModel)
	assert.True(t, res.Trusted, "the signature held even though inference failed")
	assert.Nil(t, res.Prediction)
}

func TestSubmit_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := trust.SignRecord(f.legit, traffic.NewGenerator(5).Sample(traffic.Normal))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, rec, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSecurePredict_NoKeyPair(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SecurePredict(context.Background(), nil, trust.Payload{"Mean": 1}, "")
	assert.ErrorIs(t, err, trust.ErrInvalidKey)
}

func TestBatchSubmit_PreservesOrder(t *testing.T) {
	f := newFixture(t)
	impostor := testKeyPair(t, "impostor")
	gen := traffic.NewGenerator(6)

	build := func(n int) ([]trust.SignedRecord, []bool) {
		recs := make([]trust.SignedRecord, n)
		want := make([]bool, n)
		for i := range recs {
			kp := f.legit
			if i%3 == 2 {
				kp = impostor
			}
			rec, err := trust.SignRecord(kp, gen.Sample(traffic.Normal))
			require.NoError(t, err)
			recs[i] = rec
			want[i] = kp == f.legit
		}
		return recs, want
	}

	for _, n := range []int{0, 1, 17} {
		recs, want := build(n)
		results := f.svc.BatchSubmit(context.Background(), recs, "dt")
		require.Len(t, results, n)
		for i, res := range results {
			assert.NoError(t, res.Err, "record %d", i)
			assert.Equal(t, want[i], res.Trusted, "record %d", i)
			assert.Equal(t, want[i], res.Prediction != nil, "record %d", i)
		}
	}
}

func TestBatchSubmit_ErrorsStayWithTheirRecord(t *testing.T) {
	f := newFixture(t)
	gen := traffic.NewGenerator(7)

	good, err := trust.SignRecord(f.legit, gen.Sample(traffic.Severe))
	require.NoError(t, err)
	bad := trust.SignedRecord{Identity: sensor, Payload: trust.Payload{"Mean": 1}}

	results := f.svc.BatchSubmit(context.Background(), []trust.SignedRecord{good, bad, good}, "")
	require.Len(t, results, 3)
	assert.NotNil(t, results[0].Prediction)
	assert.ErrorIs(t, results[1].Err, trust.ErrMalformedPayload)
	assert.NotEmpty(t, results[1].Error)
	assert.NotNil(t, results[2].Prediction)
}

func TestBatchSubmit_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := trust.SignRecord(f.legit, traffic.NewGenerator(8).Sample(traffic.Normal))
	require.NoError(t, err)
	results := f.svc.BatchSubmit(ctx, []trust.SignedRecord{rec, rec, rec}, "")
	require.Len(t, results, 3)
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Nil(t, res.Prediction)
	}
}

func TestSubmit_AuditsToBolt(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	f := newFixture(t)
	svc := New(f.svc.Gate(), f.svc.Dispatcher(), WithAudit(store), WithDefaultModel("dt"))

	res, err := svc.SecurePredict(context.Background(), f.legit, traffic.NewGenerator(9).Sample(traffic.Normal), "")
	require.NoError(t, err)

	recent, err := store.RecentDecisions(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, res.RequestID, recent[0].RequestID)
	assert.Equal(t, sensor, recent[0].Identity)
	assert.Equal(t, string(trust.StateVerified), recent[0].State)
}
