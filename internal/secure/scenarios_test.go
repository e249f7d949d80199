package secure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/traffic"
	"sentinel-ids/internal/trust"
)

func TestRunScenarios(t *testing.T) {
	f := newFixture(t)

	report, err := RunScenarios(context.Background(), f.svc, f.legit, traffic.NewGenerator(21), "nb")
	require.NoError(t, err)
	require.True(t, report.Passed())

	require.Len(t, report.Scenarios, 3)
	a, b, c := report.Scenarios[0], report.Scenarios[1], report.Scenarios[2]

	assert.True(t, a.Result.Trusted)
	assert.NotNil(t, a.Result.Prediction)

	assert.False(t, b.Result.Trusted)
	assert.Nil(t, b.Result.Prediction)

	assert.False(t, c.Result.Trusted)
	assert.Nil(t, c.Result.Prediction)

	require.Len(t, report.Alerts, len(traffic.Alerts))
	for _, ao := range report.Alerts {
		require.NotNil(t, ao.Result.Prediction, ao.Alert.Name)
		if ao.Alert.Severity == traffic.Severe {
			assert.Equal(t, common.LabelAnomalous, ao.Result.Prediction.Label, ao.Alert.Name)
		}
		if ao.Alert.Severity == traffic.Normal {
			assert.Equal(t, common.LabelNormal, ao.Result.Prediction.Label, ao.Alert.Name)
		}
	}
}

func TestRunScenarios_UntrustedIdentity(t *testing.T) {
	f := newFixture(t)
	stranger := &trust.KeyPair{Identity: "stranger", Private: f.legit.Private, Public: f.legit.Public}

	_, err := RunScenarios(context.Background(), f.svc, stranger, traffic.NewGenerator(1), "")
	assert.ErrorIs(t, err, trust.ErrKeyNotFound)

	_, err = RunScenarios(context.Background(), f.svc, nil, traffic.NewGenerator(1), "")
	assert.ErrorIs(t, err, trust.ErrInvalidKey)
}

func TestScenarioReport_Passed(t *testing.T) {
	assert.False(t, ScenarioReport{}.Passed())
	assert.True(t, ScenarioReport{Scenarios: []ScenarioOutcome{{Passed: true}}}.Passed())
	assert.False(t, ScenarioReport{Scenarios: []ScenarioOutcome{{Passed: true}, {Passed: false}}}.Passed())
}
