package ml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactManager_ReloadAndRollback(t *testing.T) {
	dir := writeTestBundle(t, "test-v1")
	a, err := LoadArtifacts(dir, testWidth)
	require.NoError(t, err)
	d := NewDispatcher(a, nil, 2)
	m := NewArtifactManager(d, dir, testWidth)

	v, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "test-v1", v.Version)
	assert.Len(t, m.Versions(), 1, "an unchanged directory is not a new version")

	saveTestBundle(t, dir, "test-v2")
	v, err = m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "test-v2", v.Version)
	assert.True(t, v.Active)
	assert.Equal(t, "test-v2", d.Artifacts().Scaler.Version)

	versions := m.Versions()
	require.Len(t, versions, 2)
	assert.Equal(t, "test-v2", versions[0].Version)
	assert.True(t, versions[0].Active)
	assert.False(t, versions[1].Active)
	assert.ElementsMatch(t, []string{"dt", "knn", "lr", "nb"}, versions[0].Models)

	v, err = m.Rollback()
	require.NoError(t, err)
	assert.Equal(t, "test-v1", v.Version)
	assert.Equal(t, "test-v1", d.Artifacts().Scaler.Version)

	_, err = m.Rollback()
	assert.ErrorIs(t, err, ErrNoPreviousVersion)

	pred, err := d.Predict(anomalousRow(), "dt")
	require.NoError(t, err)
	assert.Equal(t, 1, pred.Label)
}

func TestArtifactManager_FailedReloadKeepsActive(t *testing.T) {
	dir := writeTestBundle(t, "test-v1")
	a, err := LoadArtifacts(dir, testWidth, "nb")
	require.NoError(t, err)
	d := NewDispatcher(a, nil, 1)
	m := NewArtifactManager(d, dir, testWidth, "nb")

	require.NoError(t, os.Remove(filepath.Join(dir, ScalerFile)))
	v, err := m.Reload()
	assert.ErrorIs(t, err, ErrArtifactMissing)
	assert.Equal(t, "test-v1", v.Version)
	assert.Same(t, a, d.Artifacts())
}
