package ml

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadArtifacts(t *testing.T) {
	dir := writeTestBundle(t, "2026-01")

	a, err := LoadArtifacts(dir, testWidth)
	require.NoError(t, err)
	assert.Equal(t, []string{"dt", "knn", "lr", "nb"}, a.Registry.IDs())
	assert.Equal(t, "2026-01", a.Scaler.Version)
	assert.Equal(t, []int{1, 3, 4}, a.Mask.Indices)
	assert.Equal(t, []string{"Rate", "Dport", "SrcBytes"}, a.Mask.Names)
	assert.Equal(t, "2026-01", a.Manifest.Version)
	assert.Contains(t, a.Comparison, "nb")

	only, err := LoadArtifacts(dir, testWidth, "dt")
	require.NoError(t, err)
	assert.Equal(t, []string{"dt"}, only.Registry.IDs())
}

func TestLoadArtifacts_MissingFiles(t *testing.T) {
	for _, name := range []string{ScalerFile, MaskFile, ModelFile("dt")} {
		t.Run(name, func(t *testing.T) {
			dir := writeTestBundle(t, "v1")
			require.NoError(t, os.Remove(filepath.Join(dir, name)))

			_, err := LoadArtifacts(dir, testWidth, "dt", "nb")
			assert.ErrorIs(t, err, ErrArtifactMissing)
		})
	}

	_, err := LoadArtifacts(t.TempDir(), testWidth)
	assert.ErrorIs(t, err, ErrArtifactMissing)

	_, err = LoadArtifacts(writeTestBundle(t, "v1"), testWidth, "svm")
	assert.ErrorIs(t, err, ErrArtifactMissing)
}

func TestLoadArtifacts_OptionalFilesMayBeAbsent(t *testing.T) {
	dir := writeTestBundle(t, "v1")
	for _, name := range []string{ManifestFile, ComparisonFile, SelectedFeaturesFile} {
		require.NoError(t, os.Remove(filepath.Join(dir, name)))
	}

	a, err := LoadArtifacts(dir, testWidth)
	require.NoError(t, err)
	assert.Equal(t, "v1", a.Manifest.Version)
	assert.Equal(t, []string{"Rate", "Dport", "SrcBytes"}, a.Mask.Names)
	assert.Len(t, a.Registry.IDs(), 4)
}

func TestLoadArtifacts_WidthMismatch(t *testing.T) {
	dir := writeTestBundle(t, "v1")
	_, err := LoadArtifacts(dir, 43)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestLoadArtifacts_MaskOutOfRange(t *testing.T) {
	dir := writeTestBundle(t, "v1")
	rewriteJSON(t, filepath.Join(dir, MaskFile), FeatureMask{Version: "v1", Indices: []int{1, 3, 99}})

	_, err := LoadArtifacts(dir, testWidth)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestLoadArtifacts_ModelWidthDisagreesWithMask(t *testing.T) {
	dir := writeTestBundle(t, "v1")
	rewriteJSON(t, filepath.Join(dir, MaskFile), FeatureMask{Version: "v1", Indices: []int{1, 3}})

	_, err := LoadArtifacts(dir, testWidth, "nb")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestLoadArtifacts_VersionMismatch(t *testing.T) {
	dir := writeTestBundle(t, "v1")
	other := writeTestBundle(t, "v2")

	mixed := t.TempDir()
	copyFile(t, filepath.Join(dir, ScalerFile), filepath.Join(mixed, ScalerFile))
	copyFile(t, filepath.Join(other, MaskFile), filepath.Join(mixed, MaskFile))
	copyFile(t, filepath.Join(dir, ModelFile("nb")), filepath.Join(mixed, ModelFile("nb")))
	_, err := LoadArtifacts(mixed, testWidth)
	assert.ErrorIs(t, err, ErrArtifactMismatch)

	copyFile(t, filepath.Join(dir, MaskFile), filepath.Join(mixed, MaskFile))
	copyFile(t, filepath.Join(other, ModelFile("nb")), filepath.Join(mixed, ModelFile("nb")))
	_, err = LoadArtifacts(mixed, testWidth)
	assert.ErrorIs(t, err, ErrArtifactMismatch)
}

func TestSaveBundle_RejectsMismatchedVersions(t *testing.T) {
	err := SaveBundle(t.TempDir(), Bundle{
		Scaler: ScalerState{Version: "a"},
		Mask:   FeatureMask{Version: "b"},
	})
	assert.ErrorIs(t, err, ErrArtifactMismatch)
}

func TestSaveBundle_RemovesStaleModels(t *testing.T) {
	dir := writeTestBundle(t, "v1")
	a, err := LoadArtifacts(dir, testWidth)
	require.NoError(t, err)
	nb, err := a.Registry.Get("nb")
	require.NoError(t, err)

	scaler, mask := a.Scaler, a.Mask
	scaler.Version, mask.Version = "v2", "v2"
	require.NoError(t, SaveBundle(dir, Bundle{Scaler: scaler, Mask: mask, Models: map[string]Classifier{"nb": nb}}))

	b, err := LoadArtifacts(dir, testWidth)
	require.NoError(t, err)
	assert.Equal(t, []string{"nb"}, b.Registry.IDs())
	assert.Equal(t, "v2", b.Scaler.Version)
	assert.NoFileExists(t, filepath.Join(dir, ModelFile("dt")))
	assert.FileExists(t, filepath.Join(dir, ComparisonFile))
}

func TestRegistry_UnknownModel(t *testing.T) {
	r := NewModelRegistry(map[string]Classifier{"nb": &GaussianNB{}})
	_, err := r.Get("dt")
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.Equal(t, 1, r.Len())

	var nilReg *ModelRegistry
	_, err = nilReg.Get("nb")
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.Zero(t, nilReg.Len())
}

func rewriteJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0o644))
}
