package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Artifact file names inside a model directory.
const (
	ScalerFile           = "scaler.json"
	MaskFile             = "feature_mask.json"
	SelectedFeaturesFile = "selected_features.json"
	ComparisonFile       = "model_comparison.json"
	ManifestFile         = "manifest.json"

	modelFilePrefix = "model_"
	modelFileSuffix = ".json"
)

// ModelFile is the blob name of model id.
func ModelFile(id string) string {
	return modelFilePrefix + id + modelFileSuffix
}

// Manifest describes a training run. It is informational: serving works
// without it.
type Manifest struct {
	Version      string    `json:"version"`
	TrainedAt    time.Time `json:"trained_at"`
	RawWidth     int       `json:"raw_width"`
	Features     []string  `json:"features"`
	TrainingRows int       `json:"training_rows"`
	Models       []string  `json:"models"`
	BestModel    string    `json:"best_model,omitempty"`
}

type selectedFeatures struct {
	Version  string   `json:"version"`
	Features []string `json:"features"`
}

// Artifacts is everything the dispatcher needs, loaded read-only.
type Artifacts struct {
	Dir        string
	Scaler     ScalerState
	Mask       FeatureMask
	Registry   *ModelRegistry
	Manifest   Manifest
	Comparison map[string]ModelMetrics
}

// Bundle is the output of a training run, written by SaveBundle.
type Bundle struct {
	Scaler     ScalerState
	Mask       FeatureMask
	Models     map[string]Classifier
	Manifest   Manifest
	Comparison map[string]ModelMetrics
}

// LoadArtifacts reads the scaler, the feature mask and the named model
// blobs from dir. With no ids every model_<id>.json in dir is loaded.
// A missing file is ErrArtifactMissing, a scaler whose width is not
// rawWidth (or a model whose width is not the mask size) is
// ErrDimensionMismatch and files stamped with different versions are
// ErrArtifactMismatch.
func LoadArtifacts(dir string, rawWidth int, ids ...string) (*Artifacts, error) {
	a := &Artifacts{Dir: dir}

	if err := readJSON(filepath.Join(dir, ScalerFile), &a.Scaler); err != nil {
		return nil, err
	}
	if err := a.Scaler.validate(); err != nil {
		return nil, err
	}
	if a.Scaler.Width() != rawWidth {
		return nil, fmt.Errorf("%w: scaler width %d, expected %d", ErrDimensionMismatch, a.Scaler.Width(), rawWidth)
	}

	if err := readJSON(filepath.Join(dir, MaskFile), &a.Mask); err != nil {
		return nil, err
	}
	if a.Mask.Version != a.Scaler.Version {
		return nil, fmt.Errorf("%w: mask %q, scaler %q", ErrArtifactMismatch, a.Mask.Version, a.Scaler.Version)
	}
	if err := a.Mask.validate(rawWidth); err != nil {
		return nil, err
	}
	a.loadSelectedNames()

	if len(ids) == 0 {
		found, err := discoverModels(dir)
		if err != nil {
			return nil, err
		}
		ids = found
	}

	models := make(map[string]Classifier, len(ids))
	for _, id := range ids {
		c, err := loadModel(dir, id, a.Scaler.Version, a.Mask.Len())
		if err != nil {
			return nil, err
		}
		models[id] = c
	}
	a.Registry = NewModelRegistry(models)

	if err := readJSON(filepath.Join(dir, ManifestFile), &a.Manifest); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to load artifact manifest, using defaults")
		a.Manifest = Manifest{Version: a.Scaler.Version, RawWidth: rawWidth, Features: a.Mask.Names}
	}
	a.Manifest.Models = a.Registry.IDs()
	if err := readJSON(filepath.Join(dir, ComparisonFile), &a.Comparison); err != nil {
		log.Debug().Err(err).Msg("no model comparison available")
	}

	log.Info().
		Str("dir", dir).
		Str("version", a.Scaler.Version).
		Int("selected_features", a.Mask.Len()).
		Strs("models", a.Registry.IDs()).
		Msg("artifacts loaded")
	return a, nil
}

func (a *Artifacts) loadSelectedNames() {
	var sel selectedFeatures
	if err := readJSON(filepath.Join(a.Dir, SelectedFeaturesFile), &sel); err == nil {
		switch {
		case sel.Version != a.Scaler.Version:
			log.Warn().Str("selected", sel.Version).Str("scaler", a.Scaler.Version).Msg("selected feature names belong to another version, ignoring")
		case len(a.Mask.Names) == 0 && len(sel.Features) == a.Mask.Len():
			a.Mask.Names = sel.Features
		}
	}

	if len(a.Mask.Names) == 0 && len(a.Scaler.Features) == a.Scaler.Width() {
		names := make([]string, a.Mask.Len())
		for i, idx := range a.Mask.Indices {
			names[i] = a.Scaler.Features[idx]
		}
		a.Mask.Names = names
	}
}

func discoverModels(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, modelFilePrefix+"*"+modelFileSuffix))
	if err != nil {
		return nil, fmt.Errorf("scan models: %w", err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		if base == ComparisonFile {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(base, modelFilePrefix), modelFileSuffix))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no model blobs in %s", ErrArtifactMissing, dir)
	}
	sort.Strings(ids)
	return ids, nil
}

func loadModel(dir, id, version string, width int) (Classifier, error) {
	path := filepath.Join(dir, ModelFile(id))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c, v, err := DecodeModel(data)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", id, err)
	}
	if v != version {
		return nil, fmt.Errorf("%w: model %q is %q, scaler %q", ErrArtifactMismatch, id, v, version)
	}
	if c.Width() != width {
		return nil, fmt.Errorf("%w: model %q expects %d features, mask selects %d", ErrDimensionMismatch, id, c.Width(), width)
	}
	return c, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrArtifactMissing, path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// SaveBundle writes a training run to dir. Every file is written to a
// temporary name first and renamed into place. Model blobs left in dir by
// an earlier run with a different model set are removed.
func SaveBundle(dir string, b Bundle) error {
	if b.Mask.Version != b.Scaler.Version {
		return fmt.Errorf("%w: mask %q, scaler %q", ErrArtifactMismatch, b.Mask.Version, b.Scaler.Version)
	}
	if len(b.Models) == 0 {
		return fmt.Errorf("save bundle: no models")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, ScalerFile), b.Scaler); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, MaskFile), b.Mask); err != nil {
		return err
	}
	sel := selectedFeatures{Version: b.Mask.Version, Features: b.Mask.Names}
	if err := writeJSON(filepath.Join(dir, SelectedFeaturesFile), sel); err != nil {
		return err
	}

	ids := make([]string, 0, len(b.Models))
	for id, c := range b.Models {
		data, err := EncodeModel(c, b.Scaler.Version)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(filepath.Join(dir, ModelFile(id)), data); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if err := removeStaleModels(dir, b.Models); err != nil {
		return err
	}

	b.Manifest.Version = b.Scaler.Version
	b.Manifest.Models = ids
	if b.Manifest.Features == nil {
		b.Manifest.Features = b.Mask.Names
	}
	if err := writeJSON(filepath.Join(dir, ManifestFile), b.Manifest); err != nil {
		return err
	}
	if b.Comparison != nil {
		if err := writeJSON(filepath.Join(dir, ComparisonFile), b.Comparison); err != nil {
			return err
		}
	}

	log.Info().Str("dir", dir).Str("version", b.Scaler.Version).Strs("models", ids).Msg("artifacts saved")
	return nil
}

func removeStaleModels(dir string, keep map[string]Classifier) error {
	matches, err := filepath.Glob(filepath.Join(dir, modelFilePrefix+"*"+modelFileSuffix))
	if err != nil {
		return fmt.Errorf("scan models: %w", err)
	}
	for _, m := range matches {
		base := filepath.Base(m)
		id := strings.TrimSuffix(strings.TrimPrefix(base, modelFilePrefix), modelFileSuffix)
		if _, ok := keep[id]; ok || base == ComparisonFile {
			continue
		}
		if err := os.Remove(m); err != nil {
			return fmt.Errorf("remove stale model %s: %w", base, err)
		}
		log.Info().Str("model", id).Msg("removed model blob from a previous run")
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
