package selection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/ml"
	"sentinel-ids/internal/storage"
)

// TrainConfig drives an offline training run.
type TrainConfig struct {
	CSVPath      string
	LabelColumn  string
	OutDir       string
	RawWidth     int // 0 accepts whatever numeric columns the CSV has
	SampleSize   int
	TestFraction float64
	Models       []string

	KNNNeighbours int
	KNNMaxPoints  int
	TreeMaxDepth  int
	TreeMinLeaf   int
	LogRegEpochs  int
	LogRegRate    float64
	Boost         ml.BoostConfig

	Seed     int64
	Selector Config
}

// DefaultTrainConfig returns the stock training parameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LabelColumn:   common.DefaultLabelColumn,
		OutDir:        common.DefaultArtifactsDir,
		RawWidth:      common.RawFeatureWidth,
		SampleSize:    common.DefaultSampleSize,
		TestFraction:  common.DefaultTestFraction,
		Models:        append([]string(nil), common.DefaultModels...),
		KNNNeighbours: common.DefaultKNNNeighbours,
		KNNMaxPoints:  common.DefaultKNNMaxPoints,
		TreeMaxDepth:  common.DefaultTreeMaxDepth,
		TreeMinLeaf:   common.DefaultTreeMinLeaf,
		LogRegEpochs:  common.DefaultLogRegEpochs,
		LogRegRate:    common.DefaultLogRegRate,
		Boost: ml.BoostConfig{
			Rounds:         common.DefaultBoostRounds,
			MaxDepth:       common.DefaultBoostMaxDepth,
			LearningRate:   common.DefaultBoostRate,
			Subsample:      common.DefaultBoostSubsample,
			ColSample:      common.DefaultBoostColSample,
			Lambda:         1,
			MinChildWeight: 1,
		},
		Seed:          common.DefaultSeed,
		Selector:      DefaultConfig(),
	}
}

// RunStore persists selector run history.
type RunStore interface {
	SaveSelectorRun(run storage.SelectorRun) error
}

// Report summarizes a training run.
type Report struct {
	Version    string                     `json:"version"`
	Rows       int                        `json:"rows"`
	TrainRows  int                        `json:"train_rows"`
	TestRows   int                        `json:"test_rows"`
	Selection  Result                     `json:"selection"`
	Features   []string                   `json:"features"`
	Comparison map[string]ml.ModelMetrics `json:"comparison"`
	Best       string                     `json:"best"`
	Importance []ml.FeatureImportance     `json:"importance,omitempty"`
}

// TrainFromCSV loads cfg.CSVPath and runs Train on it.
func TrainFromCSV(ctx context.Context, cfg TrainConfig, store RunStore, opts ...Option) (*Report, error) {
	d, err := LoadCSV(cfg.CSVPath, cfg.LabelColumn)
	if err != nil {
		return nil, err
	}
	return Train(ctx, cfg, d, store, opts...)
}

// Train samples and imputes d, fits the scaler, selects features on the
// training split, fits every configured model on the selected columns and
// writes the artifact bundle to cfg.OutDir. store may be nil.
func Train(ctx context.Context, cfg TrainConfig, d *Dataset, store RunStore, opts ...Option) (*Report, error) {
	if d == nil || d.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if cfg.RawWidth > 0 && len(d.Columns) != cfg.RawWidth {
		return nil, fmt.Errorf("%w: dataset has %d numeric columns, expected %d", ml.ErrDimensionMismatch, len(d.Columns), cfg.RawWidth)
	}

	version := time.Now().UTC().Format("20060102-150405")
	sample := StratifiedSample(d, cfg.SampleSize, cfg.Seed)
	ImputeMedian(sample.X)
	log.Info().Int("rows", sample.Len()).Interface("classes", sample.ClassCounts()).Msg("training sample drawn")

	scaler, err := ml.FitScaler(sample.X, sample.Columns, version)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	scaled := &Dataset{Columns: sample.Columns, X: scaler.TransformAll(sample.X), Y: sample.Y}
	train, test := StratifiedSplit(scaled, cfg.TestFraction, cfg.Seed)
	if train.Len() == 0 || test.Len() == 0 {
		return nil, fmt.Errorf("%w: split left %d train and %d test rows", ErrEmptyDataset, train.Len(), test.Len())
	}

	sel, err := New(cfg.Selector, opts...).Run(ctx, train.X, train.Y)
	if err != nil {
		return nil, fmt.Errorf("feature selection: %w", err)
	}
	names := make([]string, len(sel.Indices))
	for i, idx := range sel.Indices {
		names[i] = sample.Columns[idx]
	}
	mask := ml.FeatureMask{Version: version, Indices: sel.Indices, Names: names}
	log.Info().Strs("features", names).Float64("score", sel.Score).Bool("fallback", sel.Fallback).Msg("features selected")

	trainX := mask.ApplyAll(train.X)
	testX := mask.ApplyAll(test.X)

	models := make(map[string]ml.Classifier, len(cfg.Models))
	comparison := make(map[string]ml.ModelMetrics, len(cfg.Models))
	for _, id := range cfg.Models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fit, err := cfg.fitter(id, trainX, train.Y)
		if err != nil {
			return nil, err
		}
		c, timing, err := ml.TimedFit(len(trainX), fit)
		if err != nil {
			return nil, fmt.Errorf("train %s: %w", id, err)
		}
		m := ml.Evaluate(c, testX, test.Y)
		m.TrainSeconds = timing.TrainSeconds
		m.TrainingSamples = timing.TrainingSamples

		models[id] = c
		comparison[id] = m
		log.Info().
			Str("model", id).
			Float64("accuracy", m.Accuracy).
			Float64("f1", m.F1Score).
			Float64("roc_auc", m.AUCScore).
			Float64("train_seconds", m.TrainSeconds).
			Msg("model trained")
	}

	best := bestModel(comparison)
	var importance []ml.FeatureImportance
	if c, ok := models[best]; ok {
		importance = ml.PermutationImportance(c, testX, test.Y, names, cfg.Seed)
		if len(importance) > 0 {
			log.Info().Str("model", best).Str("top_feature", importance[0].Feature).Float64("importance", importance[0].Importance).Msg("permutation importance computed")
		}
	}
	err = ml.SaveBundle(cfg.OutDir, ml.Bundle{
		Scaler: scaler,
		Mask:   mask,
		Models: models,
		Manifest: ml.Manifest{
			TrainedAt:    time.Now().UTC(),
			RawWidth:     len(sample.Columns),
			Features:     names,
			TrainingRows: train.Len(),
			BestModel:    best,
		},
		Comparison: comparison,
	})
	if err != nil {
		return nil, err
	}

	if store != nil {
		run := storage.SelectorRun{
			Version:  version,
			Indices:  sel.Indices,
			Names:    names,
			Score:    sel.Score,
			Fallback: sel.Fallback,
			Trimmed:  sel.Trimmed,
			Rows:     train.Len(),
		}
		for _, g := range sel.Generations {
			run.GenerationBest = append(run.GenerationBest, g.Best)
		}
		if err := store.SaveSelectorRun(run); err != nil {
			log.Warn().Err(err).Msg("failed to record selector run")
		}
	}

	return &Report{
		Version:    version,
		Rows:       sample.Len(),
		TrainRows:  train.Len(),
		TestRows:   test.Len(),
		Selection:  sel,
		Features:   names,
		Comparison: comparison,
		Best:       best,
		Importance: importance,
	}, nil
}

func (cfg TrainConfig) fitter(id string, X [][]float64, y []int) (func() (ml.Classifier, error), error) {
	switch id {
	case "nb":
		return func() (ml.Classifier, error) { return ml.FitGaussianNB(X, y) }, nil
	case "dt":
		return func() (ml.Classifier, error) { return ml.FitDecisionTree(X, y, cfg.TreeMaxDepth, cfg.TreeMinLeaf) }, nil
	case "knn":
		return func() (ml.Classifier, error) { return ml.FitKNN(X, y, cfg.KNNNeighbours, cfg.KNNMaxPoints) }, nil
	case "lr":
		return func() (ml.Classifier, error) { return ml.FitLogisticRegression(X, y, cfg.LogRegEpochs, cfg.LogRegRate) }, nil
	case "xgb":
		boost := cfg.Boost
		boost.Seed = cfg.Seed
		return func() (ml.Classifier, error) { return ml.FitGradientBoosting(X, y, boost) }, nil
	}
	return nil, fmt.Errorf("%w: %q", ml.ErrUnknownModel, id)
}

// bestModel picks the highest F1, then accuracy, then id.
func bestModel(cmp map[string]ml.ModelMetrics) string {
	ids := make([]string, 0, len(cmp))
	for id := range cmp {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := cmp[ids[i]], cmp[ids[j]]
		if a.F1Score != b.F1Score {
			return a.F1Score > b.F1Score
		}
		if a.Accuracy != b.Accuracy {
			return a.Accuracy > b.Accuracy
		}
		return ids[i] < ids[j]
	})
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
