package ml

import (
	"encoding/json"
	"fmt"
	"math"
)

// Classifier kinds as written to model blobs.
const (
	KindGaussianNB   = "gaussian_nb"
	KindDecisionTree = "decision_tree"
	KindKNN          = "knn"
	KindLogistic     = "logistic_regression"

	KindGradientBoosting = "gradient_boosting"
)

// Classifier is a trained model over masked, scaled vectors. Predict must be
// a pure function of its input: identical vectors yield identical results.
type Classifier interface {
	Kind() string
	// Width is the number of masked features the model was trained on.
	Width() int
	// Predict returns the label and the probability of the anomalous class.
	Predict(x []float64) (int, float64)
}

// modelBlob is the on-disk envelope of a classifier.
type modelBlob struct {
	Kind    string          `json:"kind"`
	Version string          `json:"version"`
	Model   json.RawMessage `json:"model"`
}

// EncodeModel wraps c in a versioned blob.
func EncodeModel(c Classifier, version string) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.Kind(), err)
	}
	return json.MarshalIndent(modelBlob{Kind: c.Kind(), Version: version, Model: body}, "", "  ")
}

// DecodeModel restores a classifier from a blob written by EncodeModel and
// reports the version it was stamped with.
func DecodeModel(data []byte) (Classifier, string, error) {
	var blob modelBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, "", fmt.Errorf("decode model blob: %w", err)
	}

	var c Classifier
	switch blob.Kind {
	case KindGaussianNB:
		c = &GaussianNB{}
	case KindDecisionTree:
		c = &DecisionTree{}
	case KindKNN:
		c = &KNN{}
	case KindLogistic:
		c = &LogisticRegression{}
	case KindGradientBoosting:
		c = &GradientBoosting{}
	default:
		return nil, "", fmt.Errorf("decode model blob: unknown kind %q", blob.Kind)
	}
	if err := json.Unmarshal(blob.Model, c); err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", blob.Kind, err)
	}
	if err := c.(validator).validate(); err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", blob.Kind, err)
	}
	return c, blob.Version, nil
}

// validator checks a decoded model for structural damage so a broken blob
// fails at load time rather than at inference.
type validator interface {
	validate() error
}

// validateNodes checks a flattened tree: at least one node, split features
// inside the trained width, children that point forward in the slice (so
// every walk ends at a leaf) and leaf values accepted by leafOK.
func validateNodes(nodes []treeNode, features int, leafOK func(float64) bool) error {
	if len(nodes) == 0 {
		return fmt.Errorf("%w: tree has no nodes", ErrCorruptModel)
	}
	for i, n := range nodes {
		if n.Feature < 0 {
			if !leafOK(n.Prob) {
				return fmt.Errorf("%w: node %d has leaf value %v", ErrCorruptModel, i, n.Prob)
			}
			continue
		}
		if n.Feature >= features {
			return fmt.Errorf("%w: node %d splits on feature %d of %d", ErrDimensionMismatch, i, n.Feature, features)
		}
		if !finite(n.Threshold) {
			return fmt.Errorf("%w: node %d has threshold %v", ErrCorruptModel, i, n.Threshold)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(nodes) || n.Right >= len(nodes) {
			return fmt.Errorf("%w: node %d has children %d/%d", ErrCorruptModel, i, n.Left, n.Right)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func probability(v float64) bool {
	return v >= 0 && v <= 1
}

func allFinite(vs []float64) bool {
	for _, v := range vs {
		if !finite(v) {
			return false
		}
	}
	return true
}

// labelFor maps an anomaly probability to a label. Ties go to normal.
func labelFor(p float64) int {
	if p > 0.5 {
		return 1
	}
	return 0
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func countPositives(y []int) int {
	n := 0
	for _, v := range y {
		if v == 1 {
			n++
		}
	}
	return n
}

func checkTrainingSet(X [][]float64, y []int) (int, error) {
	if len(X) == 0 {
		return 0, fmt.Errorf("empty training set")
	}
	if len(X) != len(y) {
		return 0, fmt.Errorf("%w: %d rows and %d labels", ErrDimensionMismatch, len(X), len(y))
	}
	width := len(X[0])
	if width == 0 {
		return 0, fmt.Errorf("%w: training rows have no features", ErrDimensionMismatch)
	}
	for _, row := range X {
		if len(row) != width {
			return 0, fmt.Errorf("%w: ragged training matrix", ErrDimensionMismatch)
		}
	}
	return width, nil
}
