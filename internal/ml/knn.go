package ml

import (
	"fmt"
	"sort"
)

// KNN is a k-nearest-neighbour classifier over Euclidean distance. The
// anomaly probability is the fraction of anomalous neighbours.
type KNN struct {
	K      int         `json:"k"`
	Points [][]float64 `json:"points"`
	Labels []int       `json:"labels"`
}

// FitKNN stores the training set. When maxPoints is positive and smaller
// than the training set, every n-th row is kept so the blob stays bounded.
func FitKNN(X [][]float64, y []int, k, maxPoints int) (*KNN, error) {
	if _, err := checkTrainingSet(X, y); err != nil {
		return nil, err
	}
	if k < 1 {
		return nil, fmt.Errorf("knn: k must be positive, got %d", k)
	}

	stride := 1
	if maxPoints > 0 && len(X) > maxPoints {
		stride = (len(X) + maxPoints - 1) / maxPoints
	}
	m := &KNN{K: k}
	for i := 0; i < len(X); i += stride {
		m.Points = append(m.Points, append([]float64(nil), X[i]...))
		m.Labels = append(m.Labels, y[i]&1)
	}
	if m.K > len(m.Points) {
		m.K = len(m.Points)
	}
	return m, nil
}

func (m *KNN) Kind() string { return KindKNN }

func (m *KNN) Width() int {
	if len(m.Points) == 0 {
		return 0
	}
	return len(m.Points[0])
}

type neighbour struct {
	dist  float64
	index int
}

func (m *KNN) Predict(x []float64) (int, float64) {
	ns := make([]neighbour, len(m.Points))
	for i, pt := range m.Points {
		d := 0.0
		for j, v := range pt {
			diff := v - x[j]
			d += diff * diff
		}
		ns[i] = neighbour{dist: d, index: i}
	}
	sort.Slice(ns, func(a, b int) bool {
		if ns[a].dist != ns[b].dist {
			return ns[a].dist < ns[b].dist
		}
		return ns[a].index < ns[b].index
	})

	votes := 0
	for _, n := range ns[:m.K] {
		votes += m.Labels[n.index]
	}
	p := float64(votes) / float64(m.K)
	return labelFor(p), p
}

func (m *KNN) validate() error {
	width := m.Width()
	switch {
	case width == 0:
		return fmt.Errorf("%w: model has no features", ErrDimensionMismatch)
	case len(m.Labels) != len(m.Points):
		return fmt.Errorf("%w: %d points and %d labels", ErrDimensionMismatch, len(m.Points), len(m.Labels))
	case m.K < 1 || m.K > len(m.Points):
		return fmt.Errorf("%w: k=%d with %d points", ErrCorruptModel, m.K, len(m.Points))
	}
	for i, pt := range m.Points {
		if len(pt) != width {
			return fmt.Errorf("%w: point %d has %d values, expected %d", ErrDimensionMismatch, i, len(pt), width)
		}
		if !allFinite(pt) {
			return fmt.Errorf("%w: point %d is not finite", ErrCorruptModel, i)
		}
		if m.Labels[i] != 0 && m.Labels[i] != 1 {
			return fmt.Errorf("%w: label %d of point %d", ErrCorruptModel, m.Labels[i], i)
		}
	}
	return nil
}
