package ml

import (
	"fmt"
	"math"
)

// varSmoothing is added to every variance as a fraction of the largest
// feature variance.
const varSmoothing = 1e-9

// GaussianNB is a two-class Gaussian naive Bayes model. It is also the
// proxy classifier of the feature selector, so Fit stays allocation light.
type GaussianNB struct {
	Priors [2]float64   `json:"priors"`
	Means  [2][]float64 `json:"means"`
	Vars   [2][]float64 `json:"vars"`
}

// FitGaussianNB estimates per-class means and variances. A class absent
// from y gets a zero prior and is never predicted.
func FitGaussianNB(X [][]float64, y []int) (*GaussianNB, error) {
	width, err := checkTrainingSet(X, y)
	if err != nil {
		return nil, err
	}

	m := &GaussianNB{}
	var counts [2]float64
	for c := 0; c < 2; c++ {
		m.Means[c] = make([]float64, width)
		m.Vars[c] = make([]float64, width)
	}
	for i, row := range X {
		c := y[i] & 1
		counts[c]++
		for j, v := range row {
			m.Means[c][j] += v
		}
	}
	for c := 0; c < 2; c++ {
		if counts[c] == 0 {
			continue
		}
		for j := range m.Means[c] {
			m.Means[c][j] /= counts[c]
		}
	}
	for i, row := range X {
		c := y[i] & 1
		for j, v := range row {
			d := v - m.Means[c][j]
			m.Vars[c][j] += d * d
		}
	}

	maxVar := 0.0
	for c := 0; c < 2; c++ {
		if counts[c] == 0 {
			continue
		}
		for j := range m.Vars[c] {
			m.Vars[c][j] /= counts[c]
			maxVar = math.Max(maxVar, m.Vars[c][j])
		}
	}
	eps := varSmoothing * maxVar
	if eps == 0 {
		eps = varSmoothing
	}
	for c := 0; c < 2; c++ {
		for j := range m.Vars[c] {
			m.Vars[c][j] += eps
		}
		m.Priors[c] = counts[c] / float64(len(X))
	}
	return m, nil
}

func (m *GaussianNB) Kind() string { return KindGaussianNB }

func (m *GaussianNB) Width() int { return len(m.Means[0]) }

func (m *GaussianNB) Predict(x []float64) (int, float64) {
	var ll [2]float64
	for c := 0; c < 2; c++ {
		if m.Priors[c] == 0 {
			ll[c] = math.Inf(-1)
			continue
		}
		s := math.Log(m.Priors[c])
		for j, v := range x {
			vr := m.Vars[c][j]
			d := v - m.Means[c][j]
			s -= 0.5*math.Log(2*math.Pi*vr) + d*d/(2*vr)
		}
		ll[c] = s
	}

	var p float64
	switch {
	case math.IsInf(ll[1], -1):
		p = 0
	case math.IsInf(ll[0], -1):
		p = 1
	default:
		p = sigmoid(ll[1] - ll[0])
	}
	return labelFor(p), p
}

func (m *GaussianNB) validate() error {
	width := m.Width()
	if width == 0 {
		return fmt.Errorf("%w: model has no features", ErrDimensionMismatch)
	}
	if !probability(m.Priors[0]) || !probability(m.Priors[1]) || m.Priors[0]+m.Priors[1] == 0 {
		return fmt.Errorf("%w: priors %v", ErrCorruptModel, m.Priors)
	}
	for c := 0; c < 2; c++ {
		if len(m.Means[c]) != width || len(m.Vars[c]) != width {
			return fmt.Errorf("%w: class %d has %d means and %d variances, expected %d", ErrDimensionMismatch, c, len(m.Means[c]), len(m.Vars[c]), width)
		}
		if !allFinite(m.Means[c]) {
			return fmt.Errorf("%w: class %d means are not finite", ErrCorruptModel, c)
		}
		for j, v := range m.Vars[c] {
			if !finite(v) || v <= 0 {
				return fmt.Errorf("%w: class %d variance %d is %v", ErrCorruptModel, c, j, v)
			}
		}
	}
	return nil
}
