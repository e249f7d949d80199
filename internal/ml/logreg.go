package ml

import "fmt"

// l2Penalty is the ridge strength applied to the weights during fitting.
const l2Penalty = 1e-4

// LogisticRegression is a linear model fitted by full-batch gradient descent.
type LogisticRegression struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// FitLogisticRegression runs epochs of gradient descent with the given
// learning rate. Inputs are expected to be standardized.
func FitLogisticRegression(X [][]float64, y []int, epochs int, rate float64) (*LogisticRegression, error) {
	width, err := checkTrainingSet(X, y)
	if err != nil {
		return nil, err
	}
	if epochs < 1 || rate <= 0 {
		return nil, fmt.Errorf("logistic regression: epochs=%d rate=%v", epochs, rate)
	}

	m := &LogisticRegression{Weights: make([]float64, width)}
	grad := make([]float64, width)
	n := float64(len(X))
	for e := 0; e < epochs; e++ {
		for j := range grad {
			grad[j] = 0
		}
		gb := 0.0
		for i, row := range X {
			diff := m.prob(row) - float64(y[i]&1)
			for j, v := range row {
				grad[j] += diff * v
			}
			gb += diff
		}
		for j := range m.Weights {
			m.Weights[j] -= rate * (grad[j]/n + l2Penalty*m.Weights[j])
		}
		m.Bias -= rate * gb / n
	}
	return m, nil
}

func (m *LogisticRegression) prob(x []float64) float64 {
	z := m.Bias
	for j, w := range m.Weights {
		z += w * x[j]
	}
	return sigmoid(z)
}

func (m *LogisticRegression) Kind() string { return KindLogistic }

func (m *LogisticRegression) Width() int { return len(m.Weights) }

func (m *LogisticRegression) Predict(x []float64) (int, float64) {
	p := m.prob(x)
	return labelFor(p), p
}

func (m *LogisticRegression) validate() error {
	if len(m.Weights) == 0 {
		return fmt.Errorf("%w: model has no features", ErrDimensionMismatch)
	}
	if !allFinite(m.Weights) || !finite(m.Bias) {
		return fmt.Errorf("%w: weights are not finite", ErrCorruptModel)
	}
	return nil
}
