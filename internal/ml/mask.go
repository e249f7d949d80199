package ml

import "fmt"

// FeatureMask is the ordered subset of raw feature indices chosen by the
// feature selector. It is only valid together with the ScalerState that
// carries the same Version.
type FeatureMask struct {
	Version string   `json:"version"`
	Indices []int    `json:"indices"`
	Names   []string `json:"names,omitempty"`
}

// Len is the number of selected features.
func (m FeatureMask) Len() int {
	return len(m.Indices)
}

func (m FeatureMask) validate(width int) error {
	if len(m.Indices) == 0 {
		return fmt.Errorf("%w: feature mask is empty", ErrDimensionMismatch)
	}
	if len(m.Names) != 0 && len(m.Names) != len(m.Indices) {
		return fmt.Errorf("%w: mask names %d features for %d indices", ErrDimensionMismatch, len(m.Names), len(m.Indices))
	}
	seen := make(map[int]bool, len(m.Indices))
	for _, idx := range m.Indices {
		if idx < 0 || idx >= width {
			return fmt.Errorf("%w: mask index %d outside raw width %d", ErrDimensionMismatch, idx, width)
		}
		if seen[idx] {
			return fmt.Errorf("%w: mask index %d repeated", ErrDimensionMismatch, idx)
		}
		seen[idx] = true
	}
	return nil
}

// Apply selects the masked columns of x in mask order.
func (m FeatureMask) Apply(x []float64) []float64 {
	out := make([]float64, len(m.Indices))
	for i, idx := range m.Indices {
		out[i] = x[idx]
	}
	return out
}

// ApplyAll selects the masked columns of every row.
func (m FeatureMask) ApplyAll(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = m.Apply(row)
	}
	return out
}
