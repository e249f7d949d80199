package ml

import (
	"fmt"
	"math"
)

// ScalerState holds the per-feature standardization fitted at training
// time. Features names the raw columns in vector order.
type ScalerState struct {
	Version  string    `json:"version"`
	Features []string  `json:"features"`
	Mean     []float64 `json:"mean"`
	Std      []float64 `json:"std"`
}

// FitScaler computes column means and population standard deviations.
// Constant columns get a unit scale so they standardize to zero.
func FitScaler(X [][]float64, features []string, version string) (ScalerState, error) {
	if len(X) == 0 {
		return ScalerState{}, fmt.Errorf("fit scaler: empty matrix")
	}
	width := len(X[0])
	if len(features) != width {
		return ScalerState{}, fmt.Errorf("%w: %d feature names for %d columns", ErrDimensionMismatch, len(features), width)
	}

	mean := make([]float64, width)
	for _, row := range X {
		if len(row) != width {
			return ScalerState{}, fmt.Errorf("%w: ragged matrix", ErrDimensionMismatch)
		}
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(X))
	for j := range mean {
		mean[j] /= n
	}

	std := make([]float64, width)
	for _, row := range X {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
		if std[j] == 0 {
			std[j] = 1
		}
	}

	return ScalerState{Version: version, Features: append([]string(nil), features...), Mean: mean, Std: std}, nil
}

// Width is the raw vector width the scaler was fitted on.
func (s ScalerState) Width() int {
	return len(s.Mean)
}

func (s ScalerState) validate() error {
	if len(s.Mean) != len(s.Std) {
		return fmt.Errorf("%w: scaler has %d means and %d deviations", ErrDimensionMismatch, len(s.Mean), len(s.Std))
	}
	if len(s.Features) != 0 && len(s.Features) != len(s.Mean) {
		return fmt.Errorf("%w: scaler names %d features for width %d", ErrDimensionMismatch, len(s.Features), len(s.Mean))
	}
	for j, sd := range s.Std {
		if sd <= 0 || math.IsNaN(sd) || math.IsInf(sd, 0) {
			return fmt.Errorf("%w: scaler deviation %d is %v", ErrDimensionMismatch, j, sd)
		}
	}
	return nil
}

// Transform standardizes x. The caller guarantees len(x) == Width().
func (s ScalerState) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

// TransformAll standardizes every row of X.
func (s ScalerState) TransformAll(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = s.Transform(row)
	}
	return out
}
