package mlmodel

import (
	"math"
	"sort"

	"github.com/wonny/quantcore/internal/contracts"
)

// Scaler centers and scales feature columns. Fit runs on the training
// split only; Transform then applies the stored statistics to any row.
// A nil Scaler (scaling "none") passes data through unchanged.
type Scaler struct {
	Method contracts.ScalingMethod
	Center []float64
	Scale  []float64
}

// newScaler returns nil for ScalingNone.
func newScaler(method contracts.ScalingMethod) *Scaler {
	switch method {
	case contracts.ScalingStandard, contracts.ScalingRobust:
		return &Scaler{Method: method}
	default:
		return nil
	}
}

// Fit computes per-column statistics: mean/std for standard scaling,
// median/IQR for robust scaling. Zero spread columns get scale 1 so they
// pass through centered.
func (s *Scaler) Fit(X [][]float64) {
	if len(X) == 0 {
		return
	}
	nFeatures := len(X[0])
	s.Center = make([]float64, nFeatures)
	s.Scale = make([]float64, nFeatures)

	column := make([]float64, len(X))
	for f := 0; f < nFeatures; f++ {
		for i := range X {
			column[i] = X[i][f]
		}
		if s.Method == contracts.ScalingStandard {
			s.Center[f], s.Scale[f] = columnMeanStd(column)
		} else {
			s.Center[f], s.Scale[f] = columnMedianIQR(column)
		}
		if s.Scale[f] == 0 {
			s.Scale[f] = 1
		}
	}
}

// Transform scales rows in place-safe copies.
func (s *Scaler) Transform(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		scaled := make([]float64, len(row))
		for f, v := range row {
			if f < len(s.Center) {
				scaled[f] = (v - s.Center[f]) / s.Scale[f]
			} else {
				scaled[f] = v
			}
		}
		out[i] = scaled
	}
	return out
}

// TransformRow scales a single feature row.
func (s *Scaler) TransformRow(row []float64) []float64 {
	return s.Transform([][]float64{row})[0]
}

func columnMeanStd(xs []float64) (float64, float64) {
	n := float64(len(xs))
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= n
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / n)
}

func columnMedianIQR(xs []float64) (float64, float64) {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	return quantile(sorted, 0.5), quantile(sorted, 0.75) - quantile(sorted, 0.25)
}

// quantile interpolates linearly on a sorted slice.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
