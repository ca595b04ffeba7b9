package mlmodel

import (
	"math"
	"sort"
)

// selectKBest ranks feature columns by the univariate F-statistic of a
// linear regression against the target and returns the indices of the
// top k, in original column order. k <= 0 or k >= column count keeps
// everything.
func selectKBest(X [][]float64, y []float64, k int) []int {
	nFeatures := featureCount(X)
	all := make([]int, nFeatures)
	for i := range all {
		all[i] = i
	}
	if k <= 0 || k >= nFeatures || len(X) < 3 {
		return all
	}

	type scored struct {
		idx int
		f   float64
	}
	scores := make([]scored, nFeatures)
	column := make([]float64, len(X))
	for f := 0; f < nFeatures; f++ {
		for i := range X {
			column[i] = X[i][f]
		}
		scores[f] = scored{idx: f, f: fStatistic(column, y)}
	}

	sort.SliceStable(scores, func(a, b int) bool { return scores[a].f > scores[b].f })
	kept := make([]int, k)
	for i := 0; i < k; i++ {
		kept[i] = scores[i].idx
	}
	sort.Ints(kept)
	return kept
}

// fStatistic computes the univariate regression F-score
// r^2 / (1 - r^2) * (n - 2), with degenerate inputs scoring 0.
func fStatistic(x, y []float64) float64 {
	n := len(x)
	if n < 3 {
		return 0
	}
	r := pearson(x, y)
	r2 := r * r
	if r2 >= 1 {
		return math.Inf(1)
	}
	return r2 / (1 - r2) * float64(n-2)
}

// pearson computes the linear correlation of two equal-length series,
// 0 when either side has no variance.
func pearson(x, y []float64) float64 {
	n := float64(len(x))
	if n == 0 || len(x) != len(y) {
		return 0
	}
	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range x {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
