package mlmodel

import (
	"math"
	"math/rand"
	"sort"
)

// treeNode is one node of a CART regression tree. Fields are exported
// for gob persistence of fitted artifacts.
type treeNode struct {
	Leaf      bool
	Value     float64 // leaf prediction
	Feature   int
	Threshold float64
	Left      *treeNode
	Right     *treeNode
}

// treeParams controls a single tree fit.
type treeParams struct {
	maxDepth         int
	minSamplesSplit  int
	minSamplesLeaf   int
	maxFeatures      int  // candidate features per split; <=0 means all
	randomThresholds bool // extra-trees style single random cut per feature
}

// regressionTree is one fitted CART tree plus its accumulated
// impurity-decrease importances.
type regressionTree struct {
	Root        *treeNode
	Importances []float64
}

// fitTree grows a regression tree by recursive variance-reduction
// splitting over the row indices in idx.
func fitTree(X [][]float64, y []float64, idx []int, p treeParams, rng *rand.Rand) *regressionTree {
	nFeatures := 0
	if len(X) > 0 {
		nFeatures = len(X[0])
	}
	t := &regressionTree{Importances: make([]float64, nFeatures)}
	t.Root = t.grow(X, y, idx, 0, p, rng)
	return t
}

func (t *regressionTree) grow(X [][]float64, y []float64, idx []int, depth int, p treeParams, rng *rand.Rand) *treeNode {
	mean := meanAt(y, idx)
	if len(idx) < p.minSamplesSplit || (p.maxDepth > 0 && depth >= p.maxDepth) || constantAt(y, idx) {
		return &treeNode{Leaf: true, Value: mean}
	}

	feature, threshold, gain := t.bestSplit(X, y, idx, p, rng)
	if feature < 0 {
		return &treeNode{Leaf: true, Value: mean}
	}

	var left, right []int
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < p.minSamplesLeaf || len(right) < p.minSamplesLeaf {
		return &treeNode{Leaf: true, Value: mean}
	}

	t.Importances[feature] += gain * float64(len(idx))

	return &treeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      t.grow(X, y, left, depth+1, p, rng),
		Right:     t.grow(X, y, right, depth+1, p, rng),
	}
}

// bestSplit searches candidate features for the split with the largest
// variance reduction. Returns feature -1 when no split improves.
func (t *regressionTree) bestSplit(X [][]float64, y []float64, idx []int, p treeParams, rng *rand.Rand) (int, float64, float64) {
	nFeatures := len(X[0])
	candidates := featureSubset(nFeatures, p.maxFeatures, rng)

	parentVar := varianceAt(y, idx)
	bestFeature, bestThreshold, bestGain := -1, 0.0, 0.0

	for _, f := range candidates {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := X[i][f]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if lo >= hi {
			continue
		}

		var thresholds []float64
		if p.randomThresholds {
			thresholds = []float64{lo + rng.Float64()*(hi-lo)}
		} else {
			thresholds = midpointsAt(X, idx, f)
		}

		for _, th := range thresholds {
			gain := splitGain(X, y, idx, f, th, parentVar, p.minSamplesLeaf)
			if gain > bestGain {
				bestFeature, bestThreshold, bestGain = f, th, gain
			}
		}
	}
	return bestFeature, bestThreshold, bestGain
}

func splitGain(X [][]float64, y []float64, idx []int, f int, th float64, parentVar float64, minLeaf int) float64 {
	var lSum, lSq, rSum, rSq float64
	var lN, rN int
	for _, i := range idx {
		v := y[i]
		if X[i][f] <= th {
			lSum += v
			lSq += v * v
			lN++
		} else {
			rSum += v
			rSq += v * v
			rN++
		}
	}
	if lN < minLeaf || rN < minLeaf {
		return 0
	}
	n := float64(lN + rN)
	lVar := lSq/float64(lN) - (lSum/float64(lN))*(lSum/float64(lN))
	rVar := rSq/float64(rN) - (rSum/float64(rN))*(rSum/float64(rN))
	weighted := (float64(lN)*lVar + float64(rN)*rVar) / n
	return parentVar - weighted
}

func (t *regressionTree) predict(x []float64) float64 {
	node := t.Root
	for node != nil && !node.Leaf {
		if x[node.Feature] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	if node == nil {
		return 0
	}
	return node.Value
}

func featureSubset(nFeatures, maxFeatures int, rng *rand.Rand) []int {
	all := make([]int, nFeatures)
	for i := range all {
		all[i] = i
	}
	if maxFeatures <= 0 || maxFeatures >= nFeatures {
		return all
	}
	rng.Shuffle(nFeatures, func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:maxFeatures]
}

// midpointsAt returns candidate thresholds halfway between consecutive
// distinct sorted feature values.
func midpointsAt(X [][]float64, idx []int, f int) []float64 {
	values := make([]float64, 0, len(idx))
	for _, i := range idx {
		values = append(values, X[i][f])
	}
	sort.Float64s(values)

	var out []float64
	for i := 1; i < len(values); i++ {
		if values[i] != values[i-1] {
			out = append(out, (values[i]+values[i-1])/2)
		}
	}
	return out
}

func meanAt(y []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	sum := 0.0
	for _, i := range idx {
		sum += y[i]
	}
	return sum / float64(len(idx))
}

func varianceAt(y []float64, idx []int) float64 {
	n := len(idx)
	if n == 0 {
		return 0
	}
	mean := meanAt(y, idx)
	ss := 0.0
	for _, i := range idx {
		d := y[i] - mean
		ss += d * d
	}
	return ss / float64(n)
}

func constantAt(y []float64, idx []int) bool {
	for i := 1; i < len(idx); i++ {
		if y[idx[i]] != y[idx[0]] {
			return false
		}
	}
	return true
}
