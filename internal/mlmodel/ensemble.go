package mlmodel

import (
	"encoding/gob"
	"fmt"
	"math/rand"

	"github.com/wonny/quantcore/internal/contracts"
)

// Regressor is a fitted tree-ensemble model. Implementations are
// deterministic for a fixed seed and gob-serializable.
type Regressor interface {
	Fit(X [][]float64, y []float64)
	Predict(x []float64) float64
	// FeatureImportances returns normalized impurity-decrease
	// importances, one per feature column.
	FeatureImportances() []float64
}

func init() {
	gob.Register(&RandomForest{})
	gob.Register(&ExtraTrees{})
	gob.Register(&GradientBoosting{})
}

// ensembleParams are the shared hyperparameters, filled from a model
// definition's params map with family defaults.
type ensembleParams struct {
	NEstimators     int
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	LearningRate    float64
	Subsample       float64
	Seed            int64
}

func paramsFor(family contracts.ModelFamily, raw map[string]float64) ensembleParams {
	p := ensembleParams{
		NEstimators:     100,
		MaxDepth:        10,
		MinSamplesSplit: 5,
		MinSamplesLeaf:  2,
		LearningRate:    0.1,
		Subsample:       0.8,
		Seed:            42,
	}
	if family == contracts.FamilyGradientBoosting {
		p.MaxDepth = 6
	}

	get := func(key string, dst *int) {
		if v, ok := raw[key]; ok && v > 0 {
			*dst = int(v)
		}
	}
	get("n_estimators", &p.NEstimators)
	get("max_depth", &p.MaxDepth)
	get("min_samples_split", &p.MinSamplesSplit)
	get("min_samples_leaf", &p.MinSamplesLeaf)
	if v, ok := raw["learning_rate"]; ok && v > 0 {
		p.LearningRate = v
	}
	if v, ok := raw["subsample"]; ok && v > 0 && v <= 1 {
		p.Subsample = v
	}
	if v, ok := raw["random_state"]; ok {
		p.Seed = int64(v)
	}
	return p
}

// newRegressor builds an unfitted regressor for the family. The family
// set is closed.
func newRegressor(family contracts.ModelFamily, raw map[string]float64) (Regressor, error) {
	p := paramsFor(family, raw)
	switch family {
	case contracts.FamilyRandomForest:
		return &RandomForest{Params: p}, nil
	case contracts.FamilyExtraTrees:
		return &ExtraTrees{Params: p}, nil
	case contracts.FamilyGradientBoosting:
		return &GradientBoosting{Params: p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", contracts.ErrUnknownModelFamily, family)
	}
}

// RandomForest bags bootstrap-sampled CART trees with random feature
// subsets per split.
type RandomForest struct {
	Params      ensembleParams
	Trees       []*regressionTree
	Importance  []float64
	NumFeatures int
}

func (m *RandomForest) Fit(X [][]float64, y []float64) {
	rng := rand.New(rand.NewSource(m.Params.Seed))
	n := len(X)
	m.NumFeatures = featureCount(X)
	m.Trees = make([]*regressionTree, 0, m.Params.NEstimators)
	m.Importance = make([]float64, m.NumFeatures)

	tp := treeParams{
		maxDepth:        m.Params.MaxDepth,
		minSamplesSplit: m.Params.MinSamplesSplit,
		minSamplesLeaf:  m.Params.MinSamplesLeaf,
		maxFeatures:     sqrtFeatures(m.NumFeatures),
	}

	for i := 0; i < m.Params.NEstimators; i++ {
		idx := make([]int, n)
		for j := range idx {
			idx[j] = rng.Intn(n)
		}
		tree := fitTree(X, y, idx, tp, rng)
		m.Trees = append(m.Trees, tree)
		accumulate(m.Importance, tree.Importances)
	}
	normalize(m.Importance)
}

func (m *RandomForest) Predict(x []float64) float64 {
	if len(m.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range m.Trees {
		sum += t.predict(x)
	}
	return sum / float64(len(m.Trees))
}

func (m *RandomForest) FeatureImportances() []float64 { return m.Importance }

// ExtraTrees grows fully-sampled trees with one random threshold per
// candidate feature, trading split optimality for variance reduction.
type ExtraTrees struct {
	Params      ensembleParams
	Trees       []*regressionTree
	Importance  []float64
	NumFeatures int
}

func (m *ExtraTrees) Fit(X [][]float64, y []float64) {
	rng := rand.New(rand.NewSource(m.Params.Seed))
	n := len(X)
	m.NumFeatures = featureCount(X)
	m.Trees = make([]*regressionTree, 0, m.Params.NEstimators)
	m.Importance = make([]float64, m.NumFeatures)

	idx := make([]int, n)
	for j := range idx {
		idx[j] = j
	}
	tp := treeParams{
		maxDepth:         m.Params.MaxDepth,
		minSamplesSplit:  m.Params.MinSamplesSplit,
		minSamplesLeaf:   m.Params.MinSamplesLeaf,
		maxFeatures:      sqrtFeatures(m.NumFeatures),
		randomThresholds: true,
	}

	for i := 0; i < m.Params.NEstimators; i++ {
		tree := fitTree(X, y, idx, tp, rng)
		m.Trees = append(m.Trees, tree)
		accumulate(m.Importance, tree.Importances)
	}
	normalize(m.Importance)
}

func (m *ExtraTrees) Predict(x []float64) float64 {
	if len(m.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range m.Trees {
		sum += t.predict(x)
	}
	return sum / float64(len(m.Trees))
}

func (m *ExtraTrees) FeatureImportances() []float64 { return m.Importance }

// GradientBoosting fits shallow trees sequentially to the residuals of
// the running prediction, shrunk by the learning rate.
type GradientBoosting struct {
	Params      ensembleParams
	InitValue   float64
	Trees       []*regressionTree
	Importance  []float64
	NumFeatures int
}

func (m *GradientBoosting) Fit(X [][]float64, y []float64) {
	rng := rand.New(rand.NewSource(m.Params.Seed))
	n := len(X)
	m.NumFeatures = featureCount(X)
	m.Trees = make([]*regressionTree, 0, m.Params.NEstimators)
	m.Importance = make([]float64, m.NumFeatures)

	m.InitValue = 0
	for _, v := range y {
		m.InitValue += v
	}
	if n > 0 {
		m.InitValue /= float64(n)
	}

	current := make([]float64, n)
	for i := range current {
		current[i] = m.InitValue
	}
	residuals := make([]float64, n)

	tp := treeParams{
		maxDepth:        m.Params.MaxDepth,
		minSamplesSplit: m.Params.MinSamplesSplit,
		minSamplesLeaf:  m.Params.MinSamplesLeaf,
	}

	sampleSize := int(m.Params.Subsample * float64(n))
	if sampleSize < 1 {
		sampleSize = n
	}

	for i := 0; i < m.Params.NEstimators; i++ {
		for j := range residuals {
			residuals[j] = y[j] - current[j]
		}

		idx := rng.Perm(n)[:sampleSize]
		tree := fitTree(X, residuals, idx, tp, rng)
		m.Trees = append(m.Trees, tree)
		accumulate(m.Importance, tree.Importances)

		for j := range current {
			current[j] += m.Params.LearningRate * tree.predict(X[j])
		}
	}
	normalize(m.Importance)
}

func (m *GradientBoosting) Predict(x []float64) float64 {
	sum := m.InitValue
	for _, t := range m.Trees {
		sum += m.Params.LearningRate * t.predict(x)
	}
	return sum
}

func (m *GradientBoosting) FeatureImportances() []float64 { return m.Importance }

func featureCount(X [][]float64) int {
	if len(X) == 0 {
		return 0
	}
	return len(X[0])
}

func sqrtFeatures(n int) int {
	k := 1
	for k*k < n {
		k++
	}
	if k > n {
		k = n
	}
	return k
}

func accumulate(dst, src []float64) {
	for i := range src {
		if i < len(dst) {
			dst[i] += src[i]
		}
	}
}

func normalize(xs []float64) {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	if total == 0 {
		return
	}
	for i := range xs {
		xs[i] /= total
	}
}
