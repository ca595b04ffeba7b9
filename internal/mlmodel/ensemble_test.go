package mlmodel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/quantcore/internal/contracts"
)

// linearSamples generates y = 2*x0 - x1 with a third noise-free but
// irrelevant column.
func linearSamples(n int) ([][]float64, []float64) {
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x0 := float64(i%17) / 17
		x1 := float64(i%11) / 11
		x2 := float64(i%5) / 5
		X[i] = []float64{x0, x1, x2}
		y[i] = 2*x0 - x1
	}
	return X, y
}

func TestNewRegressor_UnknownFamily(t *testing.T) {
	_, err := newRegressor("neural_net", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrUnknownModelFamily)
}

func TestParamsFor_Overrides(t *testing.T) {
	p := paramsFor(contracts.FamilyGradientBoosting, map[string]float64{
		"n_estimators":  50,
		"learning_rate": 0.05,
		"random_state":  7,
	})
	assert.Equal(t, 50, p.NEstimators)
	assert.Equal(t, 6, p.MaxDepth) // boosting default stays shallow
	assert.Equal(t, 0.05, p.LearningRate)
	assert.Equal(t, int64(7), p.Seed)
}

func TestEnsembles_FitLinearTarget(t *testing.T) {
	X, y := linearSamples(300)
	params := map[string]float64{"n_estimators": 30, "max_depth": 8}

	for _, family := range []contracts.ModelFamily{
		contracts.FamilyRandomForest,
		contracts.FamilyExtraTrees,
		contracts.FamilyGradientBoosting,
	} {
		t.Run(string(family), func(t *testing.T) {
			model, err := newRegressor(family, params)
			require.NoError(t, err)
			model.Fit(X, y)

			r2, _, _ := regressionMetrics(model, X, y)
			assert.Greater(t, r2, 0.8, "in-sample fit should recover a deterministic target")

			imps := model.FeatureImportances()
			require.Len(t, imps, 3)
			total := imps[0] + imps[1] + imps[2]
			assert.InDelta(t, 1.0, total, 1e-9)
			assert.Greater(t, imps[0], imps[2], "the dominant feature should dominate importances")
		})
	}
}

func TestEnsembles_DeterministicForFixedSeed(t *testing.T) {
	X, y := linearSamples(200)
	params := map[string]float64{"n_estimators": 20}

	for _, family := range []contracts.ModelFamily{
		contracts.FamilyRandomForest,
		contracts.FamilyExtraTrees,
		contracts.FamilyGradientBoosting,
	} {
		t.Run(string(family), func(t *testing.T) {
			a, err := newRegressor(family, params)
			require.NoError(t, err)
			b, err := newRegressor(family, params)
			require.NoError(t, err)
			a.Fit(X, y)
			b.Fit(X, y)

			probe := []float64{0.4, 0.6, 0.1}
			assert.Equal(t, a.Predict(probe), b.Predict(probe))
		})
	}
}

func TestRegressionTree_ConstantTargetIsLeaf(t *testing.T) {
	X := [][]float64{{1}, {2}, {3}, {4}, {5}, {6}}
	y := []float64{7, 7, 7, 7, 7, 7}
	idx := []int{0, 1, 2, 3, 4, 5}
	tree := fitTree(X, y, idx, treeParams{maxDepth: 5, minSamplesSplit: 2, minSamplesLeaf: 1}, nil)
	assert.True(t, tree.Root.Leaf)
	assert.Equal(t, 7.0, tree.predict([]float64{3}))
}

func TestScaler_Standard(t *testing.T) {
	s := newScaler(contracts.ScalingStandard)
	require.NotNil(t, s)
	X := [][]float64{{1, 10}, {2, 10}, {3, 10}}
	s.Fit(X)
	out := s.Transform(X)

	// Column 0: mean 2, population std sqrt(2/3).
	assert.InDelta(t, 0, out[1][0], 1e-9)
	assert.InDelta(t, -out[0][0], out[2][0], 1e-9)
	// Zero-spread column passes through centered with scale 1.
	assert.InDelta(t, 0, out[0][1], 1e-9)
}

func TestScaler_RobustUsesMedianIQR(t *testing.T) {
	s := newScaler(contracts.ScalingRobust)
	require.NotNil(t, s)
	X := [][]float64{{1}, {2}, {3}, {4}, {100}}
	s.Fit(X)

	// Median 3, IQR = 4 - 2 = 2; the outlier barely moves the statistics.
	assert.InDelta(t, 3, s.Center[0], 1e-9)
	assert.InDelta(t, 2, s.Scale[0], 1e-9)
	assert.InDelta(t, 0, s.TransformRow([]float64{3})[0], 1e-9)
}

func TestScaler_NoneIsNil(t *testing.T) {
	assert.Nil(t, newScaler(contracts.ScalingNone))
	assert.Nil(t, newScaler(""))
}

func TestSelectKBest_KeepsStrongestColumns(t *testing.T) {
	n := 60
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		signal := float64(i) / float64(n)
		noise := math.Sin(float64(i) * 1000)
		X[i] = []float64{noise, signal, signal * 2}
		y[i] = signal
	}
	kept := selectKBest(X, y, 2)
	assert.Equal(t, []int{1, 2}, kept, "kept indices stay in original column order")
}

func TestSelectKBest_KeepAll(t *testing.T) {
	X := [][]float64{{1, 2}, {3, 4}, {5, 6}}
	y := []float64{1, 2, 3}
	assert.Equal(t, []int{0, 1}, selectKBest(X, y, 0))
	assert.Equal(t, []int{0, 1}, selectKBest(X, y, 5))
}

func TestRSquared(t *testing.T) {
	y := []float64{1, 2, 3, 4}
	assert.InDelta(t, 1.0, rSquared(y, y), 1e-9)
	assert.Equal(t, 0.0, rSquared([]float64{2, 2, 2}, []float64{1, 2, 3}))
}

func TestChronologicalSplit(t *testing.T) {
	assert.Equal(t, 8, chronologicalSplit(10, 0.2))
	assert.Equal(t, 10, chronologicalSplit(10, 0))
	assert.Equal(t, 1, chronologicalSplit(1, 0.5))
}
