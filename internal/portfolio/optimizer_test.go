package portfolio

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/wonny/quantcore/internal/contracts"
	"github.com/wonny/quantcore/internal/marketdata"
	"github.com/wonny/quantcore/pkg/logger"
)

func newTestOptimizer(store *marketdata.MemStore) *Optimizer {
	return NewOptimizer(store, 0, logger.NewNop())
}

func diagRiskModel(codes []string, variances []float64) *RiskModel {
	cov := mat.NewSymDense(len(codes), nil)
	for i, v := range variances {
		cov.SetSym(i, i, v)
	}
	return &RiskModel{Codes: codes, Cov: cov}
}

func TestOptimize_EqualWeightFourSymbols(t *testing.T) {
	o := newTestOptimizer(marketdata.NewMemStore())
	expected := map[string]float64{"A": 0.05, "B": 0.02, "C": -0.01, "D": 0.03}
	risk := diagRiskModel([]string{"A", "B", "C", "D"}, []float64{1, 1, 1, 1})

	result, err := o.Optimize(context.Background(), expected, risk, MethodEqualWeight, nil)
	require.NoError(t, err)
	require.Len(t, result.Weights, 4)
	for code, w := range result.Weights {
		assert.Equal(t, 0.25, w, "symbol %s", code)
	}
	assert.Equal(t, 4, result.NonZeroWeights)
	assert.InDelta(t, 0.25, result.Stats.ConcentrationHHI, 1e-9)
	assert.InDelta(t, 4.0, result.Stats.EffectiveStocks, 1e-9)
}

func TestOptimize_UnknownMethod(t *testing.T) {
	o := newTestOptimizer(marketdata.NewMemStore())
	risk := diagRiskModel([]string{"A"}, []float64{1})
	_, err := o.Optimize(context.Background(), map[string]float64{"A": 0.1}, risk, "genetic", nil)
	assert.ErrorIs(t, err, contracts.ErrUnknownMethod)
}

func TestOptimize_EmptyInput(t *testing.T) {
	o := newTestOptimizer(marketdata.NewMemStore())
	_, err := o.Optimize(context.Background(), nil, nil, MethodEqualWeight, nil)
	assert.ErrorIs(t, err, contracts.ErrNoData)
}

func TestOptimize_MeanVariancePrefersHigherReturn(t *testing.T) {
	o := newTestOptimizer(marketdata.NewMemStore())
	expected := map[string]float64{"A": 0.10, "B": 0.0}
	risk := diagRiskModel([]string{"A", "B"}, []float64{0.01, 0.01})

	result, err := o.Optimize(context.Background(), expected, risk, MethodMeanVariance, nil)
	require.NoError(t, err)

	sum := 0.0
	for _, w := range result.Weights {
		sum += w
		assert.GreaterOrEqual(t, w, 0.0)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Greater(t, result.Weights["A"], result.Weights["B"])
}

func TestOptimize_MeanVarianceRespectsMaxWeight(t *testing.T) {
	o := newTestOptimizer(marketdata.NewMemStore())
	expected := map[string]float64{"A": 0.20, "B": 0.01, "C": 0.01, "D": 0.01}
	risk := diagRiskModel([]string{"A", "B", "C", "D"}, []float64{0.01, 0.01, 0.01, 0.01})
	cons := &Constraints{MaxWeight: 0.3}

	result, err := o.Optimize(context.Background(), expected, risk, MethodMeanVariance, cons)
	require.NoError(t, err)

	sum := 0.0
	for code, w := range result.Weights {
		sum += w
		assert.LessOrEqual(t, w, 0.3+1e-6, "symbol %s", code)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.InDelta(t, 0.3, result.Weights["A"], 1e-6, "the dominant symbol should sit on the cap")
}

func TestOptimize_MeanVarianceInfeasibleBounds(t *testing.T) {
	o := newTestOptimizer(marketdata.NewMemStore())
	expected := map[string]float64{"A": 0.1, "B": 0.1, "C": 0.1}
	risk := diagRiskModel([]string{"A", "B", "C"}, []float64{1, 1, 1})

	// 3 assets at most 0.2 each cannot reach a total of 1.
	_, err := o.Optimize(context.Background(), expected, risk, MethodMeanVariance, &Constraints{MaxWeight: 0.2})
	assert.ErrorIs(t, err, contracts.ErrInfeasible)
}

func TestOptimize_RiskParityInverseVolatility(t *testing.T) {
	o := newTestOptimizer(marketdata.NewMemStore())
	expected := map[string]float64{"A": 0.01, "B": 0.01}
	// Uncorrelated assets: equal risk contribution means weights
	// proportional to inverse volatility, 0.1/(0.2+0.1) vs 0.2/(0.2+0.1).
	risk := diagRiskModel([]string{"A", "B"}, []float64{0.04, 0.01})

	result, err := o.Optimize(context.Background(), expected, risk, MethodRiskParity, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, result.Weights["A"], 1e-4)
	assert.InDelta(t, 2.0/3.0, result.Weights["B"], 1e-4)
}

func TestOptimize_FactorNeutralDegrades(t *testing.T) {
	o := newTestOptimizer(marketdata.NewMemStore())
	expected := map[string]float64{"A": 0.05, "B": 0.02}
	risk := diagRiskModel([]string{"A", "B"}, []float64{0.01, 0.01})

	result, err := o.Optimize(context.Background(), expected, risk, MethodFactorNeutral, nil)
	require.NoError(t, err)
	require.Len(t, result.Degradations, 1)
	assert.Equal(t, "mean_variance_fallback", result.Degradations[0].Code)
}

func TestProjectCappedSimplex(t *testing.T) {
	w := projectCappedSimplex([]float64{0.9, 0.3, 0.1}, 0, 0.5)
	sum := 0.0
	for _, x := range w {
		sum += x
		assert.GreaterOrEqual(t, x, 0.0)
		assert.LessOrEqual(t, x, 0.5+1e-9)
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.InDelta(t, 0.5, w[0], 1e-9, "the largest entry hits the cap")
}

func TestApplyConstraints_CapRedistributesEqually(t *testing.T) {
	third := (1.0 - 0.6) / 3
	weights := map[string]float64{"A": 0.6, "B": third, "C": third, "D": third}

	out := ApplyConstraints(weights, &Constraints{MaxWeight: 0.3})
	assert.InDelta(t, 0.3, out["A"], 1e-9)
	for _, code := range []string{"B", "C", "D"} {
		assert.InDelta(t, third+0.1, out[code], 1e-9, "uncapped symbols share the excess equally")
	}

	sum := 0.0
	for _, w := range out {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestApplyConstraints_MinWeightFloor(t *testing.T) {
	weights := map[string]float64{"A": 0.95, "B": 0.05}
	out := ApplyConstraints(weights, &Constraints{MinWeight: 0.10})
	assert.GreaterOrEqual(t, out["B"], 0.09, "floored weight survives renormalization near the floor")

	sum := out["A"] + out["B"]
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestTurnover_Symmetric(t *testing.T) {
	a := map[string]float64{"A": 0.5, "B": 0.5}
	b := map[string]float64{"A": 0.3, "B": 0.6, "C": 0.1}
	assert.InDelta(t, Turnover(a, b), Turnover(b, a), 1e-12)
}

func TestRebalance_Scenario(t *testing.T) {
	current := map[string]float64{"A": 0.5, "B": 0.5}
	target := map[string]float64{"A": 0.3, "B": 0.7}

	plan := Rebalance(current, target, 0.01)
	assert.InDelta(t, 0.2, plan.Turnover, 1e-9)
	assert.InDelta(t, 0.002, plan.TransactionCost, 1e-9)
	assert.InDelta(t, -0.2, plan.Trades["A"], 1e-9)
	assert.InDelta(t, 0.2, plan.Trades["B"], 1e-9)
	assert.Len(t, plan.Buys, 1)
	assert.Len(t, plan.Sells, 1)
	assert.InDelta(t, 0.0, plan.NetExposureChange, 1e-9)
}

func TestEstimateRiskModel_IdentityFallback(t *testing.T) {
	o := newTestOptimizer(marketdata.NewMemStore())
	risk, err := o.EstimateRiskModel(context.Background(), []string{"A", "B"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1.0, risk.Cov.At(0, 0))
	assert.Equal(t, 0.0, risk.Cov.At(0, 1))
}

func TestEstimateRiskModel_ShrinkageFromHistory(t *testing.T) {
	store := marketdata.NewMemStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	closeA, closeB := 100.0, 50.0
	for i := 0; i < 200; i++ {
		// A oscillates hard, B barely moves: A's variance must dominate.
		retA := 0.03 * math.Sin(float64(i))
		retB := 0.002 * math.Cos(float64(i)*0.7)
		closeA *= 1 + retA
		closeB *= 1 + retB
		store.AddBars(
			contracts.Bar{TSCode: "A", TradeDate: base.AddDate(0, 0, i), Close: closeA},
			contracts.Bar{TSCode: "B", TradeDate: base.AddDate(0, 0, i), Close: closeB},
		)
	}
	o := newTestOptimizer(store)

	risk, err := o.EstimateRiskModel(context.Background(), []string{"A", "B", "MISSING"}, base.AddDate(0, 0, 200))
	require.NoError(t, err)

	varA, varB := risk.Cov.At(0, 0), risk.Cov.At(1, 1)
	assert.Greater(t, varA, varB)
	assert.Greater(t, varB, 0.0)
	// The uncovered symbol gets average variance and zero covariance.
	assert.InDelta(t, (varA+varB)/2, risk.Cov.At(2, 2), 1e-12)
	assert.Equal(t, 0.0, risk.Cov.At(2, 0))
}

func TestRebalance_AllNew(t *testing.T) {
	plan := Rebalance(nil, map[string]float64{"A": 0.5, "B": 0.5}, 0.001)
	assert.InDelta(t, 0.5, plan.Turnover, 1e-9)
	assert.InDelta(t, 1.0, plan.GrossTradedValue, 1e-9)
	assert.Len(t, plan.Sells, 0)
}
