package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/quantcore/internal/contracts"
	"github.com/wonny/quantcore/internal/marketdata"
	"github.com/wonny/quantcore/pkg/logger"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr(f float64) *float64 { return &f }

func newTestEngine(store *marketdata.MemStore) *Engine {
	return NewEngine(store, store, store, logger.NewNop())
}

func seedFactors(t *testing.T, store *marketdata.MemStore, d time.Time) {
	t.Helper()
	require.NoError(t, store.SaveValues(context.Background(), []contracts.FactorValue{
		{TSCode: "A", TradeDate: d, FactorID: "momentum_5d", ZScore: 1.0, Value: 0.05, PercentileRank: 90},
		{TSCode: "B", TradeDate: d, FactorID: "momentum_5d", ZScore: 0.0, Value: 0.01, PercentileRank: 50},
		{TSCode: "C", TradeDate: d, FactorID: "momentum_5d", ZScore: -1.0, Value: -0.03, PercentileRank: 10},
		{TSCode: "A", TradeDate: d, FactorID: "roe_ttm", ZScore: 0.5, Value: 0.15, PercentileRank: 70},
		{TSCode: "B", TradeDate: d, FactorID: "roe_ttm", ZScore: 1.5, Value: 0.25, PercentileRank: 95},
		// C has no roe_ttm row; the pivot must read it as 0.
	}))
}

func TestFactorScores_PivotFillsMissingWithZero(t *testing.T) {
	store := marketdata.NewMemStore()
	d := day(2024, 1, 2)
	seedFactors(t, store, d)
	eng := newTestEngine(store)

	matrix, err := eng.FactorScores(context.Background(), d, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"momentum_5d", "roe_ttm"}, matrix.Factors)
	assert.Len(t, matrix.Rows, 3)
	assert.Equal(t, 0.0, matrix.At("C", "roe_ttm"))
	assert.Equal(t, 1.5, matrix.At("B", "roe_ttm"))
}

func TestCompositeScore_EqualWeight(t *testing.T) {
	store := marketdata.NewMemStore()
	d := day(2024, 1, 2)
	seedFactors(t, store, d)
	eng := newTestEngine(store)

	matrix, err := eng.FactorScores(context.Background(), d, nil, nil)
	require.NoError(t, err)
	result, err := eng.CompositeScore(matrix, nil, MethodEqualWeight)
	require.NoError(t, err)
	require.Len(t, result.Scores, 3)
	assert.Empty(t, result.Degradations)

	byCode := make(map[string]CompositeScore)
	for _, s := range result.Scores {
		byCode[s.TSCode] = s
	}
	assert.InDelta(t, 0.75, byCode["A"].Score, 1e-9) // (1.0+0.5)/2
	assert.InDelta(t, 0.75, byCode["B"].Score, 1e-9) // (0.0+1.5)/2
	assert.InDelta(t, -0.5, byCode["C"].Score, 1e-9)

	// A and B tie at rank 1, C is dense rank 2.
	assert.Equal(t, 1, byCode["A"].Rank)
	assert.Equal(t, 1, byCode["B"].Rank)
	assert.Equal(t, 2, byCode["C"].Rank)
}

func TestCompositeScore_FactorWeightNormalizesWeights(t *testing.T) {
	matrix := &FactorMatrix{
		Factors: []string{"f1", "f2"},
		Rows: map[string]map[string]float64{
			"A": {"f1": 2.0, "f2": 0.0},
		},
	}
	eng := newTestEngine(marketdata.NewMemStore())

	// Weights 3:1 normalize to 0.75:0.25.
	result, err := eng.CompositeScore(matrix, map[string]float64{"f1": 3, "f2": 1}, MethodFactorWeight)
	require.NoError(t, err)
	require.Len(t, result.Scores, 1)
	assert.InDelta(t, 1.5, result.Scores[0].Score, 1e-9)
}

func TestCompositeScore_MissingWeightsDegradeToEqual(t *testing.T) {
	matrix := &FactorMatrix{
		Factors: []string{"f1"},
		Rows:    map[string]map[string]float64{"A": {"f1": 1.0}},
	}
	eng := newTestEngine(marketdata.NewMemStore())

	result, err := eng.CompositeScore(matrix, nil, MethodFactorWeight)
	require.NoError(t, err)
	require.Len(t, result.Degradations, 1)
	assert.Equal(t, "equal_weight_fallback", result.Degradations[0].Code)
}

func TestCompositeScore_ExtensionMethodsDegrade(t *testing.T) {
	matrix := &FactorMatrix{
		Factors: []string{"f1"},
		Rows:    map[string]map[string]float64{"A": {"f1": 1.0}},
	}
	eng := newTestEngine(marketdata.NewMemStore())

	for _, method := range []ScoringMethod{MethodMLEnsemble, MethodRankIC} {
		result, err := eng.CompositeScore(matrix, map[string]float64{"f1": 1}, method)
		require.NoError(t, err)
		require.Len(t, result.Degradations, 1, "method %s", method)
		assert.Equal(t, method, result.Method)
	}
}

func TestCompositeScore_UnknownMethod(t *testing.T) {
	matrix := &FactorMatrix{
		Factors: []string{"f1"},
		Rows:    map[string]map[string]float64{"A": {"f1": 1.0}},
	}
	eng := newTestEngine(marketdata.NewMemStore())

	_, err := eng.CompositeScore(matrix, nil, "quantum_scoring")
	assert.ErrorIs(t, err, contracts.ErrUnknownMethod)
}

func TestRankStocks_DenseRankNoGaps(t *testing.T) {
	store := marketdata.NewMemStore()
	d := day(2024, 1, 2)
	seedFactors(t, store, d)
	eng := newTestEngine(store)

	matrix, err := eng.FactorScores(context.Background(), d, nil, nil)
	require.NoError(t, err)
	result, err := eng.CompositeScore(matrix, nil, MethodEqualWeight)
	require.NoError(t, err)

	ranked, err := eng.RankStocks(context.Background(), result, 0, nil)
	require.NoError(t, err)
	require.Len(t, ranked, 3)

	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score, "descending by score")
		assert.LessOrEqual(t, ranked[i].Rank-ranked[i-1].Rank, 1, "dense ranks have no gaps")
	}
}

func TestRankStocks_Filters(t *testing.T) {
	ctx := context.Background()
	store := marketdata.NewMemStore()
	store.AddStockInfos(
		contracts.StockInfo{TSCode: "A", Industry: "bank"},
		contracts.StockInfo{TSCode: "B", Industry: "tech"},
		contracts.StockInfo{TSCode: "C", Industry: "bank"},
	)
	eng := newTestEngine(store)

	result := &CompositeResult{Scores: []CompositeScore{
		{TSCode: "A", Score: 0.9, Rank: 1, PercentileRank: 100},
		{TSCode: "B", Score: 0.5, Rank: 2, PercentileRank: 66.7},
		{TSCode: "C", Score: -0.4, Rank: 3, PercentileRank: 33.3},
	}}

	t.Run("min score", func(t *testing.T) {
		ranked, err := eng.RankStocks(ctx, result, 0, &Filters{MinScore: ptr(0.0)})
		require.NoError(t, err)
		assert.Len(t, ranked, 2)
	})

	t.Run("industry allow-list", func(t *testing.T) {
		ranked, err := eng.RankStocks(ctx, result, 0, &Filters{Industries: []string{"bank"}})
		require.NoError(t, err)
		require.Len(t, ranked, 2)
		assert.Equal(t, "A", ranked[0].TSCode)
		assert.Equal(t, "C", ranked[1].TSCode)
	})

	t.Run("exclusions and top n", func(t *testing.T) {
		ranked, err := eng.RankStocks(ctx, result, 1, &Filters{ExcludeCodes: []string{"A"}})
		require.NoError(t, err)
		require.Len(t, ranked, 1)
		assert.Equal(t, "B", ranked[0].TSCode)
	})
}

func seedPredictions(t *testing.T, store *marketdata.MemStore, d time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, []contracts.Prediction{
		{TSCode: "A", TradeDate: d, ModelID: "m1", PredictedReturn: 0.04, ProbabilityScore: 1.0, RankScore: 1},
		{TSCode: "B", TradeDate: d, ModelID: "m1", PredictedReturn: 0.02, ProbabilityScore: 0.5, RankScore: 2},
	}))
	require.NoError(t, store.Save(ctx, []contracts.Prediction{
		{TSCode: "A", TradeDate: d, ModelID: "m2", PredictedReturn: 0.02, ProbabilityScore: 0.8, RankScore: 1},
		{TSCode: "C", TradeDate: d, ModelID: "m2", PredictedReturn: 0.01, ProbabilityScore: 0.2, RankScore: 2},
	}))
}

func TestMLBasedSelection_Average(t *testing.T) {
	store := marketdata.NewMemStore()
	d := day(2024, 1, 2)
	seedPredictions(t, store, d)
	eng := newTestEngine(store)

	result, err := eng.MLBasedSelection(context.Background(), d, []string{"m1", "m2"}, 10, EnsembleAverage)
	require.NoError(t, err)
	require.Len(t, result.Stocks, 3)

	top := result.Stocks[0]
	assert.Equal(t, "A", top.TSCode)
	assert.InDelta(t, 0.03, top.EnsembleScore, 1e-9, "mean of 0.04 and 0.02")
	assert.Equal(t, 2, top.ModelCount)
	assert.Equal(t, 1, top.Rank)

	// B appears in only one model.
	for _, s := range result.Stocks {
		if s.TSCode == "B" {
			assert.Equal(t, 1, s.ModelCount)
		}
	}
}

func TestMLBasedSelection_RankAverage(t *testing.T) {
	store := marketdata.NewMemStore()
	d := day(2024, 1, 2)
	seedPredictions(t, store, d)
	eng := newTestEngine(store)

	result, err := eng.MLBasedSelection(context.Background(), d, []string{"m1", "m2"}, 10, EnsembleRankAverage)
	require.NoError(t, err)
	require.Len(t, result.Stocks, 3)

	// A holds mean rank 1 across both models, ensemble score 1/1.
	assert.Equal(t, "A", result.Stocks[0].TSCode)
	assert.InDelta(t, 1.0, result.Stocks[0].EnsembleScore, 1e-9)
}

func TestMLBasedSelection_WeightedAverageDegrades(t *testing.T) {
	store := marketdata.NewMemStore()
	d := day(2024, 1, 2)
	seedPredictions(t, store, d)
	eng := newTestEngine(store)

	result, err := eng.MLBasedSelection(context.Background(), d, []string{"m1"}, 10, EnsembleWeightedAverage)
	require.NoError(t, err)
	require.Len(t, result.Degradations, 1)
	assert.Equal(t, "average_ensemble_fallback", result.Degradations[0].Code)
}

func TestMLBasedSelection_Errors(t *testing.T) {
	eng := newTestEngine(marketdata.NewMemStore())

	_, err := eng.MLBasedSelection(context.Background(), day(2024, 1, 2), nil, 10, EnsembleAverage)
	assert.ErrorIs(t, err, contracts.ErrConfig)

	_, err = eng.MLBasedSelection(context.Background(), day(2024, 1, 2), []string{"m1"}, 10, "voting")
	assert.ErrorIs(t, err, contracts.ErrUnknownMethod)
}

func TestContributionAnalysis_StrengthLabels(t *testing.T) {
	store := marketdata.NewMemStore()
	d := day(2024, 1, 2)
	seedFactors(t, store, d)
	eng := newTestEngine(store)

	report, err := eng.ContributionAnalysis(context.Background(), "A", d, nil)
	require.NoError(t, err)
	require.Len(t, report.Contributions, 2)

	byFactor := make(map[string]Contribution)
	for _, c := range report.Contributions {
		byFactor[c.FactorID] = c
	}
	assert.Equal(t, StrengthStrong, byFactor["momentum_5d"].RelativeStrength, "percentile 90 > 80")
	assert.Equal(t, StrengthNeutral, byFactor["roe_ttm"].RelativeStrength, "percentile 70")

	weak, err := eng.ContributionAnalysis(context.Background(), "C", d, []string{"momentum_5d"})
	require.NoError(t, err)
	require.Len(t, weak.Contributions, 1)
	assert.Equal(t, StrengthWeak, weak.Contributions[0].RelativeStrength, "percentile 10 < 20")
}

func TestContributionAnalysis_NoData(t *testing.T) {
	eng := newTestEngine(marketdata.NewMemStore())
	_, err := eng.ContributionAnalysis(context.Background(), "A", day(2024, 1, 2), nil)
	assert.ErrorIs(t, err, contracts.ErrNoData)
}

func TestSectorAnalysis(t *testing.T) {
	store := marketdata.NewMemStore()
	d := day(2024, 1, 2)
	seedFactors(t, store, d)
	store.AddStockInfos(
		contracts.StockInfo{TSCode: "A", Name: "Alpha", Industry: "bank"},
		contracts.StockInfo{TSCode: "B", Name: "Beta", Industry: "bank"},
		contracts.StockInfo{TSCode: "C", Name: "Gamma", Industry: "tech"},
	)
	eng := newTestEngine(store)

	report, err := eng.SectorAnalysis(context.Background(), d, nil, 10)
	require.NoError(t, err)
	require.Len(t, report.Summaries, 2)
	assert.Equal(t, 3, report.TotalCount)

	// bank holds A and B (both 0.75), tech holds C (-0.5).
	assert.Equal(t, "bank", report.Summaries[0].Industry)
	assert.InDelta(t, 0.75, report.Summaries[0].ScoreMean, 1e-9)
	assert.Equal(t, 2, report.Summaries[0].StockCount)
	assert.Equal(t, "tech", report.Summaries[1].Industry)

	require.Len(t, report.TopStocks["bank"], 2)
	require.Len(t, report.TopStocks["tech"], 1)
}
