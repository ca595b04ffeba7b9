package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/quantcore/internal/contracts"
	"github.com/wonny/quantcore/internal/marketdata"
	"github.com/wonny/quantcore/internal/portfolio"
	"github.com/wonny/quantcore/internal/scoring"
	"github.com/wonny/quantcore/pkg/logger"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// tradingDays lists weekdays from start, n sessions long.
func tradingDays(start time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	d := start
	for len(out) < n {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out = append(out, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return out
}

// seedMarket loads bars and momentum z-scores for AAA (rising) and BBB
// (falling) over the given sessions.
func seedMarket(t *testing.T, days []time.Time) *marketdata.MemStore {
	t.Helper()
	store := marketdata.NewMemStore()
	closes := map[string]float64{"AAA": 10, "BBB": 20}
	rates := map[string]float64{"AAA": 0.01, "BBB": -0.005}
	zscores := map[string]float64{"AAA": 1, "BBB": -1}

	var values []contracts.FactorValue
	for _, d := range days {
		for code, c := range closes {
			store.AddBars(contracts.Bar{TSCode: code, TradeDate: d, Close: c, Volume: 1000})
			values = append(values, contracts.FactorValue{
				TSCode:         code,
				TradeDate:      d,
				FactorID:       "momentum_20d",
				Value:          rates[code],
				ZScore:         zscores[code],
				PercentileRank: 50 + 50*zscores[code],
			})
			closes[code] = c * (1 + rates[code])
		}
	}
	require.NoError(t, store.SaveValues(context.Background(), values))
	store.AddStockInfos(
		contracts.StockInfo{TSCode: "AAA", Name: "Alpha", Industry: "tech"},
		contracts.StockInfo{TSCode: "BBB", Name: "Beta", Industry: "bank"},
	)
	return store
}

func newTestEngine(store *marketdata.MemStore) *Engine {
	log := logger.NewNop()
	scoringEngine := scoring.NewEngine(store, store, store, log)
	optimizer := portfolio.NewOptimizer(store, 0, log)
	return NewEngine(scoringEngine, optimizer, store, log)
}

func factorStrategy() Strategy {
	return Strategy{
		Name:            "momentum",
		SelectionMethod: SelectFactorBased,
		FactorList:      []string{"momentum_20d"},
		TopN:            2,
		TransactionCost: 0.001,
	}
}

func TestRebalanceDates_Frequencies(t *testing.T) {
	// Ten sessions spanning two ISO weeks and a month boundary:
	// Feb 19..23, Feb 26..29, Mar 1 of 2024.
	days := tradingDays(date(2024, 2, 19), 10)
	store := marketdata.NewMemStore()
	for _, d := range days {
		store.AddBars(contracts.Bar{TSCode: "AAA", TradeDate: d, Close: 10})
	}
	e := newTestEngine(store)
	ctx := context.Background()

	daily, err := e.rebalanceDates(ctx, date(2024, 2, 1), date(2024, 3, 31), FrequencyDaily)
	require.NoError(t, err)
	assert.Len(t, daily, 10)

	weekly, err := e.rebalanceDates(ctx, date(2024, 2, 1), date(2024, 3, 31), FrequencyWeekly)
	require.NoError(t, err)
	// Mondays open ISO weeks 8 and 9; Mar 1 still sits in week 9.
	require.Len(t, weekly, 2)
	assert.True(t, weekly[0].Equal(date(2024, 2, 19)))
	assert.True(t, weekly[1].Equal(date(2024, 2, 26)))

	monthly, err := e.rebalanceDates(ctx, date(2024, 2, 1), date(2024, 3, 31), FrequencyMonthly)
	require.NoError(t, err)
	require.Len(t, monthly, 2)
	assert.True(t, monthly[0].Equal(date(2024, 2, 19)))
	assert.True(t, monthly[1].Equal(date(2024, 3, 1)))

	_, err = e.rebalanceDates(ctx, date(2024, 2, 1), date(2024, 3, 31), "hourly")
	assert.ErrorIs(t, err, contracts.ErrUnknownMethod)
}

func TestRun_FactorStrategy(t *testing.T) {
	days := tradingDays(date(2024, 1, 1), 10)
	store := seedMarket(t, days)
	e := newTestEngine(store)

	result, err := e.Run(context.Background(), factorStrategy(), days[0], days[len(days)-1], 1_000_000, FrequencyDaily)
	require.NoError(t, err)

	assert.Len(t, result.Values, 10)
	assert.Len(t, result.DailyReturns, 9)
	assert.Len(t, result.DailyTurnover, 10)
	assert.Empty(t, result.SkippedDates)
	assert.Equal(t, 1_000_000.0, result.Values[0].TotalValue, "first snapshot is taken before any price move")

	// Equal weight across +1%/day and -0.5%/day drifts upward before
	// costs; with 10bp costs on modest turnover it stays positive.
	assert.Greater(t, result.TotalReturn, 0.0)
	assert.Greater(t, result.Metrics.WinRate, 0.5)
	assert.Equal(t, 10, result.Metrics.RebalanceCount)

	// The first rebalance turns the whole book over once.
	assert.InDelta(t, 1.0, result.DailyTurnover[0], 0.01)
	assert.Less(t, result.DailyTurnover[1], 0.1, "subsequent rebalances only trade the drift")
}

func TestRun_Deterministic(t *testing.T) {
	days := tradingDays(date(2024, 1, 1), 8)
	store := seedMarket(t, days)
	e := newTestEngine(store)
	ctx := context.Background()

	first, err := e.Run(ctx, factorStrategy(), days[0], days[len(days)-1], 1_000_000, FrequencyDaily)
	require.NoError(t, err)
	second, err := e.Run(ctx, factorStrategy(), days[0], days[len(days)-1], 1_000_000, FrequencyDaily)
	require.NoError(t, err)

	assert.Equal(t, first.TotalReturn, second.TotalReturn)
	assert.Equal(t, first.FinalValue, second.FinalValue)
}

func TestRun_LotSizeFloorsShares(t *testing.T) {
	days := tradingDays(date(2024, 1, 1), 2)
	store := marketdata.NewMemStore()
	var values []contracts.FactorValue
	for _, d := range days {
		store.AddBars(contracts.Bar{TSCode: "AAA", TradeDate: d, Close: 7})
		values = append(values, contracts.FactorValue{
			TSCode: "AAA", TradeDate: d, FactorID: "momentum_20d", ZScore: 0.5, PercentileRank: 50,
		})
	}
	require.NoError(t, store.SaveValues(context.Background(), values))
	e := newTestEngine(store)

	strategy := factorStrategy()
	strategy.TopN = 1
	result, err := e.Run(context.Background(), strategy, days[0], days[1], 1_000_000, FrequencyDaily)
	require.NoError(t, err)

	// 1,000,000 / 7 = 142,857.1 shares, floored to 142,800 by the
	// 100-share lot. The first snapshot is taken before trading, so its
	// cash is the full capital; the remainder minus costs shows up as
	// the second date's pre-trade cash.
	bought := 142_800.0 * 7
	cost := bought * 0.001
	assert.InDelta(t, 1_000_000, result.Values[0].Cash, 1e-6)
	require.Len(t, result.Values, 2)
	assert.InDelta(t, 1_000_000-bought-cost, result.Values[1].Cash, 1e-6)
}

func TestRun_SnapshotsAreInternallyConsistent(t *testing.T) {
	days := tradingDays(date(2024, 1, 1), 6)
	store := seedMarket(t, days)
	e := newTestEngine(store)

	result, err := e.Run(context.Background(), factorStrategy(), days[0], days[len(days)-1], 1_000_000, FrequencyDaily)
	require.NoError(t, err)
	require.NotEmpty(t, result.Values)

	for _, v := range result.Values {
		assert.InDelta(t, v.TotalValue, v.Cash+v.PositionsValue, 1e-6,
			"value, cash and positions must describe the same moment")
	}
}

func TestRun_OptimizerFailureFlagsDegradation(t *testing.T) {
	days := tradingDays(date(2024, 1, 1), 4)
	store := seedMarket(t, days)
	e := newTestEngine(store)

	// Two selected symbols capped at 0.2 each cannot sum to 1, so every
	// mean-variance solve is infeasible and the run falls back to equal
	// weight.
	strategy := factorStrategy()
	strategy.Optimization = portfolio.MethodMeanVariance
	strategy.Constraints = &portfolio.Constraints{MaxWeight: 0.2}

	result, err := e.Run(context.Background(), strategy, days[0], days[len(days)-1], 1_000_000, FrequencyDaily)
	require.NoError(t, err)
	assert.Empty(t, result.SkippedDates, "fallback keeps the simulation running")

	require.Len(t, result.Degradations, 1, "repeated fallbacks collapse into one entry")
	assert.Equal(t, "equal_weight_fallback", result.Degradations[0].Code)
	assert.Contains(t, result.Degradations[0].Detail, "mean_variance")
}

func TestRun_SkipsDatesWithoutSelection(t *testing.T) {
	days := tradingDays(date(2024, 1, 1), 6)
	store := marketdata.NewMemStore()
	var values []contracts.FactorValue
	for i, d := range days {
		store.AddBars(contracts.Bar{TSCode: "AAA", TradeDate: d, Close: 10})
		// No factor values on the third session.
		if i != 2 {
			values = append(values, contracts.FactorValue{
				TSCode: "AAA", TradeDate: d, FactorID: "momentum_20d", ZScore: 1, PercentileRank: 100,
			})
		}
	}
	require.NoError(t, store.SaveValues(context.Background(), values))
	e := newTestEngine(store)

	result, err := e.Run(context.Background(), factorStrategy(), days[0], days[len(days)-1], 1_000_000, FrequencyDaily)
	require.NoError(t, err)
	require.Len(t, result.SkippedDates, 1)
	assert.True(t, result.SkippedDates[0].Equal(days[2]))
	assert.Len(t, result.Values, 5, "the skipped date leaves no snapshot")
}

func TestRun_MLStrategy(t *testing.T) {
	days := tradingDays(date(2024, 1, 1), 5)
	store := seedMarket(t, days)
	ctx := context.Background()
	for _, d := range days {
		require.NoError(t, store.Save(ctx, []contracts.Prediction{
			{TSCode: "AAA", TradeDate: d, ModelID: "m1", PredictedReturn: 0.02, RankScore: 1},
			{TSCode: "BBB", TradeDate: d, ModelID: "m1", PredictedReturn: -0.01, RankScore: 2},
		}))
	}
	e := newTestEngine(store)

	strategy := Strategy{
		Name:            "ml",
		SelectionMethod: SelectMLBased,
		ModelIDs:        []string{"m1"},
		TopN:            1,
	}
	result, err := e.Run(ctx, strategy, days[0], days[len(days)-1], 1_000_000, FrequencyDaily)
	require.NoError(t, err)
	assert.Len(t, result.Values, 5)
	// Only AAA is held, so the portfolio tracks its 1% daily rise.
	assert.Greater(t, result.TotalReturn, 0.0)
}

func TestRun_MLStrategyWithoutModels(t *testing.T) {
	days := tradingDays(date(2024, 1, 1), 3)
	store := seedMarket(t, days)
	e := newTestEngine(store)

	strategy := Strategy{Name: "ml", SelectionMethod: SelectMLBased, TopN: 5}
	result, err := e.Run(context.Background(), strategy, days[0], days[len(days)-1], 1_000_000, FrequencyDaily)
	require.NoError(t, err)
	assert.Len(t, result.SkippedDates, 3, "every date fails selection and is skipped")
}

func TestRun_NoTradingDates(t *testing.T) {
	e := newTestEngine(marketdata.NewMemStore())
	_, err := e.Run(context.Background(), factorStrategy(), date(2024, 1, 1), date(2024, 2, 1), 1_000_000, FrequencyDaily)
	assert.ErrorIs(t, err, contracts.ErrNoData)
}

func TestCompareStrategies(t *testing.T) {
	days := tradingDays(date(2024, 1, 1), 8)
	store := seedMarket(t, days)
	e := newTestEngine(store)

	winner := factorStrategy()
	winner.Name = "both"
	loser := factorStrategy()
	loser.Name = "heavy_costs"
	loser.TransactionCost = 0.05

	cmp, err := e.CompareStrategies(context.Background(), []StrategyRun{
		{Strategy: winner, Frequency: FrequencyDaily},
		{Strategy: loser, Frequency: FrequencyDaily},
	}, days[0], days[len(days)-1])
	require.NoError(t, err)

	require.Len(t, cmp.Results, 2)
	assert.Equal(t, "both", cmp.BestReturn)
	assert.Equal(t, "both", cmp.BestSharpe)
	assert.NotZero(t, cmp.AverageDrawdown+cmp.AverageReturn+cmp.AverageSharpe)
}

func TestCompareStrategies_ReportsFailures(t *testing.T) {
	days := tradingDays(date(2024, 1, 1), 5)
	store := seedMarket(t, days)
	e := newTestEngine(store)

	broken := Strategy{Name: "broken", SelectionMethod: "quantum"}
	cmp, err := e.CompareStrategies(context.Background(), []StrategyRun{
		{Strategy: factorStrategy(), Frequency: FrequencyDaily},
		{Strategy: broken, Frequency: FrequencyDaily},
	}, days[0], days[len(days)-1])
	require.NoError(t, err)
	assert.Len(t, cmp.Results, 2, "the broken strategy still runs, its dates just all skip")
}

func TestComputeMetrics_Drawdown(t *testing.T) {
	values := []ValuePoint{
		{TotalValue: 100}, {TotalValue: 120}, {TotalValue: 90}, {TotalValue: 110},
	}
	returns := []float64{0.2, -0.25, 0.2222}
	m := computeMetrics(values, returns, date(2024, 1, 1), date(2025, 1, 1))

	assert.InDelta(t, 0.10, m.TotalReturn, 1e-9)
	assert.InDelta(t, 0.25, m.MaxDrawdown, 1e-9, "peak 120 to trough 90")
	assert.InDelta(t, 2.0/3.0, m.WinRate, 1e-9)
	assert.Greater(t, m.CalmarRatio, 0.0)
}

func TestComputeMetrics_Empty(t *testing.T) {
	m := computeMetrics(nil, nil, date(2024, 1, 1), date(2024, 2, 1))
	assert.Zero(t, m.TotalReturn)
	assert.Zero(t, m.RebalanceCount)
}
