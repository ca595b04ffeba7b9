package factor

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

func newTestEngine(store *marketdata.MemStore) *Engine {
	return NewEngine(store, store, store.MoneyFlows(), store.Chips(), store, store, 4, logger.NewNop())
}

func addCloses(store *marketdata.MemStore, code string, start time.Time, closes ...float64) []time.Time {
	dates := make([]time.Time, len(closes))
	for i, c := range closes {
		d := start.AddDate(0, 0, i)
		dates[i] = d
		store.AddBars(contracts.Bar{TSCode: code, TradeDate: d, Close: c, Volume: 1000})
	}
	return dates
}

func TestEngine_Momentum5d(t *testing.T) {
	store := marketdata.NewMemStore()
	dates := addCloses(store, "000001.SZ", day(2024, 1, 1), 10, 10, 10, 10, 10, 11)
	eng := newTestEngine(store)

	last := dates[len(dates)-1]
	values, err := eng.Calculate(context.Background(), "momentum_5d", []string{"000001.SZ"}, last, last)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.InDelta(t, 0.10, values[0].Value, 1e-9)
	assert.Equal(t, last, values[0].TradeDate)
}

func TestEngine_MomentumIncompleteWindowDropped(t *testing.T) {
	store := marketdata.NewMemStore()
	dates := addCloses(store, "000001.SZ", day(2024, 1, 1), 10, 10, 11)
	eng := newTestEngine(store)

	values, err := eng.Calculate(context.Background(), "momentum_5d", []string{"000001.SZ"}, dates[2], dates[2])
	require.NoError(t, err)
	assert.Empty(t, values, "only 3 sessions, 5-session momentum needs 6")
}

func TestEngine_CrossSectionalStatsFilled(t *testing.T) {
	store := marketdata.NewMemStore()
	start := day(2024, 1, 1)
	addCloses(store, "000001.SZ", start, 10, 10.1)
	addCloses(store, "600000.SH", start, 20, 19.0)
	addCloses(store, "000002.SZ", start, 30, 33.0)
	eng := newTestEngine(store)

	d := start.AddDate(0, 0, 1)
	values, err := eng.Calculate(context.Background(), "momentum_1d", []string{"000001.SZ", "600000.SH", "000002.SZ"}, d, d)
	require.NoError(t, err)
	require.Len(t, values, 3)

	var zSum float64
	for _, v := range values {
		zSum += v.ZScore
		assert.GreaterOrEqual(t, v.PercentileRank, 0.0)
		assert.LessOrEqual(t, v.PercentileRank, 100.0)
	}
	assert.InDelta(t, 0, zSum, 1e-9)
}

func TestEngine_VolumeRatio(t *testing.T) {
	store := marketdata.NewMemStore()
	start := day(2024, 1, 1)
	// 19 sessions at volume 1000, then one at 2000: ratio = 2000 / 1050.
	for i := 0; i < 19; i++ {
		store.AddBars(contracts.Bar{TSCode: "000001.SZ", TradeDate: start.AddDate(0, 0, i), Close: 10, Volume: 1000})
	}
	last := start.AddDate(0, 0, 19)
	store.AddBars(contracts.Bar{TSCode: "000001.SZ", TradeDate: last, Close: 10, Volume: 2000})
	eng := newTestEngine(store)

	values, err := eng.Calculate(context.Background(), "volume_ratio_20d", []string{"000001.SZ"}, last, last)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.InDelta(t, 2000.0/1050.0, values[0].Value, 1e-9)
}

func TestEngine_PriceToMA20(t *testing.T) {
	store := marketdata.NewMemStore()
	start := day(2024, 1, 1)
	var last time.Time
	for i := 0; i < 20; i++ {
		last = start.AddDate(0, 0, i)
		store.AddBars(contracts.Bar{TSCode: "000001.SZ", TradeDate: last, Close: 10, Volume: 1})
	}
	eng := newTestEngine(store)

	values, err := eng.Calculate(context.Background(), "price_to_ma20", []string{"000001.SZ"}, last, last)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.InDelta(t, 0, values[0].Value, 1e-9, "flat series sits exactly on its moving average")
}

func TestEngine_ValuationPercentileAtMinimumObservations(t *testing.T) {
	store := marketdata.NewMemStore()
	start := day(2024, 1, 1)
	var last time.Time
	for i := 0; i < 20; i++ {
		last = start.AddDate(0, 0, i)
		store.AddValuations(contracts.ValuationRatios{
			TSCode: "000001.SZ", TradeDate: last, PETTM: 10 + float64(i), PB: 1, PSTTM: 1,
		})
	}
	eng := newTestEngine(store)

	// 20 observations is the minimum, not one short of it: the 20th
	// row already produces a percentile.
	values, err := eng.Calculate(context.Background(), "pe_percentile", []string{"000001.SZ"}, start, last)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, last, values[0].TradeDate)
	assert.InDelta(t, 1.0, values[0].Value, 1e-9, "highest PE of its own window")
}

func TestEngine_ProfitabilityTTM(t *testing.T) {
	store := marketdata.NewMemStore()
	for q := 0; q < 4; q++ {
		store.AddIncomeStatements(contracts.IncomeStatement{
			TSCode:    "000001.SZ",
			EndDate:   day(2023, time.Month(3*(q+1)), 31),
			NetProfit: 25,
			Revenue:   100,
		})
	}
	store.AddBalanceSheets(
		contracts.BalanceSheet{TSCode: "000001.SZ", EndDate: day(2023, 12, 31), TotalEquity: 500, TotalAssets: 1000},
		contracts.BalanceSheet{TSCode: "000001.SZ", EndDate: day(2023, 9, 30), TotalEquity: 500, TotalAssets: 1000},
	)
	eng := newTestEngine(store)

	roe, err := eng.Calculate(context.Background(), "roe_ttm", []string{"000001.SZ"}, day(2023, 12, 31), day(2023, 12, 31))
	require.NoError(t, err)
	require.Len(t, roe, 1)
	assert.InDelta(t, 100.0/500.0, roe[0].Value, 1e-9)

	roa, err := eng.Calculate(context.Background(), "roa_ttm", []string{"000001.SZ"}, day(2023, 12, 31), day(2023, 12, 31))
	require.NoError(t, err)
	require.Len(t, roa, 1)
	assert.InDelta(t, 100.0/1000.0, roa[0].Value, 1e-9)
}

func TestEngine_GrowthNeedsEightQuarters(t *testing.T) {
	store := marketdata.NewMemStore()
	for q := 0; q < 7; q++ {
		store.AddIncomeStatements(contracts.IncomeStatement{
			TSCode:  "000001.SZ",
			EndDate: day(2022, 1, 1).AddDate(0, 3*q, 0),
			Revenue: 100,
		})
	}
	eng := newTestEngine(store)

	values, err := eng.Calculate(context.Background(), "revenue_growth", []string{"000001.SZ"}, day(2023, 12, 31), day(2023, 12, 31))
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestEngine_RevenueGrowth(t *testing.T) {
	store := marketdata.NewMemStore()
	// Prior four quarters at 100, latest four at 120: growth = 0.20.
	for q := 0; q < 8; q++ {
		revenue := 100.0
		if q >= 4 {
			revenue = 120
		}
		store.AddIncomeStatements(contracts.IncomeStatement{
			TSCode:  "000001.SZ",
			EndDate: day(2022, 1, 1).AddDate(0, 3*q, 0),
			Revenue: revenue,
		})
	}
	eng := newTestEngine(store)

	values, err := eng.Calculate(context.Background(), "revenue_growth", []string{"000001.SZ"}, day(2024, 1, 1), day(2024, 1, 1))
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.InDelta(t, 0.20, values[0].Value, 1e-9)
}

func TestEngine_MoneyFlowStrength(t *testing.T) {
	store := marketdata.NewMemStore()
	d := day(2024, 1, 2)
	store.AddMoneyFlows(contracts.MoneyFlow{
		TSCode: "000001.SZ", TradeDate: d,
		BuySmAmount: 100, BuyMdAmount: 100, BuyLgAmount: 150, BuyElgAmount: 50,
		SellLgAmount: 100, SellElgAmount: 50,
	})
	eng := newTestEngine(store)

	values, err := eng.Calculate(context.Background(), "money_flow_strength", []string{"000001.SZ"}, d, d)
	require.NoError(t, err)
	require.Len(t, values, 1)
	// big net = (150+50)-(100+50) = 50; total buys = 400
	assert.InDelta(t, 50.0/400.0, values[0].Value, 1e-9)
}

func TestEngine_ChipConcentration(t *testing.T) {
	store := marketdata.NewMemStore()
	d := day(2024, 1, 2)
	store.AddChipDistributions(contracts.ChipDistribution{
		TSCode: "000001.SZ", TradeDate: d,
		Cost5Pct: 9, Cost50Pct: 10, Cost95Pct: 12, WinnerRate: 55,
	})
	eng := newTestEngine(store)

	values, err := eng.Calculate(context.Background(), "chip_concentration", []string{"000001.SZ"}, d, d)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.InDelta(t, 0.3, values[0].Value, 1e-9)
}

func TestEngine_WinnerRateChange(t *testing.T) {
	store := marketdata.NewMemStore()
	start := day(2024, 1, 1)
	for i := 0; i < 6; i++ {
		store.AddChipDistributions(contracts.ChipDistribution{
			TSCode: "000001.SZ", TradeDate: start.AddDate(0, 0, i),
			Cost5Pct: 9, Cost50Pct: 10, Cost95Pct: 11,
			WinnerRate: 50 + float64(i),
		})
	}
	eng := newTestEngine(store)

	last := start.AddDate(0, 0, 5)
	values, err := eng.Calculate(context.Background(), "winner_rate_change", []string{"000001.SZ"}, last, last)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.InDelta(t, 5, values[0].Value, 1e-9)
}

func TestEngine_UnknownFactor(t *testing.T) {
	eng := newTestEngine(marketdata.NewMemStore())

	_, err := eng.Calculate(context.Background(), "nonsense_42d", []string{"000001.SZ"}, day(2024, 1, 2), day(2024, 1, 2))
	assert.ErrorIs(t, err, contracts.ErrUnknownFactor)
}

func TestEngine_CustomFactorReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	store := marketdata.NewMemStore()
	eng := newTestEngine(store)

	def := contracts.FactorDefinition{
		FactorID: "my_alpha",
		Name:     "my alpha",
		Formula:  "close / open - 1",
		Type:     contracts.FactorCustom,
		IsActive: true,
	}
	require.NoError(t, eng.RegisterFactor(ctx, def))

	values, err := eng.Calculate(ctx, "my_alpha", []string{"000001.SZ"}, day(2024, 1, 2), day(2024, 1, 2))
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestEngine_RegisterBuiltinRejected(t *testing.T) {
	eng := newTestEngine(marketdata.NewMemStore())
	err := eng.RegisterFactor(context.Background(), contracts.FactorDefinition{FactorID: "momentum_5d"})
	assert.ErrorIs(t, err, contracts.ErrConfig)
}

func TestEngine_SaveValuesIdempotent(t *testing.T) {
	ctx := context.Background()
	store := marketdata.NewMemStore()
	dates := addCloses(store, "000001.SZ", day(2024, 1, 1), 10, 10, 10, 10, 10, 11)
	eng := newTestEngine(store)

	last := dates[len(dates)-1]
	values, err := eng.Calculate(ctx, "momentum_5d", []string{"000001.SZ"}, last, last)
	require.NoError(t, err)

	require.NoError(t, eng.SaveValues(ctx, values))
	require.NoError(t, eng.SaveValues(ctx, values))

	stored, err := store.GetByDate(ctx, last, []string{"momentum_5d"}, nil)
	require.NoError(t, err)
	assert.Len(t, stored, len(values), "double save must not duplicate rows")
}

func TestEngine_FactorExposureOrdering(t *testing.T) {
	ctx := context.Background()
	store := marketdata.NewMemStore()
	d := day(2024, 1, 2)
	require.NoError(t, store.SaveValues(ctx, []contracts.FactorValue{
		{TSCode: "A", TradeDate: d, FactorID: "momentum_5d", ZScore: -1.2},
		{TSCode: "B", TradeDate: d, FactorID: "momentum_5d", ZScore: 0.4},
		{TSCode: "C", TradeDate: d, FactorID: "momentum_5d", ZScore: 1.7},
	}))
	eng := newTestEngine(store)

	values, err := eng.FactorExposure(ctx, "momentum_5d", d)
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, "C", values[0].TSCode)
	assert.Equal(t, "A", values[2].TSCode)
}

func TestEngine_ListFactors(t *testing.T) {
	eng := newTestEngine(marketdata.NewMemStore())

	all := eng.ListFactors("")
	assert.Len(t, all, 18)

	technical := eng.ListFactors(contracts.FactorTechnical)
	assert.Len(t, technical, 6)
	for _, def := range technical {
		assert.Equal(t, contracts.FactorTechnical, def.Type)
	}
}

func TestEngine_CalculateAllAggregates(t *testing.T) {
	ctx := context.Background()
	store := marketdata.NewMemStore()
	start := day(2024, 1, 1)
	addCloses(store, "000001.SZ", start, 10, 10, 10, 10, 10, 11)
	addCloses(store, "600000.SH", start, 20, 20, 20, 20, 20, 21)
	store.AddStockInfos(
		contracts.StockInfo{TSCode: "000001.SZ", Industry: "bank"},
		contracts.StockInfo{TSCode: "600000.SH", Industry: "bank"},
	)
	eng := newTestEngine(store)

	last := start.AddDate(0, 0, 5)
	values, err := eng.CalculateAll(ctx, last, nil)
	require.NoError(t, err)
	require.NotEmpty(t, values)

	seen := make(map[string]bool)
	for _, v := range values {
		seen[v.FactorID] = true
	}
	assert.True(t, seen["momentum_1d"])
	assert.True(t, seen["momentum_5d"])
	assert.False(t, seen["roe_ttm"], "no financial reports loaded")
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		factorID string
		want     int
		wantErr  bool
	}{
		{"momentum_1d", 1, false},
		{"momentum_20d", 20, false},
		{"volume_ratio_20d", 20, false},
		{"price_to_ma20", 20, false},
		{"volatility_20d", 20, false},
		{"nonsense", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.factorID, func(t *testing.T) {
			got, err := parsePeriod(tt.factorID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
