package factor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/wonny/quantcore/internal/contracts"
)

// extendedLookbackDays widens the fetch window behind the requested start
// so rolling transforms have a full trailing history.
const extendedLookbackDays = 400

// transform is one built-in factor: its classification plus the
// per-symbol temporal computation. Cross-sectional stats are a separate
// pass (see Normalize).
type transform struct {
	ftype contracts.FactorType
	fn    func(e *Engine, ctx context.Context, factorID, code string, start, end time.Time) ([]contracts.FactorValue, error)
}

// builtinTransforms is the closed factor library. Unknown ids that also
// match no stored definition fail with ErrUnknownFactor.
func builtinTransforms() map[string]transform {
	return map[string]transform{
		// technical
		"momentum_1d":      {contracts.FactorTechnical, (*Engine).momentum},
		"momentum_5d":      {contracts.FactorTechnical, (*Engine).momentum},
		"momentum_20d":     {contracts.FactorTechnical, (*Engine).momentum},
		"volatility_20d":   {contracts.FactorTechnical, (*Engine).volatility},
		"volume_ratio_20d": {contracts.FactorTechnical, (*Engine).volumeRatio},
		"price_to_ma20":    {contracts.FactorTechnical, (*Engine).priceToMA},

		// fundamental
		"pe_percentile":  {contracts.FactorFundamental, (*Engine).valuationPercentile},
		"pb_percentile":  {contracts.FactorFundamental, (*Engine).valuationPercentile},
		"ps_percentile":  {contracts.FactorFundamental, (*Engine).valuationPercentile},
		"roe_ttm":        {contracts.FactorFundamental, (*Engine).profitability},
		"roa_ttm":        {contracts.FactorFundamental, (*Engine).profitability},
		"revenue_growth": {contracts.FactorFundamental, (*Engine).growth},
		"profit_growth":  {contracts.FactorFundamental, (*Engine).growth},

		// money flow
		"money_flow_strength": {contracts.FactorMoneyFlow, (*Engine).moneyFlowStrength},
		"big_order_ratio":     {contracts.FactorMoneyFlow, (*Engine).bigOrderRatio},
		"money_flow_momentum": {contracts.FactorMoneyFlow, (*Engine).moneyFlowMomentum},

		// chip distribution
		"chip_concentration": {contracts.FactorChip, (*Engine).chipConcentration},
		"winner_rate_change": {contracts.FactorChip, (*Engine).winnerRateChange},
	}
}

// parsePeriod extracts the trailing session count from a factor id like
// "momentum_5d", "volume_ratio_20d" or "price_to_ma20".
func parsePeriod(factorID string) (int, error) {
	if idx := strings.LastIndex(factorID, "ma"); idx >= 0 {
		if n, err := strconv.Atoi(factorID[idx+2:]); err == nil && n > 0 {
			return n, nil
		}
	}
	parts := strings.Split(factorID, "_")
	last := strings.TrimSuffix(parts[len(parts)-1], "d")
	n, err := strconv.Atoi(last)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: cannot parse period from %q", contracts.ErrConfig, factorID)
	}
	return n, nil
}

func (e *Engine) fetchBars(ctx context.Context, code string, start, end time.Time) ([]contracts.Bar, error) {
	extended := start.AddDate(0, 0, -extendedLookbackDays)
	return e.prices.GetByCodeAndDateRange(ctx, code, extended, end)
}

// inRange trims extended-window rows back to the requested range.
func inRange(d, start, end time.Time) bool {
	return !d.Before(start) && !d.After(end)
}

// momentum computes the N-session simple return of close prices.
func (e *Engine) momentum(ctx context.Context, factorID, code string, start, end time.Time) ([]contracts.FactorValue, error) {
	period, err := parsePeriod(factorID)
	if err != nil {
		return nil, err
	}
	bars, err := e.fetchBars(ctx, code, start, end)
	if err != nil {
		return nil, err
	}

	var out []contracts.FactorValue
	for i := period; i < len(bars); i++ {
		prev := bars[i-period].Close
		if prev == 0 || !inRange(bars[i].TradeDate, start, end) {
			continue
		}
		out = append(out, contracts.FactorValue{
			TSCode:    code,
			TradeDate: bars[i].TradeDate,
			FactorID:  factorID,
			Value:     bars[i].Close/prev - 1,
		})
	}
	return out, nil
}

// volatility computes the rolling N-session standard deviation of daily
// returns.
func (e *Engine) volatility(ctx context.Context, factorID, code string, start, end time.Time) ([]contracts.FactorValue, error) {
	period, err := parsePeriod(factorID)
	if err != nil {
		return nil, err
	}
	bars, err := e.fetchBars(ctx, code, start, end)
	if err != nil {
		return nil, err
	}

	returns := make([]float64, 0, len(bars))
	dates := make([]time.Time, 0, len(bars))
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close == 0 {
			continue
		}
		returns = append(returns, bars[i].Close/bars[i-1].Close-1)
		dates = append(dates, bars[i].TradeDate)
	}

	var out []contracts.FactorValue
	for i := period - 1; i < len(returns); i++ {
		if !inRange(dates[i], start, end) {
			continue
		}
		out = append(out, contracts.FactorValue{
			TSCode:    code,
			TradeDate: dates[i],
			FactorID:  factorID,
			Value:     sampleStd(returns[i-period+1 : i+1]),
		})
	}
	return out, nil
}

// volumeRatio computes current volume over its N-session average.
func (e *Engine) volumeRatio(ctx context.Context, factorID, code string, start, end time.Time) ([]contracts.FactorValue, error) {
	period, err := parsePeriod(factorID)
	if err != nil {
		return nil, err
	}
	bars, err := e.fetchBars(ctx, code, start, end)
	if err != nil {
		return nil, err
	}

	var out []contracts.FactorValue
	for i := period - 1; i < len(bars); i++ {
		if !inRange(bars[i].TradeDate, start, end) {
			continue
		}
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			sum += bars[j].Volume
		}
		avg := sum / float64(period)
		if avg == 0 {
			continue
		}
		out = append(out, contracts.FactorValue{
			TSCode:    code,
			TradeDate: bars[i].TradeDate,
			FactorID:  factorID,
			Value:     bars[i].Volume / avg,
		})
	}
	return out, nil
}

// priceToMA computes close / N-session SMA - 1.
func (e *Engine) priceToMA(ctx context.Context, factorID, code string, start, end time.Time) ([]contracts.FactorValue, error) {
	period, err := parsePeriod(factorID)
	if err != nil {
		return nil, err
	}
	bars, err := e.fetchBars(ctx, code, start, end)
	if err != nil {
		return nil, err
	}

	var out []contracts.FactorValue
	for i := period - 1; i < len(bars); i++ {
		if !inRange(bars[i].TradeDate, start, end) {
			continue
		}
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			sum += bars[j].Close
		}
		ma := sum / float64(period)
		if ma == 0 {
			continue
		}
		out = append(out, contracts.FactorValue{
			TSCode:    code,
			TradeDate: bars[i].TradeDate,
			FactorID:  factorID,
			Value:     bars[i].Close/ma - 1,
		})
	}
	return out, nil
}

const (
	valuationWindow = 252
	valuationMinObs = 20
)

// valuationPercentile computes the rolling 252-session percentile rank of
// a valuation ratio (PE/PB/PS), minimum 20 observations. Non-positive
// ratios are discarded before ranking.
func (e *Engine) valuationPercentile(ctx context.Context, factorID, code string, start, end time.Time) ([]contracts.FactorValue, error) {
	rows, err := e.fundamentals.GetValuations(ctx, code, start, end)
	if err != nil {
		return nil, err
	}

	pick := func(v contracts.ValuationRatios) float64 {
		switch {
		case strings.HasPrefix(factorID, "pe"):
			return v.PETTM
		case strings.HasPrefix(factorID, "pb"):
			return v.PB
		default:
			return v.PSTTM
		}
	}

	series := make([]float64, 0, len(rows))
	dates := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		val := pick(r)
		if val <= 0 || math.IsNaN(val) {
			continue
		}
		series = append(series, val)
		dates = append(dates, r.TradeDate)
	}
	if len(series) < valuationMinObs {
		return nil, nil
	}

	var out []contracts.FactorValue
	for i := valuationMinObs - 1; i < len(series); i++ {
		lo := i - valuationWindow + 1
		if lo < 0 {
			lo = 0
		}
		window := series[lo : i+1]
		out = append(out, contracts.FactorValue{
			TSCode:    code,
			TradeDate: dates[i],
			FactorID:  factorID,
			Value:     percentileOfScore(window, series[i]),
		})
	}
	return out, nil
}

// profitability computes trailing-twelve-month ROE or ROA: sum of the
// last 4 quarterly profits over the average of the last 2 period-end
// equity (ROE) or asset (ROA) figures. One value per symbol, dated at the
// latest report period end.
func (e *Engine) profitability(ctx context.Context, factorID, code string, _, _ time.Time) ([]contracts.FactorValue, error) {
	income, err := e.fundamentals.GetIncomeStatements(ctx, code)
	if err != nil {
		return nil, err
	}
	balance, err := e.fundamentals.GetBalanceSheets(ctx, code)
	if err != nil {
		return nil, err
	}
	if len(income) < 4 || len(balance) < 2 {
		return nil, nil
	}

	ttmProfit := 0.0
	for _, r := range income[:4] {
		ttmProfit += r.NetProfit
	}

	var denom float64
	if factorID == "roe_ttm" {
		denom = (balance[0].TotalEquity + balance[1].TotalEquity) / 2
	} else {
		denom = (balance[0].TotalAssets + balance[1].TotalAssets) / 2
	}
	if denom <= 0 {
		return nil, nil
	}

	return []contracts.FactorValue{{
		TSCode:    code,
		TradeDate: income[0].EndDate,
		FactorID:  factorID,
		Value:     ttmProfit / denom,
	}}, nil
}

// growth computes the relative change between the trailing-4-quarter sum
// and the prior trailing-4-quarter sum. Needs at least 8 quarterly
// reports.
func (e *Engine) growth(ctx context.Context, factorID, code string, _, _ time.Time) ([]contracts.FactorValue, error) {
	income, err := e.fundamentals.GetIncomeStatements(ctx, code)
	if err != nil {
		return nil, err
	}
	if len(income) < 8 {
		return nil, nil
	}

	pick := func(r contracts.IncomeStatement) float64 {
		if factorID == "revenue_growth" {
			return r.Revenue
		}
		return r.NetProfit
	}

	var current, previous float64
	for _, r := range income[:4] {
		current += pick(r)
	}
	for _, r := range income[4:8] {
		previous += pick(r)
	}
	if previous <= 0 {
		return nil, nil
	}

	return []contracts.FactorValue{{
		TSCode:    code,
		TradeDate: income[0].EndDate,
		FactorID:  factorID,
		Value:     (current - previous) / previous,
	}}, nil
}

func (e *Engine) fetchFlows(ctx context.Context, code string, start, end time.Time) ([]contracts.MoneyFlow, error) {
	extended := start.AddDate(0, 0, -extendedLookbackDays)
	return e.flows.GetByCodeAndDateRange(ctx, code, extended, end)
}

// moneyFlowStrength computes large-order net inflow over total buy
// amount.
func (e *Engine) moneyFlowStrength(ctx context.Context, factorID, code string, start, end time.Time) ([]contracts.FactorValue, error) {
	rows, err := e.fetchFlows(ctx, code, start, end)
	if err != nil {
		return nil, err
	}

	var out []contracts.FactorValue
	for _, r := range rows {
		if !inRange(r.TradeDate, start, end) {
			continue
		}
		bigNet := (r.BuyLgAmount + r.BuyElgAmount) - (r.SellLgAmount + r.SellElgAmount)
		total := r.BuySmAmount + r.BuyMdAmount + r.BuyLgAmount + r.BuyElgAmount
		if total == 0 {
			continue
		}
		out = append(out, contracts.FactorValue{
			TSCode:    code,
			TradeDate: r.TradeDate,
			FactorID:  factorID,
			Value:     bigNet / total,
		})
	}
	return out, nil
}

// bigOrderRatio computes large-order traded amount (both sides) over the
// full traded amount.
func (e *Engine) bigOrderRatio(ctx context.Context, factorID, code string, start, end time.Time) ([]contracts.FactorValue, error) {
	rows, err := e.fetchFlows(ctx, code, start, end)
	if err != nil {
		return nil, err
	}

	var out []contracts.FactorValue
	for _, r := range rows {
		if !inRange(r.TradeDate, start, end) {
			continue
		}
		big := r.BuyLgAmount + r.SellLgAmount + r.BuyElgAmount + r.SellElgAmount
		total := r.BuySmAmount + r.SellSmAmount + r.BuyMdAmount + r.SellMdAmount +
			r.BuyLgAmount + r.SellLgAmount + r.BuyElgAmount + r.SellElgAmount
		if total == 0 {
			continue
		}
		out = append(out, contracts.FactorValue{
			TSCode:    code,
			TradeDate: r.TradeDate,
			FactorID:  factorID,
			Value:     big / total,
		})
	}
	return out, nil
}

const flowMomentumWindow = 5

// moneyFlowMomentum computes the rolling 5-session sum of net inflow.
func (e *Engine) moneyFlowMomentum(ctx context.Context, factorID, code string, start, end time.Time) ([]contracts.FactorValue, error) {
	rows, err := e.fetchFlows(ctx, code, start, end)
	if err != nil {
		return nil, err
	}

	var out []contracts.FactorValue
	for i := flowMomentumWindow - 1; i < len(rows); i++ {
		if !inRange(rows[i].TradeDate, start, end) {
			continue
		}
		sum := 0.0
		for j := i - flowMomentumWindow + 1; j <= i; j++ {
			sum += rows[j].NetAmount
		}
		out = append(out, contracts.FactorValue{
			TSCode:    code,
			TradeDate: rows[i].TradeDate,
			FactorID:  factorID,
			Value:     sum,
		})
	}
	return out, nil
}

func (e *Engine) fetchChips(ctx context.Context, code string, start, end time.Time) ([]contracts.ChipDistribution, error) {
	extended := start.AddDate(0, 0, -extendedLookbackDays)
	return e.chips.GetByCodeAndDateRange(ctx, code, extended, end)
}

// chipConcentration computes the width of the 5th..95th cost percentile
// band relative to the median cost. Smaller values mean tighter holdings.
func (e *Engine) chipConcentration(ctx context.Context, factorID, code string, start, end time.Time) ([]contracts.FactorValue, error) {
	rows, err := e.fetchChips(ctx, code, start, end)
	if err != nil {
		return nil, err
	}

	var out []contracts.FactorValue
	for _, r := range rows {
		if r.Cost50Pct == 0 || !inRange(r.TradeDate, start, end) {
			continue
		}
		out = append(out, contracts.FactorValue{
			TSCode:    code,
			TradeDate: r.TradeDate,
			FactorID:  factorID,
			Value:     (r.Cost95Pct - r.Cost5Pct) / r.Cost50Pct,
		})
	}
	return out, nil
}

const winnerRateLag = 5

// winnerRateChange computes the 5-session change in the winner rate.
func (e *Engine) winnerRateChange(ctx context.Context, factorID, code string, start, end time.Time) ([]contracts.FactorValue, error) {
	rows, err := e.fetchChips(ctx, code, start, end)
	if err != nil {
		return nil, err
	}

	var out []contracts.FactorValue
	for i := winnerRateLag; i < len(rows); i++ {
		if !inRange(rows[i].TradeDate, start, end) {
			continue
		}
		out = append(out, contracts.FactorValue{
			TSCode:    code,
			TradeDate: rows[i].TradeDate,
			FactorID:  factorID,
			Value:     rows[i].WinnerRate - rows[i-winnerRateLag].WinnerRate,
		})
	}
	return out, nil
}

// sampleStd computes the sample standard deviation (n-1 denominator),
// matching rolling-volatility convention.
func sampleStd(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(n)
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// percentileOfScore returns the fraction of window values <= score, the
// rank of the latest observation within its own trailing window.
func percentileOfScore(window []float64, score float64) float64 {
	if len(window) == 0 {
		return 0
	}
	count := 0
	for _, x := range window {
		if x <= score {
			count++
		}
	}
	return float64(count) / float64(len(window))
}
