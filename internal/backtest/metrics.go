package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/wonny/quantcore/internal/contracts"
)

const annualRiskFree = 0.03

// Metrics are the performance statistics of one backtest run. Returns
// annualize over elapsed calendar time; volatility annualizes over
// trading sessions.
type Metrics struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	Volatility       float64 `json:"volatility"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	WinRate          float64 `json:"win_rate"`
	CalmarRatio      float64 `json:"calmar_ratio"`
	RebalanceCount   int     `json:"rebalance_count"`
	AvgDailyReturn   float64 `json:"avg_daily_return"`
	StdDailyReturn   float64 `json:"std_daily_return"`
}

func computeMetrics(values []ValuePoint, returns []float64, start, end time.Time) Metrics {
	m := Metrics{RebalanceCount: len(values)}
	if len(values) == 0 {
		return m
	}

	initial := values[0].TotalValue
	final := values[len(values)-1].TotalValue
	if initial > 0 {
		m.TotalReturn = (final - initial) / initial
	}

	years := end.Sub(start).Hours() / 24 / 365.25
	if years > 0 && 1+m.TotalReturn > 0 {
		m.AnnualizedReturn = math.Pow(1+m.TotalReturn, 1/years) - 1
	}

	if len(returns) > 0 {
		m.AvgDailyReturn, m.StdDailyReturn = meanStdPop(returns)
		m.Volatility = m.StdDailyReturn * math.Sqrt(252)

		wins := 0
		for _, r := range returns {
			if r > 0 {
				wins++
			}
		}
		m.WinRate = float64(wins) / float64(len(returns))
	}
	if m.Volatility > 0 {
		m.SharpeRatio = (m.AnnualizedReturn - annualRiskFree) / m.Volatility
	}

	peak := values[0].TotalValue
	for _, v := range values {
		if v.TotalValue > peak {
			peak = v.TotalValue
		}
		if peak > 0 {
			if dd := (peak - v.TotalValue) / peak; dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}
	}
	if m.MaxDrawdown > 0 {
		m.CalmarRatio = m.AnnualizedReturn / m.MaxDrawdown
	}
	return m
}

// meanStdPop returns the mean and population standard deviation.
func meanStdPop(xs []float64) (float64, float64) {
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

// StrategyRun pairs a strategy with its run parameters for comparison.
type StrategyRun struct {
	Strategy       Strategy  `json:"strategy"`
	InitialCapital float64   `json:"initial_capital,omitempty"`
	Frequency      Frequency `json:"rebalance_frequency,omitempty"`
}

// Comparison aggregates the results of multiple strategy runs.
type Comparison struct {
	Results         []*Result          `json:"strategies"`
	BestReturn      string             `json:"highest_return"`
	BestSharpe      string             `json:"highest_sharpe"`
	LowestDrawdown  string             `json:"lowest_drawdown"`
	BestWinRate     string             `json:"highest_win_rate"`
	AverageReturn   float64            `json:"avg_return"`
	AverageSharpe   float64            `json:"avg_sharpe"`
	AverageDrawdown float64            `json:"avg_drawdown"`
	Failed          map[string]string  `json:"failed,omitempty"`
}

// CompareStrategies backtests each strategy over the same window and
// ranks them. Individual run failures are reported, not fatal; the
// comparison needs at least one completed run.
func (e *Engine) CompareStrategies(ctx context.Context, runs []StrategyRun, start, end time.Time) (*Comparison, error) {
	cmp := &Comparison{}
	for _, run := range runs {
		result, err := e.Run(ctx, run.Strategy, start, end, run.InitialCapital, run.Frequency)
		if err != nil {
			e.logger.WithFields(map[string]interface{}{
				"strategy": run.Strategy.Name,
				"error":    err.Error(),
			}).Error("Strategy backtest failed")
			if cmp.Failed == nil {
				cmp.Failed = make(map[string]string)
			}
			cmp.Failed[run.Strategy.Name] = err.Error()
			continue
		}
		cmp.Results = append(cmp.Results, result)
	}
	if len(cmp.Results) == 0 {
		return nil, fmt.Errorf("%w: no strategy completed", contracts.ErrNoData)
	}

	best := func(better func(a, b *Result) bool) string {
		chosen := cmp.Results[0]
		for _, r := range cmp.Results[1:] {
			if better(r, chosen) {
				chosen = r
			}
		}
		return chosen.StrategyName
	}
	cmp.BestReturn = best(func(a, b *Result) bool { return a.Metrics.TotalReturn > b.Metrics.TotalReturn })
	cmp.BestSharpe = best(func(a, b *Result) bool { return a.Metrics.SharpeRatio > b.Metrics.SharpeRatio })
	cmp.LowestDrawdown = best(func(a, b *Result) bool { return a.Metrics.MaxDrawdown < b.Metrics.MaxDrawdown })
	cmp.BestWinRate = best(func(a, b *Result) bool { return a.Metrics.WinRate > b.Metrics.WinRate })

	for _, r := range cmp.Results {
		cmp.AverageReturn += r.Metrics.TotalReturn
		cmp.AverageSharpe += r.Metrics.SharpeRatio
		cmp.AverageDrawdown += r.Metrics.MaxDrawdown
	}
	n := float64(len(cmp.Results))
	cmp.AverageReturn /= n
	cmp.AverageSharpe /= n
	cmp.AverageDrawdown /= n
	return cmp, nil
}
