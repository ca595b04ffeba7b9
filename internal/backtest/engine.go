package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/wonny/quantcore/internal/contracts"
	"github.com/wonny/quantcore/internal/portfolio"
	"github.com/wonny/quantcore/internal/scoring"
	"github.com/wonny/quantcore/pkg/logger"
)

// Frequency picks rebalance dates from the trading calendar.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"  // first trading day per ISO week
	FrequencyMonthly Frequency = "monthly" // first trading day per month
)

// SelectionMethod chooses how symbols enter the portfolio at each
// rebalance.
type SelectionMethod string

const (
	SelectFactorBased SelectionMethod = "factor_based"
	SelectMLBased     SelectionMethod = "ml_based"
)

const defaultLotSize = 100

// Strategy configures one backtest run.
type Strategy struct {
	Name            string                 `json:"name"`
	SelectionMethod SelectionMethod        `json:"selection_method"`
	FactorList      []string               `json:"factor_list"`
	FactorWeights   map[string]float64     `json:"weights,omitempty"`
	ScoringMethod   scoring.ScoringMethod  `json:"scoring_method,omitempty"` // default equal_weight
	ModelIDs        []string               `json:"model_ids,omitempty"`
	TopN            int                    `json:"top_n"`
	Optimization    portfolio.Method       `json:"optimization_method,omitempty"` // default equal_weight
	Constraints     *portfolio.Constraints `json:"constraints,omitempty"`
	TransactionCost float64                `json:"transaction_cost"` // default 0.001
	LotSize         int                    `json:"lot_size,omitempty"`
}

func (s *Strategy) scoringMethod() scoring.ScoringMethod {
	if s.ScoringMethod == "" {
		return scoring.MethodEqualWeight
	}
	return s.ScoringMethod
}

func (s *Strategy) lotSize() int {
	if s.LotSize <= 0 {
		return defaultLotSize
	}
	return s.LotSize
}

func (s *Strategy) transactionCost() float64 {
	if s.TransactionCost <= 0 {
		return 0.001
	}
	return s.TransactionCost
}

// ValuePoint is one recorded portfolio snapshot.
type ValuePoint struct {
	Date           time.Time `json:"date"`
	TotalValue     float64   `json:"total_value"`
	Cash           float64   `json:"cash"`
	PositionsValue float64   `json:"positions_value"`
}

// Result holds a completed backtest.
type Result struct {
	StrategyName   string                  `json:"strategy_name"`
	Start          time.Time               `json:"start"`
	End            time.Time               `json:"end"`
	InitialCapital float64                 `json:"initial_capital"`
	FinalValue     float64                 `json:"final_value"`
	TotalReturn    float64                 `json:"total_return"`
	Values         []ValuePoint            `json:"portfolio_values"`
	DailyReturns   []float64               `json:"daily_returns"`
	DailyTurnover  []float64               `json:"daily_turnover"`
	Metrics        Metrics                 `json:"performance_metrics"`
	SkippedDates   []time.Time             `json:"skipped_dates,omitempty"`
	Degradations   []contracts.Degradation `json:"degradations,omitempty"`
}

// Engine replays the selection -> weighting -> rebalancing pipeline over
// historical dates. State flows strictly forward: positions and cash at
// date t feed date t+1, so dates are processed in increasing order.
type Engine struct {
	scoring   *scoring.Engine
	optimizer *portfolio.Optimizer
	prices    contracts.PriceRepository
	logger    *logger.Logger
}

func NewEngine(
	scoringEngine *scoring.Engine,
	optimizer *portfolio.Optimizer,
	prices contracts.PriceRepository,
	log *logger.Logger,
) *Engine {
	return &Engine{
		scoring:   scoringEngine,
		optimizer: optimizer,
		prices:    prices,
		logger:    log,
	}
}

// Run simulates the strategy over [start, end]. Per-date failures are
// logged and skipped so one bad date never aborts the run; the skipped
// dates are reported in the result.
func (e *Engine) Run(ctx context.Context, strategy Strategy, start, end time.Time, initialCapital float64, freq Frequency) (*Result, error) {
	if initialCapital <= 0 {
		initialCapital = 1_000_000
	}
	dates, err := e.rebalanceDates(ctx, start, end, freq)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("%w: no trading dates in %s..%s", contracts.ErrNoData, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	e.logger.WithFields(map[string]interface{}{
		"strategy": strategy.Name,
		"start":    start.Format("2006-01-02"),
		"end":      end.Format("2006-01-02"),
		"dates":    len(dates),
	}).Info("Backtest started")

	result := &Result{
		StrategyName:   strategy.Name,
		Start:          start,
		End:            end,
		InitialCapital: initialCapital,
	}

	positions := make(map[string]int)
	cash := initialCapital
	totalValue := initialCapital

	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := e.step(ctx, &strategy, date, positions, &cash)
		if err != nil {
			e.logger.WithFields(map[string]interface{}{
				"date":  date.Format("2006-01-02"),
				"error": err.Error(),
			}).Warn("Rebalance date skipped")
			result.SkippedDates = append(result.SkippedDates, date)
			continue
		}
		totalValue = st.value

		if n := len(result.Values); n > 0 {
			prev := result.Values[n-1].TotalValue
			if prev > 0 {
				result.DailyReturns = append(result.DailyReturns, (totalValue-prev)/prev)
			}
		}
		// The snapshot is the book at the close, before the date's
		// trades: value, cash and positions all refer to the same
		// moment.
		result.Values = append(result.Values, ValuePoint{
			Date:           date,
			TotalValue:     st.value,
			Cash:           st.cash,
			PositionsValue: st.value - st.cash,
		})
		result.DailyTurnover = append(result.DailyTurnover, st.turnover)
		if st.degraded != nil {
			result.Degradations = appendDegradation(result.Degradations, *st.degraded)
		}
	}

	result.FinalValue = totalValue
	result.TotalReturn = (totalValue - initialCapital) / initialCapital
	result.Metrics = computeMetrics(result.Values, result.DailyReturns, start, end)

	e.logger.WithFields(map[string]interface{}{
		"strategy":     strategy.Name,
		"final_value":  result.FinalValue,
		"total_return": result.TotalReturn,
		"skipped":      len(result.SkippedDates),
	}).Info("Backtest completed")
	return result, nil
}

// stepResult is one date's outcome: the book valued at the close before
// trading (value and cash refer to that same moment), the turnover of
// the trades placed, and any degraded behavior taken.
type stepResult struct {
	value    float64
	cash     float64
	turnover float64
	degraded *contracts.Degradation
}

// step performs one rebalance: select, weight, price, trade. It mutates
// positions and cash only on success.
func (e *Engine) step(ctx context.Context, strategy *Strategy, date time.Time, positions map[string]int, cash *float64) (*stepResult, error) {
	expected, err := e.selectStocks(ctx, strategy, date)
	if err != nil {
		return nil, err
	}
	if len(expected) == 0 {
		return nil, fmt.Errorf("no symbols selected")
	}

	weights, degraded := e.targetWeights(ctx, strategy, expected)

	codes := make([]string, 0, len(positions)+len(weights))
	seen := make(map[string]struct{}, len(positions)+len(weights))
	for code := range positions {
		codes = append(codes, code)
		seen[code] = struct{}{}
	}
	for code := range weights {
		if _, ok := seen[code]; !ok {
			codes = append(codes, code)
		}
	}
	prices, err := e.prices.GetClosesOnDate(ctx, date, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to load prices: %w", err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("no prices available")
	}

	// Value the current book at today's closes before trading.
	st := &stepResult{cash: *cash, degraded: degraded}
	st.value = *cash
	for code, shares := range positions {
		st.value += float64(shares) * prices[code]
	}

	st.turnover = e.rebalance(strategy, positions, cash, weights, prices, st.value)
	return st, nil
}

// selectStocks produces the expected-return input for weighting: the
// composite or ensemble score per selected symbol.
func (e *Engine) selectStocks(ctx context.Context, strategy *Strategy, date time.Time) (map[string]float64, error) {
	expected := make(map[string]float64)
	switch strategy.SelectionMethod {
	case SelectMLBased:
		if len(strategy.ModelIDs) == 0 {
			return nil, fmt.Errorf("%w: ml_based selection without model ids", contracts.ErrConfig)
		}
		selected, err := e.scoring.MLBasedSelection(ctx, date, strategy.ModelIDs, strategy.TopN, scoring.EnsembleAverage)
		if err != nil {
			return nil, err
		}
		for _, s := range selected.Stocks {
			expected[s.TSCode] = s.EnsembleScore
		}
	case SelectFactorBased, "":
		if len(strategy.FactorList) == 0 {
			return nil, fmt.Errorf("%w: factor_based selection without factors", contracts.ErrConfig)
		}
		matrix, err := e.scoring.FactorScores(ctx, date, strategy.FactorList, nil)
		if err != nil {
			return nil, err
		}
		composite, err := e.scoring.CompositeScore(matrix, strategy.FactorWeights, strategy.scoringMethod())
		if err != nil {
			return nil, err
		}
		ranked, err := e.scoring.RankStocks(ctx, composite, strategy.TopN, nil)
		if err != nil {
			return nil, err
		}
		for _, s := range ranked {
			expected[s.TSCode] = s.Score
		}
	default:
		return nil, fmt.Errorf("%w: selection method %q", contracts.ErrUnknownMethod, strategy.SelectionMethod)
	}
	return expected, nil
}

// targetWeights converts scores into weights. Any optimizer failure
// degrades to equal weight so the simulation keeps running; the fallback
// is reported as a degradation, not just logged.
func (e *Engine) targetWeights(ctx context.Context, strategy *Strategy, expected map[string]float64) (map[string]float64, *contracts.Degradation) {
	method := strategy.Optimization
	if method == "" || method == portfolio.MethodEqualWeight {
		return equalWeightMap(expected), nil
	}

	result, err := e.optimizer.Optimize(ctx, expected, nil, method, strategy.Constraints)
	if err != nil {
		e.logger.WithFields(map[string]interface{}{
			"method": string(method),
			"error":  err.Error(),
		}).Warn("Optimization failed, falling back to equal weight")
		return equalWeightMap(expected), &contracts.Degradation{
			Code:   "equal_weight_fallback",
			Detail: fmt.Sprintf("%s optimization failed: %v", method, err),
		}
	}
	return result.Weights, nil
}

// appendDegradation adds d unless an entry with the same code is already
// present, so a persistent fallback does not flood the result.
func appendDegradation(degs []contracts.Degradation, d contracts.Degradation) []contracts.Degradation {
	for _, existing := range degs {
		if existing.Code == d.Code {
			return degs
		}
	}
	return append(degs, d)
}

// rebalance trades to the target weights in whole lots, charging
// proportional transaction costs against cash.
func (e *Engine) rebalance(strategy *Strategy, positions map[string]int, cash *float64, weights map[string]float64, prices map[string]float64, totalValue float64) float64 {
	lot := strategy.lotSize()

	target := make(map[string]int, len(weights))
	for code, weight := range weights {
		price := prices[code]
		if price <= 0 {
			continue
		}
		shares := int(totalValue*weight/price) / lot * lot
		target[code] = shares
	}

	tradeValue := 0.0
	for code := range union(positions, target) {
		price := prices[code]
		if price <= 0 {
			continue
		}
		delta := target[code] - positions[code]
		tradeValue += math.Abs(float64(delta)) * price
		*cash -= float64(delta) * price
	}
	*cash -= tradeValue * strategy.transactionCost()

	for code := range positions {
		delete(positions, code)
	}
	for code, shares := range target {
		if shares != 0 {
			positions[code] = shares
		}
	}

	if totalValue > 0 {
		return tradeValue / totalValue
	}
	return 0
}

// rebalanceDates returns the trading dates to act on, strictly
// increasing: every session for daily, the first session of each ISO
// week or calendar month otherwise.
func (e *Engine) rebalanceDates(ctx context.Context, start, end time.Time, freq Frequency) ([]time.Time, error) {
	all, err := e.prices.ListTradeDates(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list trading dates: %w", err)
	}
	switch freq {
	case FrequencyDaily, "":
		return all, nil
	case FrequencyWeekly:
		var out []time.Time
		lastYear, lastWeek := -1, -1
		for _, d := range all {
			year, week := d.ISOWeek()
			if year != lastYear || week != lastWeek {
				out = append(out, d)
				lastYear, lastWeek = year, week
			}
		}
		return out, nil
	case FrequencyMonthly:
		var out []time.Time
		lastYear, lastMonth := -1, time.Month(0)
		for _, d := range all {
			if d.Year() != lastYear || d.Month() != lastMonth {
				out = append(out, d)
				lastYear, lastMonth = d.Year(), d.Month()
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: rebalance frequency %q", contracts.ErrUnknownMethod, freq)
	}
}

func equalWeightMap(expected map[string]float64) map[string]float64 {
	weights := make(map[string]float64, len(expected))
	w := 1.0 / float64(len(expected))
	for code := range expected {
		weights[code] = w
	}
	return weights
}

func union(a map[string]int, b map[string]int) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
