package portfolio

import (
	"github.com/wonny/quantcore/internal/contracts"
)

// Method selects the weight optimization algorithm. The set is closed;
// unrecognized methods fail with ErrUnknownMethod.
type Method string

const (
	MethodMeanVariance   Method = "mean_variance"
	MethodRiskParity     Method = "risk_parity"
	MethodEqualWeight    Method = "equal_weight"
	MethodFactorNeutral  Method = "factor_neutral"
	MethodBlackLitterman Method = "black_litterman"
)

// Constraints bound the optimized weight vector. Zero values disable the
// corresponding constraint.
type Constraints struct {
	RiskAversion     float64 `json:"risk_aversion"`     // lambda in the mean-variance objective, default 1.0
	MaxWeight        float64 `json:"max_weight"`        // per-asset upper bound
	MinWeight        float64 `json:"min_weight"`        // per-asset lower bound
	MaxConcentration float64 `json:"max_concentration"` // inf-norm cap applied post-solve
}

func (c *Constraints) riskAversion() float64 {
	if c == nil || c.RiskAversion <= 0 {
		return 1.0
	}
	return c.RiskAversion
}

func (c *Constraints) upperBound() float64 {
	if c == nil || c.MaxWeight <= 0 || c.MaxWeight > 1 {
		return 1.0
	}
	return c.MaxWeight
}

func (c *Constraints) lowerBound() float64 {
	if c == nil || c.MinWeight <= 0 {
		return 0
	}
	return c.MinWeight
}

// Stats summarizes an optimized portfolio against its risk model.
type Stats struct {
	ExpectedReturn   float64 `json:"expected_return"`
	ExpectedRisk     float64 `json:"expected_risk"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	ConcentrationHHI float64 `json:"concentration_hhi"`
	EffectiveStocks  float64 `json:"effective_stocks"`
	MaxWeight        float64 `json:"max_weight"`
	MinNonZeroWeight float64 `json:"min_weight"`
}

// Result is one completed optimization.
type Result struct {
	Method         Method                  `json:"method"`
	Weights        map[string]float64      `json:"weights"`
	Stats          Stats                   `json:"portfolio_stats"`
	TotalStocks    int                     `json:"total_stocks"`
	NonZeroWeights int                     `json:"non_zero_weights"` // weights above 0.001
	Degradations   []contracts.Degradation `json:"degradations,omitempty"`
}

// RebalancePlan is the trade list that moves a portfolio from current to
// target weights.
type RebalancePlan struct {
	Trades            map[string]float64 `json:"trade_instructions"` // target - current, nonzero only
	Buys              map[string]float64 `json:"buy_list"`
	Sells             map[string]float64 `json:"sell_list"`
	GrossTradedValue  float64            `json:"total_trade_value"` // sum of absolute weight changes
	TransactionCost   float64            `json:"transaction_cost"`
	Turnover          float64            `json:"turnover"` // L1 distance / 2
	NetExposureChange float64            `json:"net_exposure_change"`
}
