package scoring

import (
	"github.com/wonny/quantcore/internal/contracts"
)

// ScoringMethod selects how factor columns combine into one composite
// score. ml_ensemble and rank_ic are extension points that currently
// degrade to equal weight with an explicit degradation flag.
type ScoringMethod string

const (
	MethodEqualWeight  ScoringMethod = "equal_weight"
	MethodFactorWeight ScoringMethod = "factor_weight"
	MethodMLEnsemble   ScoringMethod = "ml_ensemble"
	MethodRankIC       ScoringMethod = "rank_ic"
)

// EnsembleMethod selects how multiple models' predictions merge in
// ML-based selection.
type EnsembleMethod string

const (
	EnsembleAverage         EnsembleMethod = "average"
	EnsembleWeightedAverage EnsembleMethod = "weighted_average"
	EnsembleRankAverage     EnsembleMethod = "rank_average"
)

// FactorMatrix is the pivot of cross-sectional z-scores: one row per
// symbol, one column per factor. Missing (symbol, factor) cells read as
// the neutral value 0.
type FactorMatrix struct {
	Factors []string                      // column order
	Rows    map[string]map[string]float64 // code -> factor_id -> z_score
}

// Codes returns the row keys in unspecified order.
func (m *FactorMatrix) Codes() []string {
	codes := make([]string, 0, len(m.Rows))
	for code := range m.Rows {
		codes = append(codes, code)
	}
	return codes
}

// At reads one cell, 0 when absent.
func (m *FactorMatrix) At(code, factorID string) float64 {
	return m.Rows[code][factorID]
}

// CompositeScore is one symbol's combined score with its dense rank
// (1 = best) and ascending percentile.
type CompositeScore struct {
	TSCode         string  `json:"ts_code"`
	Score          float64 `json:"composite_score"`
	Rank           int     `json:"rank"`
	PercentileRank float64 `json:"percentile_rank"`
}

// CompositeResult carries scored symbols sorted by rank plus any
// degradations taken while scoring.
type CompositeResult struct {
	Scores       []CompositeScore        `json:"scores"`
	Method       ScoringMethod           `json:"method"`
	Degradations []contracts.Degradation `json:"degradations,omitempty"`
}

// Filters restricts rank_stocks output before truncation to top N.
// Nil pointer fields mean no restriction.
type Filters struct {
	MinScore      *float64 `json:"min_score,omitempty"`
	MaxScore      *float64 `json:"max_score,omitempty"`
	MinPercentile *float64 `json:"min_percentile,omitempty"`
	Industries    []string `json:"industries,omitempty"`
	ExcludeCodes  []string `json:"exclude_codes,omitempty"`
}

// RankedStock is one selected symbol with reference data attached.
type RankedStock struct {
	TSCode         string  `json:"ts_code"`
	Score          float64 `json:"composite_score"`
	Rank           int     `json:"rank"`
	PercentileRank float64 `json:"percentile_rank"`
	Name           string  `json:"name,omitempty"`
	Industry       string  `json:"industry,omitempty"`
	Area           string  `json:"area,omitempty"`
}

// SelectedStock is one symbol chosen by multi-model ensemble selection.
// ModelCount tracks how many models covered it.
type SelectedStock struct {
	TSCode           string  `json:"ts_code"`
	EnsembleScore    float64 `json:"ensemble_score"`
	PredictedReturn  float64 `json:"predicted_return"`
	ProbabilityScore float64 `json:"probability_score"`
	Rank             int     `json:"rank"`
	PercentileRank   float64 `json:"percentile_rank"`
	ModelCount       int     `json:"model_count"`
	Name             string  `json:"name,omitempty"`
	Industry         string  `json:"industry,omitempty"`
}

// SelectedResult carries ensemble-selected symbols plus degradations.
type SelectedResult struct {
	Stocks       []SelectedStock         `json:"stocks"`
	Method       EnsembleMethod          `json:"method"`
	Degradations []contracts.Degradation `json:"degradations,omitempty"`
}

// Strength labels a factor's cross-sectional position for one symbol.
type Strength string

const (
	StrengthStrong  Strength = "strong"  // percentile > 80
	StrengthWeak    Strength = "weak"    // percentile < 20
	StrengthNeutral Strength = "neutral" // in between
)

// Contribution compares one symbol's factor value against the full
// cross-sectional distribution on the same date.
type Contribution struct {
	FactorID          string   `json:"factor_id"`
	Value             float64  `json:"factor_value"`
	ZScore            float64  `json:"z_score"`
	PercentileRank    float64  `json:"percentile_rank"`
	MarketMean        float64  `json:"market_mean"`
	MarketStd         float64  `json:"market_std"`
	MarketMedian      float64  `json:"market_median"`
	DeviationFromMean float64  `json:"deviation_from_mean"`
	RelativeStrength  Strength `json:"relative_strength"`
}

// ContributionReport is the per-symbol factor breakdown.
type ContributionReport struct {
	TSCode        string         `json:"ts_code"`
	Contributions []Contribution `json:"factor_contributions"`
}

// SectorSummary aggregates composite scores within one industry.
type SectorSummary struct {
	Industry         string  `json:"industry"`
	StockCount       int     `json:"stock_count"`
	ScoreMean        float64 `json:"score_mean"`
	ScoreMedian      float64 `json:"score_median"`
	ScoreStd         float64 `json:"score_std"`
	PercentileMean   float64 `json:"percentile_mean"`
	PercentileMedian float64 `json:"percentile_median"`
}

// SectorReport summarizes scores by industry, with the top stocks of
// each leading industry.
type SectorReport struct {
	Summaries  []SectorSummary          `json:"industry_summary"` // sorted by ScoreMean desc
	TopStocks  map[string][]RankedStock `json:"top_stocks_by_industry"`
	TotalCount int                      `json:"total_stocks"`
}
