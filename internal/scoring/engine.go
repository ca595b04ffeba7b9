package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/wonny/quantcore/internal/contracts"
	"github.com/wonny/quantcore/pkg/logger"
)

// Engine combines factor z-scores and model predictions into ranked
// stock lists.
type Engine struct {
	factorRepo contracts.FactorRepository
	predRepo   contracts.PredictionRepository
	stocks     contracts.StockInfoRepository

	logger *logger.Logger
}

// NewEngine creates a scoring engine
func NewEngine(
	factorRepo contracts.FactorRepository,
	predRepo contracts.PredictionRepository,
	stocks contracts.StockInfoRepository,
	log *logger.Logger,
) *Engine {
	return &Engine{
		factorRepo: factorRepo,
		predRepo:   predRepo,
		stocks:     stocks,
		logger:     log,
	}
}

// FactorScores pivots stored factor values for one date into a
// symbol-by-factor z-score matrix. Empty factor/code lists mean no
// restriction.
func (e *Engine) FactorScores(ctx context.Context, date time.Time, factorIDs, codes []string) (*FactorMatrix, error) {
	values, err := e.factorRepo.GetByDate(ctx, date, factorIDs, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to load factor values: %w", err)
	}
	if len(values) == 0 {
		e.logger.WithField("date", date.Format("2006-01-02")).Warn("No factor values for date")
		return &FactorMatrix{Rows: map[string]map[string]float64{}}, nil
	}

	factorSet := make(map[string]struct{})
	rows := make(map[string]map[string]float64)
	for _, v := range values {
		factorSet[v.FactorID] = struct{}{}
		row, ok := rows[v.TSCode]
		if !ok {
			row = make(map[string]float64)
			rows[v.TSCode] = row
		}
		row[v.FactorID] = v.ZScore
	}

	factors := make([]string, 0, len(factorSet))
	for id := range factorSet {
		factors = append(factors, id)
	}
	sort.Strings(factors)

	e.logger.WithFields(map[string]interface{}{
		"date":    date.Format("2006-01-02"),
		"stocks":  len(rows),
		"factors": len(factors),
	}).Info("Factor score matrix built")
	return &FactorMatrix{Factors: factors, Rows: rows}, nil
}

// CompositeScore combines factor columns into one score per symbol and
// attaches dense ranks and percentiles. Unrecognized methods fail with
// ErrUnknownMethod; recognized extension points degrade to equal weight
// with a flagged degradation.
func (e *Engine) CompositeScore(matrix *FactorMatrix, weights map[string]float64, method ScoringMethod) (*CompositeResult, error) {
	if matrix == nil || len(matrix.Rows) == 0 {
		return &CompositeResult{Method: method}, nil
	}

	result := &CompositeResult{Method: method}
	effective := method
	switch method {
	case MethodEqualWeight:
	case MethodFactorWeight:
		if len(weights) == 0 {
			effective = MethodEqualWeight
			result.Degradations = append(result.Degradations, contracts.Degradation{
				Code:   "equal_weight_fallback",
				Detail: "factor_weight scoring requested without weights",
			})
		}
	case MethodMLEnsemble, MethodRankIC:
		// Extension points; equal weight stands in until implemented.
		effective = MethodEqualWeight
		result.Degradations = append(result.Degradations, contracts.Degradation{
			Code:   "equal_weight_fallback",
			Detail: fmt.Sprintf("%s scoring not implemented", method),
		})
	default:
		return nil, fmt.Errorf("%w: scoring method %q", contracts.ErrUnknownMethod, method)
	}

	codes := matrix.Codes()
	sort.Strings(codes)

	scores := make([]CompositeScore, 0, len(codes))
	for _, code := range codes {
		var score float64
		if effective == MethodFactorWeight {
			score = weightedScore(matrix, code, weights)
		} else {
			score = equalWeightScore(matrix, code)
		}
		scores = append(scores, CompositeScore{TSCode: code, Score: score})
	}

	attachRanks(scores)
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Rank < scores[j].Rank })
	result.Scores = scores

	for _, d := range result.Degradations {
		e.logger.WithFields(map[string]interface{}{
			"code":   d.Code,
			"detail": d.Detail,
		}).Warn("Composite scoring degraded")
	}
	return result, nil
}

func equalWeightScore(m *FactorMatrix, code string) float64 {
	if len(m.Factors) == 0 {
		return 0
	}
	sum := 0.0
	for _, f := range m.Factors {
		sum += m.At(code, f)
	}
	return sum / float64(len(m.Factors))
}

func weightedScore(m *FactorMatrix, code string, weights map[string]float64) float64 {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return 0
	}
	score := 0.0
	for f, w := range weights {
		score += m.At(code, f) * (w / total)
	}
	return score
}

// attachRanks fills dense ranks (1 = highest score, ties share a rank
// with no gaps) and ascending average-rank percentiles.
func attachRanks(scores []CompositeScore) {
	n := len(scores)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]].Score > scores[order[b]].Score
	})

	dense := 0
	var prev float64
	for pos, idx := range order {
		if pos == 0 || scores[idx].Score != prev {
			dense++
			prev = scores[idx].Score
		}
		scores[idx].Rank = dense
	}

	// Ascending percentile: higher score, higher percentile.
	asc := make([]int, n)
	copy(asc, order)
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		asc[i], asc[j] = asc[j], asc[i]
	}
	pos := 0
	for pos < n {
		end := pos
		for end+1 < n && scores[asc[end+1]].Score == scores[asc[pos]].Score {
			end++
		}
		avgRank := float64(pos+end+2) / 2
		pct := avgRank / float64(n) * 100
		for k := pos; k <= end; k++ {
			scores[asc[k]].PercentileRank = pct
		}
		pos = end + 1
	}
}

// RankStocks applies filters, truncates to topN and attaches reference
// data. Output stays sorted by descending composite score.
func (e *Engine) RankStocks(ctx context.Context, result *CompositeResult, topN int, filters *Filters) ([]RankedStock, error) {
	if result == nil || len(result.Scores) == 0 {
		return nil, nil
	}

	kept, err := e.applyFilters(ctx, result.Scores, filters)
	if err != nil {
		return nil, err
	}
	if len(kept) == 0 {
		e.logger.Warn("No stocks left after filtering")
		return nil, nil
	}
	if topN > 0 && len(kept) > topN {
		kept = kept[:topN]
	}

	codes := make([]string, len(kept))
	for i, s := range kept {
		codes[i] = s.TSCode
	}
	infos, err := e.stocks.GetByCodes(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to load stock info: %w", err)
	}

	out := make([]RankedStock, len(kept))
	for i, s := range kept {
		info := infos[s.TSCode]
		out[i] = RankedStock{
			TSCode:         s.TSCode,
			Score:          s.Score,
			Rank:           s.Rank,
			PercentileRank: s.PercentileRank,
			Name:           info.Name,
			Industry:       info.Industry,
			Area:           info.Area,
		}
	}

	e.logger.WithField("selected", len(out)).Info("Stock ranking completed")
	return out, nil
}

func (e *Engine) applyFilters(ctx context.Context, scores []CompositeScore, filters *Filters) ([]CompositeScore, error) {
	if filters == nil {
		return scores, nil
	}

	var allowedIndustry map[string]bool
	if len(filters.Industries) > 0 {
		codes := make([]string, len(scores))
		for i, s := range scores {
			codes[i] = s.TSCode
		}
		infos, err := e.stocks.GetByCodes(ctx, codes)
		if err != nil {
			return nil, fmt.Errorf("failed to load stock info for industry filter: %w", err)
		}
		want := make(map[string]bool, len(filters.Industries))
		for _, ind := range filters.Industries {
			want[ind] = true
		}
		allowedIndustry = make(map[string]bool, len(infos))
		for code, info := range infos {
			allowedIndustry[code] = want[info.Industry]
		}
	}

	excluded := make(map[string]bool, len(filters.ExcludeCodes))
	for _, code := range filters.ExcludeCodes {
		excluded[code] = true
	}

	var kept []CompositeScore
	for _, s := range scores {
		if filters.MinScore != nil && s.Score < *filters.MinScore {
			continue
		}
		if filters.MaxScore != nil && s.Score > *filters.MaxScore {
			continue
		}
		if filters.MinPercentile != nil && s.PercentileRank < *filters.MinPercentile {
			continue
		}
		if allowedIndustry != nil && !allowedIndustry[s.TSCode] {
			continue
		}
		if excluded[s.TSCode] {
			continue
		}
		kept = append(kept, s)
	}
	return kept, nil
}

// MLBasedSelection ensembles stored predictions from several models and
// returns the top N symbols. Symbols covered by any single model
// participate; ModelCount records coverage.
func (e *Engine) MLBasedSelection(ctx context.Context, date time.Time, modelIDs []string, topN int, method EnsembleMethod) (*SelectedResult, error) {
	if len(modelIDs) == 0 {
		return nil, fmt.Errorf("%w: no model ids", contracts.ErrConfig)
	}

	result := &SelectedResult{Method: method}
	effective := method
	switch method {
	case EnsembleAverage, EnsembleRankAverage:
	case EnsembleWeightedAverage:
		// Performance-weighted averaging is an extension point.
		effective = EnsembleAverage
		result.Degradations = append(result.Degradations, contracts.Degradation{
			Code:   "average_ensemble_fallback",
			Detail: "weighted_average ensemble not implemented",
		})
	default:
		return nil, fmt.Errorf("%w: ensemble method %q", contracts.ErrUnknownMethod, method)
	}

	type agg struct {
		retSum  float64
		probSum float64
		rankSum float64
		count   int
	}
	byCode := make(map[string]*agg)
	for _, modelID := range modelIDs {
		preds, err := e.predRepo.GetByModelAndDate(ctx, modelID, date)
		if err != nil {
			e.logger.WithFields(map[string]interface{}{
				"model_id": modelID,
				"error":    err.Error(),
			}).Warn("Failed to load predictions for model")
			continue
		}
		for _, p := range preds {
			a, ok := byCode[p.TSCode]
			if !ok {
				a = &agg{}
				byCode[p.TSCode] = a
			}
			a.retSum += p.PredictedReturn
			a.probSum += p.ProbabilityScore
			a.rankSum += float64(p.RankScore)
			a.count++
		}
	}
	if len(byCode) == 0 {
		e.logger.WithField("date", date.Format("2006-01-02")).Warn("No predictions found for ensemble selection")
		return result, nil
	}

	stocks := make([]SelectedStock, 0, len(byCode))
	for code, a := range byCode {
		n := float64(a.count)
		s := SelectedStock{
			TSCode:           code,
			PredictedReturn:  a.retSum / n,
			ProbabilityScore: a.probSum / n,
			ModelCount:       a.count,
		}
		if effective == EnsembleRankAverage {
			meanRank := a.rankSum / n
			if meanRank > 0 {
				s.EnsembleScore = 1.0 / meanRank
			}
		} else {
			s.EnsembleScore = s.PredictedReturn
		}
		stocks = append(stocks, s)
	}

	sort.SliceStable(stocks, func(i, j int) bool {
		if stocks[i].EnsembleScore != stocks[j].EnsembleScore {
			return stocks[i].EnsembleScore > stocks[j].EnsembleScore
		}
		return stocks[i].TSCode < stocks[j].TSCode
	})
	attachSelectionRanks(stocks)
	if topN > 0 && len(stocks) > topN {
		stocks = stocks[:topN]
	}

	codes := make([]string, len(stocks))
	for i, s := range stocks {
		codes[i] = s.TSCode
	}
	infos, err := e.stocks.GetByCodes(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to load stock info: %w", err)
	}
	for i := range stocks {
		info := infos[stocks[i].TSCode]
		stocks[i].Name = info.Name
		stocks[i].Industry = info.Industry
	}

	result.Stocks = stocks
	e.logger.WithFields(map[string]interface{}{
		"models":   len(modelIDs),
		"selected": len(stocks),
	}).Info("ML-based selection completed")
	return result, nil
}

// attachSelectionRanks assumes stocks sorted by EnsembleScore descending.
func attachSelectionRanks(stocks []SelectedStock) {
	n := len(stocks)
	dense := 0
	var prev float64
	for i := range stocks {
		if i == 0 || stocks[i].EnsembleScore != prev {
			dense++
			prev = stocks[i].EnsembleScore
		}
		stocks[i].Rank = dense
	}
	for i := range stocks {
		// position from the bottom of the distribution
		stocks[i].PercentileRank = float64(n-i) / float64(n) * 100
	}
}

// ContributionAnalysis compares one symbol's factor values against the
// full cross-section on the same date, labeling each factor strong,
// weak or neutral at the 80th and 20th percentile thresholds.
func (e *Engine) ContributionAnalysis(ctx context.Context, code string, date time.Time, factorIDs []string) (*ContributionReport, error) {
	own, err := e.factorRepo.GetByDate(ctx, date, factorIDs, []string{code})
	if err != nil {
		return nil, fmt.Errorf("failed to load factor values: %w", err)
	}
	if len(own) == 0 {
		return nil, fmt.Errorf("%w: no factor values for %s on %s", contracts.ErrNoData, code, date.Format("2006-01-02"))
	}

	market, err := e.factorRepo.GetByDate(ctx, date, factorIDs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load market distribution: %w", err)
	}
	byFactor := make(map[string][]float64)
	for _, v := range market {
		byFactor[v.FactorID] = append(byFactor[v.FactorID], v.Value)
	}

	report := &ContributionReport{TSCode: code}
	for _, v := range own {
		dist := byFactor[v.FactorID]
		if len(dist) == 0 {
			continue
		}
		mean, std := meanStd(dist)
		c := Contribution{
			FactorID:          v.FactorID,
			Value:             v.Value,
			ZScore:            v.ZScore,
			PercentileRank:    v.PercentileRank,
			MarketMean:        mean,
			MarketStd:         std,
			MarketMedian:      median(dist),
			DeviationFromMean: v.Value - mean,
			RelativeStrength:  StrengthNeutral,
		}
		switch {
		case v.PercentileRank > 80:
			c.RelativeStrength = StrengthStrong
		case v.PercentileRank < 20:
			c.RelativeStrength = StrengthWeak
		}
		report.Contributions = append(report.Contributions, c)
	}

	sort.Slice(report.Contributions, func(i, j int) bool {
		return report.Contributions[i].FactorID < report.Contributions[j].FactorID
	})
	return report, nil
}

// SectorAnalysis scores the cross-section with equal weights and
// aggregates composite scores per industry. topN bounds how many leading
// industries get a top-stock breakdown.
func (e *Engine) SectorAnalysis(ctx context.Context, date time.Time, factorIDs []string, topN int) (*SectorReport, error) {
	matrix, err := e.FactorScores(ctx, date, factorIDs, nil)
	if err != nil {
		return nil, err
	}
	composite, err := e.CompositeScore(matrix, nil, MethodEqualWeight)
	if err != nil {
		return nil, err
	}
	if len(composite.Scores) == 0 {
		return nil, fmt.Errorf("%w: no scores on %s", contracts.ErrNoData, date.Format("2006-01-02"))
	}

	codes := make([]string, len(composite.Scores))
	for i, s := range composite.Scores {
		codes[i] = s.TSCode
	}
	infos, err := e.stocks.GetByCodes(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to load stock info: %w", err)
	}

	const unknownIndustry = "unknown"
	grouped := make(map[string][]CompositeScore)
	for _, s := range composite.Scores {
		industry := unknownIndustry
		if info, ok := infos[s.TSCode]; ok && info.Industry != "" {
			industry = info.Industry
		}
		grouped[industry] = append(grouped[industry], s)
	}

	report := &SectorReport{
		TopStocks:  make(map[string][]RankedStock),
		TotalCount: len(composite.Scores),
	}
	for industry, members := range grouped {
		scores := make([]float64, len(members))
		pcts := make([]float64, len(members))
		for i, m := range members {
			scores[i] = m.Score
			pcts[i] = m.PercentileRank
		}
		mean, std := meanStd(scores)
		pctMean, _ := meanStd(pcts)
		report.Summaries = append(report.Summaries, SectorSummary{
			Industry:         industry,
			StockCount:       len(members),
			ScoreMean:        mean,
			ScoreMedian:      median(scores),
			ScoreStd:         std,
			PercentileMean:   pctMean,
			PercentileMedian: median(pcts),
		})
	}
	sort.Slice(report.Summaries, func(i, j int) bool {
		return report.Summaries[i].ScoreMean > report.Summaries[j].ScoreMean
	})

	const stocksPerIndustry = 5
	limit := topN
	if limit <= 0 || limit > len(report.Summaries) {
		limit = len(report.Summaries)
	}
	for _, summary := range report.Summaries[:limit] {
		members := grouped[summary.Industry]
		sort.SliceStable(members, func(i, j int) bool { return members[i].Rank < members[j].Rank })
		top := members
		if len(top) > stocksPerIndustry {
			top = top[:stocksPerIndustry]
		}
		for _, s := range top {
			info := infos[s.TSCode]
			report.TopStocks[summary.Industry] = append(report.TopStocks[summary.Industry], RankedStock{
				TSCode:         s.TSCode,
				Score:          s.Score,
				Rank:           s.Rank,
				PercentileRank: s.PercentileRank,
				Name:           info.Name,
				Industry:       info.Industry,
				Area:           info.Area,
			})
		}
	}

	e.logger.WithFields(map[string]interface{}{
		"date":       date.Format("2006-01-02"),
		"industries": len(report.Summaries),
	}).Info("Sector analysis completed")
	return report, nil
}

func meanStd(xs []float64) (float64, float64) {
	n := len(xs)
	if n == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(n)
	if n < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(n-1))
}

func median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, xs)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
