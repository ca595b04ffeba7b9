package mlmodel

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/wonny/quantcore/internal/contracts"
)

// syntheticSeed fixes the generator for substituted targets so repeated
// preparation of the same window is reproducible.
const syntheticSeed = 42

// sampleKey identifies one feature row.
type sampleKey struct {
	Code string
	Date time.Time
}

// Dataset is a prepared training matrix: one row per (symbol, date) with
// every configured factor present, inner-joined with forward-return
// targets. Rows are ordered chronologically for the non-shuffled split.
// Synthetic marks targets substituted from the symbol's historical
// return distribution because real future prices were missing.
type Dataset struct {
	FactorIDs      []string
	Keys           []sampleKey
	X              [][]float64
	Y              []float64
	Synthetic      []bool
	SyntheticCount int
	Degradations   []contracts.Degradation
}

// prepareDataset builds the feature matrix and targets for a model over
// a date window. An empty window falls back to all stored factor history
// with a flagged degradation.
func (m *Manager) prepareDataset(ctx context.Context, def *contracts.ModelDefinition, start, end time.Time) (*Dataset, error) {
	values, err := m.factorRepo.GetByDateRange(ctx, def.FactorList, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load factor values: %w", err)
	}

	ds := &Dataset{FactorIDs: def.FactorList}
	if len(values) == 0 {
		// Widen to the full stored history rather than failing outright.
		values, err = m.factorRepo.GetByDateRange(ctx, def.FactorList, time.Time{}, maxDate())
		if err != nil {
			return nil, fmt.Errorf("failed to load factor values: %w", err)
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: no factor values for model %s", contracts.ErrNoData, def.ModelID)
		}
		ds.Degradations = append(ds.Degradations, contracts.Degradation{
			Code:   "full_history_fallback",
			Detail: fmt.Sprintf("no factor values in %s..%s, using all stored history", start.Format("2006-01-02"), end.Format("2006-01-02")),
		})
		m.logger.WithField("model_id", def.ModelID).Warn("Requested window empty, training on full factor history")
	}

	// Pivot raw values by (code, date); keep only complete rows.
	colIdx := make(map[string]int, len(def.FactorList))
	for i, id := range def.FactorList {
		colIdx[id] = i
	}
	rows := make(map[sampleKey][]float64)
	filled := make(map[sampleKey]int)
	for _, v := range values {
		ci, ok := colIdx[v.FactorID]
		if !ok {
			continue
		}
		key := sampleKey{Code: v.TSCode, Date: v.TradeDate}
		row, ok := rows[key]
		if !ok {
			row = make([]float64, len(def.FactorList))
			rows[key] = row
		}
		row[ci] = v.Value
		filled[key]++
	}

	keys := make([]sampleKey, 0, len(rows))
	for key, n := range filled {
		if n == len(def.FactorList) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no complete feature rows for model %s", contracts.ErrNoData, def.ModelID)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].Date.Equal(keys[j].Date) {
			return keys[i].Date.Before(keys[j].Date)
		}
		return keys[i].Code < keys[j].Code
	})

	// Forward-return targets, symbol by symbol.
	horizon := def.TargetHorizon()
	rng := rand.New(rand.NewSource(syntheticSeed))

	byCode := make(map[string][]sampleKey)
	codes := make([]string, 0)
	for _, key := range keys {
		if _, seen := byCode[key.Code]; !seen {
			codes = append(codes, key.Code)
		}
		byCode[key.Code] = append(byCode[key.Code], key)
	}
	sort.Strings(codes)

	targets := make(map[sampleKey]float64, len(keys))
	synthetic := make(map[sampleKey]bool)
	for _, code := range codes {
		bars, err := m.prices.GetByCodeAndDateRange(ctx, code, time.Time{}, maxDate())
		if err != nil {
			m.logger.WithFields(map[string]interface{}{
				"code":  code,
				"error": err.Error(),
			}).Warn("Failed to load prices for target computation")
			continue
		}
		dateIdx := make(map[time.Time]int, len(bars))
		for i, b := range bars {
			dateIdx[b.TradeDate] = i
		}
		histMean, histStd := historicalReturnStats(bars)

		for _, key := range byCode[code] {
			i, ok := dateIdx[key.Date]
			if ok && i+horizon < len(bars) && bars[i].Close > 0 {
				targets[key] = bars[i+horizon].Close/bars[i].Close - 1
				continue
			}
			// Not enough future sessions: substitute a draw from the
			// symbol's historical return distribution and flag it.
			if len(bars) > 0 {
				targets[key] = rng.NormFloat64()*histStd + histMean
				synthetic[key] = true
			}
		}
	}

	for _, key := range keys {
		target, ok := targets[key]
		if !ok {
			continue
		}
		ds.Keys = append(ds.Keys, key)
		ds.X = append(ds.X, rows[key])
		ds.Y = append(ds.Y, target)
		isSynthetic := synthetic[key]
		ds.Synthetic = append(ds.Synthetic, isSynthetic)
		if isSynthetic {
			ds.SyntheticCount++
		}
	}
	if len(ds.X) == 0 {
		return nil, fmt.Errorf("%w: no samples with targets for model %s", contracts.ErrNoData, def.ModelID)
	}
	if ds.SyntheticCount > 0 {
		ds.Degradations = append(ds.Degradations, contracts.Degradation{
			Code:   "synthetic_targets",
			Detail: fmt.Sprintf("%d of %d targets substituted from historical return distributions", ds.SyntheticCount, len(ds.Y)),
		})
	}

	m.logger.WithFields(map[string]interface{}{
		"model_id":  def.ModelID,
		"samples":   len(ds.X),
		"features":  len(def.FactorList),
		"synthetic": ds.SyntheticCount,
	}).Info("Training data prepared")
	return ds, nil
}

// chronologicalSplit holds out the trailing testFraction of rows without
// shuffling, preserving temporal causality.
func chronologicalSplit(n int, testFraction float64) (trainEnd int) {
	if testFraction <= 0 {
		return n
	}
	trainEnd = n - int(float64(n)*testFraction)
	if trainEnd < 1 {
		trainEnd = 1
	}
	if trainEnd > n {
		trainEnd = n
	}
	return trainEnd
}

func historicalReturnStats(bars []contracts.Bar) (float64, float64) {
	returns := make([]float64, 0, len(bars))
	for _, b := range bars {
		if b.PctChg != 0 {
			returns = append(returns, b.PctChg/100)
		}
	}
	if len(returns) == 0 {
		return 0, 0.02
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	if len(returns) < 2 {
		return mean, 0.02
	}
	ss := 0.0
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(returns)-1))
}

func maxDate() time.Time {
	return time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
}
