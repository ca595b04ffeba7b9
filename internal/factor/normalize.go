package factor

import (
	"math"
	"sort"

	"github.com/wonny/quantcore/internal/contracts"
)

// Normalize runs the cross-sectional pass: for each (trade_date,
// factor_id) slice it fills ZScore (population mean/std; std=0 gives
// z=0) and PercentileRank (average-rank percentile, 0..100, ties share
// one value). This pass groups date-major and must stay separate from
// the symbol-major temporal transforms. The input slice is modified in
// place and returned.
func Normalize(values []contracts.FactorValue) []contracts.FactorValue {
	groups := make(map[contracts.FactorKey][]int)
	for i, v := range values {
		key := contracts.FactorKey{TradeDate: v.TradeDate, FactorID: v.FactorID}
		groups[key] = append(groups[key], i)
	}

	for _, idxs := range groups {
		normalizeSlice(values, idxs)
	}
	return values
}

func normalizeSlice(values []contracts.FactorValue, idxs []int) {
	n := len(idxs)
	if n < 2 {
		for _, i := range idxs {
			values[i].ZScore = 0
			values[i].PercentileRank = 50
		}
		return
	}

	mean := 0.0
	for _, i := range idxs {
		mean += values[i].Value
	}
	mean /= float64(n)

	variance := 0.0
	for _, i := range idxs {
		d := values[i].Value - mean
		variance += d * d
	}
	variance /= float64(n)
	std := math.Sqrt(variance)

	// A constant slice's std comes out as rounding noise, not exactly
	// zero; anything below the tolerance counts as a degenerate
	// cross-section.
	zeroTol := 1e-12 * math.Max(math.Abs(mean), 1)

	for _, i := range idxs {
		if std > zeroTol {
			values[i].ZScore = (values[i].Value - mean) / std
		} else {
			values[i].ZScore = 0
		}
	}

	// Average-rank percentile: sort once, assign tied observations the
	// mean of their rank positions.
	order := make([]int, n)
	copy(order, idxs)
	sort.Slice(order, func(a, b int) bool {
		return values[order[a]].Value < values[order[b]].Value
	})
	pos := 0
	for pos < n {
		end := pos
		for end+1 < n && values[order[end+1]].Value == values[order[pos]].Value {
			end++
		}
		// ranks are 1-based; ties get the average of their positions
		avgRank := float64(pos+end+2) / 2
		pct := avgRank / float64(n) * 100
		for k := pos; k <= end; k++ {
			values[order[k]].PercentileRank = pct
		}
		pos = end + 1
	}
}
