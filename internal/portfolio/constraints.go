package portfolio

import (
	"math"
)

// ApplyConstraints post-processes a solved weight vector: clip to the
// [min, max] band, redistribute any weight removed by a concentration
// limit equally across uncapped assets, then renormalize to sum 1. The
// order matters for reproducibility and must not change.
func ApplyConstraints(weights map[string]float64, cons *Constraints) map[string]float64 {
	if cons == nil || len(weights) == 0 {
		return weights
	}
	out := make(map[string]float64, len(weights))
	for code, w := range weights {
		out[code] = w
	}

	limit := 0.0
	if cons.MaxWeight > 0 {
		limit = cons.MaxWeight
	}
	if cons.MaxConcentration > 0 && (limit == 0 || cons.MaxConcentration < limit) {
		limit = cons.MaxConcentration
	}
	if limit > 0 {
		redistributeExcess(out, limit)
	}

	if cons.MinWeight > 0 {
		for code, w := range out {
			if w > 0 && w < cons.MinWeight {
				out[code] = cons.MinWeight
			}
		}
	}

	sum := 0.0
	for _, w := range out {
		sum += w
	}
	if sum > 0 {
		for code := range out {
			out[code] /= sum
		}
	}
	return out
}

// redistributeExcess caps weights and hands the removed excess in equal
// parts to the assets below the limit, repeating while the handout pushes
// anyone else over.
func redistributeExcess(weights map[string]float64, limit float64) {
	for pass := 0; pass < len(weights); pass++ {
		excess := 0.0
		var uncapped []string
		for code, w := range weights {
			if w > limit+1e-12 {
				excess += w - limit
				weights[code] = limit
			} else if w < limit-1e-12 {
				uncapped = append(uncapped, code)
			}
		}
		if excess <= 0 || len(uncapped) == 0 {
			return
		}
		share := excess / float64(len(uncapped))
		for _, code := range uncapped {
			weights[code] += share
		}
	}
}

// Turnover is half the L1 distance between two weight vectors, matching
// the usual one-sided trading volume convention. Symbols missing from
// either side count as weight 0.
func Turnover(a, b map[string]float64) float64 {
	sum := 0.0
	seen := make(map[string]struct{}, len(a)+len(b))
	for code, wa := range a {
		seen[code] = struct{}{}
		sum += math.Abs(wa - b[code])
	}
	for code, wb := range b {
		if _, ok := seen[code]; !ok {
			sum += math.Abs(wb)
		}
	}
	return sum / 2
}

// Rebalance computes the trade list moving current weights to target
// weights, with cost estimated as turnover times the rate.
func Rebalance(current, target map[string]float64, costRate float64) *RebalancePlan {
	plan := &RebalancePlan{
		Trades: make(map[string]float64),
		Buys:   make(map[string]float64),
		Sells:  make(map[string]float64),
	}

	codes := make(map[string]struct{}, len(current)+len(target))
	for code := range current {
		codes[code] = struct{}{}
	}
	for code := range target {
		codes[code] = struct{}{}
	}

	var currentSum, targetSum float64
	for code := range codes {
		delta := target[code] - current[code]
		currentSum += current[code]
		targetSum += target[code]
		if delta == 0 {
			continue
		}
		plan.Trades[code] = delta
		if delta > 0 {
			plan.Buys[code] = delta
		} else {
			plan.Sells[code] = delta
		}
		plan.GrossTradedValue += math.Abs(delta)
	}

	plan.Turnover = plan.GrossTradedValue / 2
	plan.TransactionCost = plan.Turnover * costRate
	plan.NetExposureChange = targetSum - currentSum
	return plan
}
