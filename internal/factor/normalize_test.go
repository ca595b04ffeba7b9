package factor

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/quantcore/internal/contracts"
)

func mkValues(date time.Time, factorID string, raw ...float64) []contracts.FactorValue {
	out := make([]contracts.FactorValue, len(raw))
	for i, v := range raw {
		out[i] = contracts.FactorValue{
			TSCode:    string(rune('A' + i)),
			TradeDate: date,
			FactorID:  factorID,
			Value:     v,
		}
	}
	return out
}

func TestNormalize_ZScoreMeanAndVariance(t *testing.T) {
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	values := mkValues(d, "momentum_5d", 0.01, -0.03, 0.07, 0.00, 0.12)
	Normalize(values)

	var mean, variance float64
	for _, v := range values {
		mean += v.ZScore
	}
	mean /= float64(len(values))
	for _, v := range values {
		variance += (v.ZScore - mean) * (v.ZScore - mean)
	}
	variance /= float64(len(values))

	assert.InDelta(t, 0, mean, 1e-9)
	assert.InDelta(t, 1, variance, 1e-9)
}

func TestNormalize_ZeroStdGivesZeroZ(t *testing.T) {
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	values := mkValues(d, "momentum_5d", 0.05, 0.05, 0.05)
	Normalize(values)

	for _, v := range values {
		assert.Zero(t, v.ZScore)
	}
}

func TestNormalize_PercentileRange(t *testing.T) {
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	values := mkValues(d, "momentum_5d", 3, 1, 2, 5, 4)
	Normalize(values)

	for _, v := range values {
		assert.GreaterOrEqual(t, v.PercentileRank, 0.0)
		assert.LessOrEqual(t, v.PercentileRank, 100.0)
	}

	// Highest raw value gets the top percentile.
	var top contracts.FactorValue
	for _, v := range values {
		if v.Value == 5 {
			top = v
		}
	}
	assert.InDelta(t, 100, top.PercentileRank, 1e-9)
}

func TestNormalize_TiesShareOnePercentile(t *testing.T) {
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	values := mkValues(d, "momentum_5d", 1, 2, 2, 3)
	Normalize(values)

	var tied []float64
	for _, v := range values {
		if v.Value == 2 {
			tied = append(tied, v.PercentileRank)
		}
	}
	require.Len(t, tied, 2)
	assert.Equal(t, tied[0], tied[1])
	// average of rank positions 2 and 3 over n=4
	assert.InDelta(t, 62.5, tied[0], 1e-9)
}

func TestNormalize_SingleObservationIsNeutral(t *testing.T) {
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	values := mkValues(d, "momentum_5d", 0.42)
	Normalize(values)

	assert.Zero(t, values[0].ZScore)
	assert.InDelta(t, 50, values[0].PercentileRank, 1e-9)
}

func TestNormalize_GroupsAreIndependent(t *testing.T) {
	d1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	values := append(mkValues(d1, "momentum_5d", 1, 2, 3), mkValues(d2, "momentum_5d", 100, 200, 300)...)
	Normalize(values)

	// Equal shapes normalize to identical z-scores despite different scales.
	for i := 0; i < 3; i++ {
		assert.InDelta(t, values[i].ZScore, values[i+3].ZScore, 1e-9)
	}
}

func TestSampleStd(t *testing.T) {
	assert.Zero(t, sampleStd([]float64{1}))
	assert.InDelta(t, math.Sqrt(2.5), sampleStd([]float64{1, 2, 3, 4, 5}), 1e-9)
}
