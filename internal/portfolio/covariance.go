package portfolio

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/wonny/quantcore/internal/contracts"
)

// Covariance estimation lookback, in calendar days. Extended past the
// 252-session target so the return matrix actually holds a year of
// sessions.
const riskLookbackDays = 365 + 50

// RiskModel is a covariance matrix over an ordered symbol list.
type RiskModel struct {
	Codes []string
	Cov   *mat.SymDense
}

// NewIdentityRiskModel builds a unit-variance, zero-covariance model,
// the fallback when no usable return history exists.
func NewIdentityRiskModel(codes []string) *RiskModel {
	n := len(codes)
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		cov.SetSym(i, i, 1)
	}
	return &RiskModel{Codes: append([]string(nil), codes...), Cov: cov}
}

// EstimateRiskModel builds a shrinkage covariance matrix from trailing
// daily returns. Sample covariance is shrunk toward a scaled identity
// target, which keeps the matrix well conditioned when the symbol count
// approaches the observation count. Symbols without enough history get
// the cross-sectional average variance and zero covariance.
func (o *Optimizer) EstimateRiskModel(ctx context.Context, codes []string, asOf time.Time) (*RiskModel, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: no symbols for risk model", contracts.ErrNoData)
	}
	start := asOf.AddDate(0, 0, -riskLookbackDays)

	// Returns per symbol, then aligned on common dates.
	perCode := make(map[string]map[time.Time]float64)
	dateSet := make(map[time.Time]struct{})
	for _, code := range codes {
		bars, err := o.prices.GetByCodeAndDateRange(ctx, code, start, asOf)
		if err != nil {
			o.logger.WithFields(map[string]interface{}{
				"code":  code,
				"error": err.Error(),
			}).Warn("Failed to load prices for risk model")
			continue
		}
		returns := make(map[time.Time]float64, len(bars))
		for i := 1; i < len(bars); i++ {
			if bars[i-1].Close > 0 {
				returns[bars[i].TradeDate] = bars[i].Close/bars[i-1].Close - 1
				dateSet[bars[i].TradeDate] = struct{}{}
			}
		}
		perCode[code] = returns
	}

	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	minObs := 60
	if len(dates)/2 < minObs {
		minObs = len(dates) / 2
	}
	covered := make([]string, 0, len(codes))
	for _, code := range codes {
		if len(perCode[code]) >= minObs && len(perCode[code]) > 1 {
			covered = append(covered, code)
		}
	}
	if len(dates) < 2 || len(covered) < 2 {
		o.logger.WithField("symbols", len(codes)).Warn("Insufficient return history, using identity risk model")
		return NewIdentityRiskModel(codes), nil
	}

	// Observation matrix with missing returns as 0.
	nObs, p := len(dates), len(covered)
	X := mat.NewDense(nObs, p, nil)
	for j, code := range covered {
		for i, d := range dates {
			X.Set(i, j, perCode[code][d])
		}
	}
	shrunk := ledoitWolf(X)

	// Expand to the full requested symbol order; uncovered symbols get
	// the average variance on the diagonal.
	avgVar := 0.0
	for j := 0; j < p; j++ {
		avgVar += shrunk.At(j, j)
	}
	avgVar /= float64(p)

	pos := make(map[string]int, p)
	for j, code := range covered {
		pos[code] = j
	}
	n := len(codes)
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		pi, iCovered := pos[codes[i]]
		if !iCovered {
			cov.SetSym(i, i, avgVar)
			continue
		}
		for j := i; j < n; j++ {
			if pj, jCovered := pos[codes[j]]; jCovered {
				cov.SetSym(i, j, shrunk.At(pi, pj))
			}
		}
	}
	return &RiskModel{Codes: append([]string(nil), codes...), Cov: cov}, nil
}

// ledoitWolf shrinks the sample covariance of X (rows = observations)
// toward mu*I with the analytically optimal intensity.
func ledoitWolf(X *mat.Dense) *mat.SymDense {
	n, p := X.Dims()

	// Demean columns.
	centered := mat.NewDense(n, p, nil)
	for j := 0; j < p; j++ {
		mean := 0.0
		for i := 0; i < n; i++ {
			mean += X.At(i, j)
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			centered.Set(i, j, X.At(i, j)-mean)
		}
	}

	// Sample covariance S = X'X / n.
	sample := mat.NewSymDense(p, nil)
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += centered.At(i, a) * centered.At(i, b)
			}
			sample.SetSym(a, b, sum/float64(n))
		}
	}

	// Target scale mu = trace(S)/p, dispersion d2 = ||S - mu I||_F^2 / p.
	mu := 0.0
	for a := 0; a < p; a++ {
		mu += sample.At(a, a)
	}
	mu /= float64(p)

	d2 := 0.0
	for a := 0; a < p; a++ {
		for b := 0; b < p; b++ {
			dev := sample.At(a, b)
			if a == b {
				dev -= mu
			}
			d2 += dev * dev
		}
	}
	d2 /= float64(p)

	// b2 estimates the variance of the sample covariance entries.
	b2 := 0.0
	for i := 0; i < n; i++ {
		for a := 0; a < p; a++ {
			for b := 0; b < p; b++ {
				dev := centered.At(i, a)*centered.At(i, b) - sample.At(a, b)
				b2 += dev * dev
			}
		}
	}
	b2 /= float64(n) * float64(n) * float64(p)
	if b2 > d2 {
		b2 = d2
	}

	shrinkage := 0.0
	if d2 > 0 {
		shrinkage = b2 / d2
	}

	out := mat.NewSymDense(p, nil)
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			v := (1 - shrinkage) * sample.At(a, b)
			if a == b {
				v += shrinkage * mu
			}
			out.SetSym(a, b, v)
		}
	}
	return out
}
