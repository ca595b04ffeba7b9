package portfolio

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/wonny/quantcore/internal/contracts"
	"github.com/wonny/quantcore/pkg/logger"
)

const (
	weightEpsilon = 1e-6
	maxIterations = 1000

	// Annual risk-free rate converted to the daily periodicity of the
	// return inputs.
	dailyRiskFree = 0.03 / 252
)

// Optimizer converts expected returns into portfolio weights under a
// risk model and constraints.
type Optimizer struct {
	prices  contracts.PriceRepository
	timeout time.Duration
	logger  *logger.Logger
}

func NewOptimizer(prices contracts.PriceRepository, timeout time.Duration, log *logger.Logger) *Optimizer {
	return &Optimizer{prices: prices, timeout: timeout, logger: log}
}

// Optimize solves for weights with the requested method. A nil risk
// model is estimated from trailing return history. The method set is
// closed; factor_neutral and black_litterman degrade to mean_variance
// with a flagged degradation.
func (o *Optimizer) Optimize(ctx context.Context, expected map[string]float64, risk *RiskModel, method Method, cons *Constraints) (*Result, error) {
	if len(expected) == 0 {
		return nil, fmt.Errorf("%w: empty expected returns", contracts.ErrNoData)
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	codes := make([]string, 0, len(expected))
	for code := range expected {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	mu := make([]float64, len(codes))
	for i, code := range codes {
		mu[i] = expected[code]
	}

	var err error
	if risk == nil {
		risk, err = o.EstimateRiskModel(ctx, codes, time.Now())
		if err != nil {
			return nil, err
		}
	}
	cov := alignRiskModel(risk, codes)

	result := &Result{Method: method}
	var weights []float64
	switch method {
	case MethodMeanVariance:
		weights, err = o.meanVariance(ctx, mu, cov, cons)
	case MethodRiskParity:
		weights, err = o.riskParity(ctx, cov)
	case MethodEqualWeight:
		weights = equalWeights(len(codes))
	case MethodFactorNeutral, MethodBlackLitterman:
		o.logger.WithField("method", string(method)).Warn("Method not implemented, degrading to mean_variance")
		result.Degradations = append(result.Degradations, contracts.Degradation{
			Code:   "mean_variance_fallback",
			Detail: fmt.Sprintf("%s is not implemented", method),
		})
		weights, err = o.meanVariance(ctx, mu, cov, cons)
	default:
		return nil, fmt.Errorf("%w: optimization method %q", contracts.ErrUnknownMethod, method)
	}
	if err != nil {
		return nil, err
	}

	weights, err = cleanupWeights(weights)
	if err != nil {
		return nil, err
	}

	weightMap := make(map[string]float64, len(codes))
	for i, code := range codes {
		weightMap[code] = weights[i]
	}
	if cons != nil {
		weightMap = ApplyConstraints(weightMap, cons)
		for i, code := range codes {
			weights[i] = weightMap[code]
		}
	}

	result.Weights = weightMap
	result.Stats = portfolioStats(weights, mu, cov)
	result.TotalStocks = len(codes)
	for _, w := range weights {
		if w > 0.001 {
			result.NonZeroWeights++
		}
	}

	o.logger.WithFields(map[string]interface{}{
		"method":  string(method),
		"symbols": len(codes),
		"held":    result.NonZeroWeights,
	}).Info("Portfolio optimization completed")
	return result, nil
}

// meanVariance maximizes mu'w - 0.5*lambda*w'Cov*w over the simplex with
// per-asset bounds, by projected gradient ascent.
func (o *Optimizer) meanVariance(ctx context.Context, mu []float64, cov *mat.SymDense, cons *Constraints) ([]float64, error) {
	n := len(mu)
	lambda := cons.riskAversion()
	lo := cons.lowerBound()
	hi := cons.upperBound()
	if cons != nil && cons.MaxConcentration > 0 && cons.MaxConcentration < hi {
		hi = cons.MaxConcentration
	}
	if float64(n)*hi < 1-1e-9 || float64(n)*lo > 1+1e-9 {
		return nil, fmt.Errorf("%w: bounds [%g,%g] cannot sum to 1 over %d assets", contracts.ErrInfeasible, lo, hi, n)
	}

	w := projectCappedSimplex(equalWeights(n), lo, hi)
	grad := make([]float64, n)
	sigmaW := make([]float64, n)
	step := 0.1 / lambda

	for iter := 0; iter < maxIterations; iter++ {
		if iter%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		symMulVec(sigmaW, cov, w)
		for i := range grad {
			grad[i] = mu[i] - lambda*sigmaW[i]
		}
		next := make([]float64, n)
		for i := range next {
			next[i] = w[i] + step*grad[i]
		}
		next = projectCappedSimplex(next, lo, hi)

		delta := 0.0
		for i := range next {
			delta = math.Max(delta, math.Abs(next[i]-w[i]))
		}
		w = next
		if delta < 1e-10 {
			break
		}
	}
	return w, nil
}

// riskParity equalizes risk contributions w_i*(Cov*w)_i by fixed-point
// iteration.
func (o *Optimizer) riskParity(ctx context.Context, cov *mat.SymDense) ([]float64, error) {
	n, _ := cov.Dims()
	w := equalWeights(n)
	sigmaW := make([]float64, n)

	for iter := 0; iter < maxIterations; iter++ {
		if iter%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		symMulVec(sigmaW, cov, w)
		totalVar := 0.0
		for i := range w {
			totalVar += w[i] * sigmaW[i]
		}
		if totalVar <= 0 {
			return nil, fmt.Errorf("%w: risk model has no positive variance", contracts.ErrInfeasible)
		}
		target := totalVar / float64(n)

		maxDev := 0.0
		next := make([]float64, n)
		sum := 0.0
		for i := range w {
			contrib := w[i] * sigmaW[i]
			maxDev = math.Max(maxDev, math.Abs(contrib-target))
			if contrib > 0 {
				next[i] = w[i] * math.Sqrt(target/contrib)
			} else {
				next[i] = w[i]
			}
			sum += next[i]
		}
		if sum <= 0 {
			return nil, fmt.Errorf("%w: risk parity iteration collapsed", contracts.ErrInfeasible)
		}
		for i := range next {
			next[i] /= sum
		}
		w = next
		if maxDev < 1e-10*totalVar+1e-14 {
			return w, nil
		}
	}
	// Accept the final iterate only if contributions are already close.
	symMulVec(sigmaW, cov, w)
	totalVar := 0.0
	for i := range w {
		totalVar += w[i] * sigmaW[i]
	}
	target := totalVar / float64(n)
	for i := range w {
		if math.Abs(w[i]*sigmaW[i]-target) > 0.01*totalVar {
			return nil, fmt.Errorf("risk parity did not converge after %d iterations", maxIterations)
		}
	}
	return w, nil
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}

// cleanupWeights zeros negligible entries and renormalizes to sum 1.
func cleanupWeights(w []float64) ([]float64, error) {
	sum := 0.0
	for i := range w {
		if w[i] < weightEpsilon {
			w[i] = 0
		}
		sum += w[i]
	}
	if sum <= 0 {
		return nil, fmt.Errorf("%w: all weights vanished", contracts.ErrInfeasible)
	}
	for i := range w {
		w[i] /= sum
	}
	return w, nil
}

// projectCappedSimplex finds the Euclidean projection of v onto
// {w : sum w = 1, lo <= w_i <= hi} by bisecting the shift tau in
// w_i = clip(v_i - tau, lo, hi).
func projectCappedSimplex(v []float64, lo, hi float64) []float64 {
	tauLo, tauHi := v[0]-hi, v[0]-lo
	for _, x := range v[1:] {
		tauLo = math.Min(tauLo, x-hi)
		tauHi = math.Max(tauHi, x-lo)
	}
	tauLo -= 1
	tauHi += 1

	clipSum := func(tau float64) float64 {
		sum := 0.0
		for _, x := range v {
			w := x - tau
			if w < lo {
				w = lo
			} else if w > hi {
				w = hi
			}
			sum += w
		}
		return sum
	}

	for i := 0; i < 100; i++ {
		mid := (tauLo + tauHi) / 2
		if clipSum(mid) > 1 {
			tauLo = mid
		} else {
			tauHi = mid
		}
	}

	tau := (tauLo + tauHi) / 2
	out := make([]float64, len(v))
	for i, x := range v {
		w := x - tau
		if w < lo {
			w = lo
		} else if w > hi {
			w = hi
		}
		out[i] = w
	}
	return out
}

func symMulVec(dst []float64, cov *mat.SymDense, w []float64) {
	n := len(w)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			sum += cov.At(i, j) * w[j]
		}
		dst[i] = sum
	}
}

// alignRiskModel reorders a risk model's covariance to the given symbol
// order. Symbols absent from the model get unit variance and zero
// covariance.
func alignRiskModel(risk *RiskModel, codes []string) *mat.SymDense {
	pos := make(map[string]int, len(risk.Codes))
	for i, code := range risk.Codes {
		pos[code] = i
	}
	n := len(codes)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		pi, ok := pos[codes[i]]
		if !ok {
			out.SetSym(i, i, 1)
			continue
		}
		for j := i; j < n; j++ {
			if pj, ok := pos[codes[j]]; ok {
				out.SetSym(i, j, risk.Cov.At(pi, pj))
			}
		}
	}
	return out
}

// portfolioStats derives summary statistics from an optimized weight
// vector and the risk model it was solved against.
func portfolioStats(w, mu []float64, cov *mat.SymDense) Stats {
	ret := 0.0
	for i := range w {
		ret += w[i] * mu[i]
	}
	sigmaW := make([]float64, len(w))
	symMulVec(sigmaW, cov, w)
	variance := 0.0
	for i := range w {
		variance += w[i] * sigmaW[i]
	}
	risk := math.Sqrt(math.Max(variance, 0))

	stats := Stats{ExpectedReturn: ret, ExpectedRisk: risk}
	if risk > 0 {
		stats.SharpeRatio = (ret - dailyRiskFree) / risk
	}

	minNonZero := math.Inf(1)
	for _, x := range w {
		stats.ConcentrationHHI += x * x
		if x > stats.MaxWeight {
			stats.MaxWeight = x
		}
		if x > 0 && x < minNonZero {
			minNonZero = x
		}
	}
	if stats.ConcentrationHHI > 0 {
		stats.EffectiveStocks = 1 / stats.ConcentrationHHI
	}
	if !math.IsInf(minNonZero, 1) {
		stats.MinNonZeroWeight = minNonZero
	}
	return stats
}
